package plan

import "math"

// 价格条款的类别参数。订金、手续费均向整数取整，
// merchantFee 以差值计算保证拆分各项之和严格等于总额。
type termParams struct {
	depositRate   float64
	depositFloor  float64
	serviceRate   float64
	serviceFloor  float64
	thirdPartyFee float64
	fxFee         float64
	guarantee     string
}

var termsByCategory = map[IntentCategory]termParams{
	CategoryDining: {
		depositRate:   0.3,
		depositFloor:  8,
		serviceRate:   0.12,
		serviceFloor:  5,
		thirdPartyFee: 2,
		fxFee:         0,
		guarantee:     "开席前 2 小时可免费取消，订金原路退回",
	},
	CategoryMobility: {
		depositRate:   0.2,
		depositFloor:  5,
		serviceRate:   0.12,
		serviceFloor:  3,
		thirdPartyFee: 1.5,
		fxFee:         0.5,
		guarantee:     "司机接单前可免费取消",
	},
}

// budgetMultiplier 将预算档位折算为金额系数。
func budgetMultiplier(budget string) float64 {
	switch budget {
	case "low":
		return 0.8
	case "high":
		return 1.5
	default:
		return 1
	}
}

// buildTerms 从基准金额与类别参数推导确认条款。所有计算均为确定性的。
func buildTerms(category IntentCategory, c Constraints) ConfirmationTerms {
	params, ok := termsByCategory[category]
	if !ok {
		params = termsByCategory[CategoryDining]
	}

	amount := round2(c.BaseAmount * budgetMultiplier(c.Budget))
	deposit := math.Max(params.depositFloor, math.Round(amount*params.depositRate))
	serviceFee := math.Max(params.serviceFloor, math.Round(amount*params.serviceRate))
	merchantFee := round2(amount - serviceFee)

	return ConfirmationTerms{
		Amount:   amount,
		Currency: "CNY",
		Deposit:  deposit,
		Breakdown: FeeBreakdown{
			ServiceFee:  serviceFee,
			MerchantFee: merchantFee,
		},
		ThirdPartyFee:         params.thirdPartyFee,
		FxFee:                 params.fxFee,
		CancellationGuarantee: params.guarantee,
	}
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
