package task

import (
	"context"

	"ConciergeFlow/internal/plan"
)

// OrderStatus 表示订单状态。
type OrderStatus string

const (
	OrderConfirmed OrderStatus = "confirmed"
	OrderRefunded  OrderStatus = "refunded"
	OrderCanceled  OrderStatus = "canceled"
)

// Pricing 是订单定价。Gross 为用户确认的总额，Markup 为平台抽成，
// Net 为商户应得，三者满足 Net = Gross - Markup。
type Pricing struct {
	Gross    float64 `json:"gross"`
	Markup   float64 `json:"markup"`
	Net      float64 `json:"net"`
	Deposit  float64 `json:"deposit"`
	Currency string  `json:"currency"`
}

// Refund 记录退款信息。
type Refund struct {
	Amount     float64 `json:"amount"`
	Reason     string  `json:"reason"`
	RefundedAt int64   `json:"refunded_at"`
}

// Order 是任务执行成功后产出的订单。一个任务至多产出一个订单。
type Order struct {
	ID          string              `json:"id"`
	TaskID      string              `json:"task_id"`
	Category    plan.IntentCategory `json:"category"`
	Status      OrderStatus         `json:"status"`
	Pricing     Pricing             `json:"pricing"`
	PaymentRef  string              `json:"payment_ref"`
	PaymentRail string              `json:"payment_rail"`
	VoucherCode string              `json:"voucher_code,omitempty"`
	Refund      *Refund             `json:"refund,omitempty"`
	CreatedAt   int64               `json:"created_at"`
	UpdatedAt   int64               `json:"updated_at"`
}

// CloneOrder 返回订单深拷贝。
func (o *Order) CloneOrder() *Order {
	if o == nil {
		return nil
	}
	cloned := *o
	if o.Refund != nil {
		refund := *o.Refund
		cloned.Refund = &refund
	}
	return &cloned
}

// OrderStore 抽象订单持久化。
type OrderStore interface {
	CreateOrder(ctx context.Context, order *Order) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	SaveOrder(ctx context.Context, order *Order) error
	ListOrders(ctx context.Context, limit int) ([]*Order, error)
}
