package plan

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// 各类别缺一不可的槽位集合。
var requiredSlots = map[IntentCategory][]string{
	CategoryDining:   {"city", "budget", "eta", "group_size"},
	CategoryMobility: {"origin", "destination", "eta", "transport_mode", "budget"},
}

var (
	cityPattern     = regexp.MustCompile(`\bin ([A-Z][A-Za-z]+)`)
	groupPattern    = regexp.MustCompile(`(?i)(?:party of|table for|for)\s+(\d{1,2})\b`)
	groupCNPattern  = regexp.MustCompile(`(\d{1,2})\s*(?:人|位)`)
	etaPattern      = regexp.MustCompile(`(?i)in\s+(\d{1,3})\s*(?:min|mins|minutes|分钟)`)
	routePattern    = regexp.MustCompile(`(?i)from\s+(.+?)\s+to\s+(.+?)(?:[,.;]|$)`)
	budgetLowWords  = []string{"budget low", "cheap", "affordable", "便宜", "实惠", "经济"}
	budgetHighWords = []string{"budget high", "fancy", "premium", "upscale", "高档", "豪华"}
	urgencyWords    = []string{"soon", "asap", "right away", "now", "tonight", "尽快", "马上", "今晚"}
)

// normalizeConstraints 对缺省约束按类别填入默认值，使下游逻辑不必处理零值。
func normalizeConstraints(c Constraints, category IntentCategory) Constraints {
	if c.Budget == "" {
		c.Budget = "medium"
	}
	if c.BaseAmount <= 0 {
		if category == CategoryMobility {
			c.BaseAmount = 45
		} else {
			c.BaseAmount = 120
		}
	}
	if c.DistanceKM <= 0 {
		c.DistanceKM = 3
	}
	if c.TransportMode == "" && category == CategoryMobility {
		c.TransportMode = "ride_hail"
	}
	if c.PaymentRail == "" {
		c.PaymentRail = "rail_default"
	}
	if c.EtaMinutes < 0 {
		c.EtaMinutes = 0
	}
	return c
}

// extractSlots 从意图文本、结构化约束与上一轮记忆中提取会话槽位。
// 优先级：显式约束 > 文本模式 > 记忆。
func extractSlots(intent string, c Constraints, memory Memory, category IntentCategory) map[string]string {
	slots := make(map[string]string)
	lowered := strings.ToLower(intent)

	// city
	if c.City != "" {
		slots["city"] = c.City
	} else if match := cityPattern.FindStringSubmatch(intent); len(match) == 2 {
		slots["city"] = match[1]
	} else if v := memory["city"]; v != "" {
		slots["city"] = v
	}

	// budget：约束的 low/high 显式值或文本暗示；归一化默认的 medium 不算显式槽位，
	// 除非文本也没有任何价格偏好但记忆里有。
	switch {
	case containsAny(lowered, budgetLowWords):
		slots["budget"] = "low"
	case containsAny(lowered, budgetHighWords):
		slots["budget"] = "high"
	case c.Budget != "" && c.Budget != "medium":
		slots["budget"] = c.Budget
	case memory["budget"] != "":
		slots["budget"] = memory["budget"]
	default:
		slots["budget"] = c.Budget
	}

	// eta
	if match := etaPattern.FindStringSubmatch(intent); len(match) == 2 {
		slots["eta"] = match[1] + "m"
	} else if c.EtaMinutes > 0 {
		slots["eta"] = strconv.Itoa(c.EtaMinutes) + "m"
	} else if containsAny(lowered, urgencyWords) {
		slots["eta"] = "asap"
	} else if v := memory["eta"]; v != "" {
		slots["eta"] = v
	}

	// group size
	if c.GroupSize > 0 {
		slots["group_size"] = strconv.Itoa(c.GroupSize)
	} else if match := groupPattern.FindStringSubmatch(intent); len(match) == 2 {
		slots["group_size"] = match[1]
	} else if match := groupCNPattern.FindStringSubmatch(intent); len(match) == 2 {
		slots["group_size"] = match[1]
	} else if v := memory["group_size"]; v != "" {
		slots["group_size"] = v
	}

	if category == CategoryMobility {
		if c.TransportMode != "" {
			slots["transport_mode"] = c.TransportMode
		} else if v := memory["transport_mode"]; v != "" {
			slots["transport_mode"] = v
		}
		if c.Origin != "" {
			slots["origin"] = c.Origin
		}
		if c.Destination != "" {
			slots["destination"] = c.Destination
		}
		if slots["origin"] == "" || slots["destination"] == "" {
			if match := routePattern.FindStringSubmatch(intent); len(match) == 3 {
				if slots["origin"] == "" {
					slots["origin"] = strings.TrimSpace(match[1])
				}
				if slots["destination"] == "" {
					slots["destination"] = strings.TrimSpace(match[2])
				}
			}
		}
		if slots["origin"] == "" && memory["origin"] != "" {
			slots["origin"] = memory["origin"]
		}
		if slots["destination"] == "" && memory["destination"] != "" {
			slots["destination"] = memory["destination"]
		}
	}

	for key, value := range slots {
		if value == "" {
			delete(slots, key)
		}
	}
	return slots
}

// missingSlots 对照类别必需槽位集合计算缺失列表，顺序与必需集合一致。
func missingSlots(category IntentCategory, slots map[string]string) []string {
	required := requiredSlots[category]
	missing := make([]string, 0, len(required))
	for _, slot := range required {
		if slots[slot] == "" {
			missing = append(missing, slot)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return missing
}

func containsAny(lowered string, words []string) bool {
	for _, word := range words {
		if strings.Contains(lowered, word) {
			return true
		}
	}
	return false
}

// SlotSummary 将槽位渲染为稳定顺序的调试字符串。
func SlotSummary(category IntentCategory, slots map[string]string) string {
	required := requiredSlots[category]
	parts := make([]string, 0, len(required))
	for _, slot := range required {
		if value := slots[slot]; value != "" {
			parts = append(parts, fmt.Sprintf("%s=%s", slot, value))
		}
	}
	return strings.Join(parts, " ")
}
