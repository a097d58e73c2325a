package blocks

import "strings"

var validDecisionOutcomes = map[string]struct{}{
	"approved": {},
	"rejected": {},
	"blocked":  {},
	"deferred": {},
	"monitor":  {},
}

func NormalizeDecisionOutcome(raw string) string {
	val := strings.ToLower(strings.TrimSpace(raw))
	if val == "" {
		return ""
	}
	if _, ok := validDecisionOutcomes[val]; ok {
		return val
	}
	switch val {
	case "разрешено", "approve":
		return "approved"
	case "отклонено", "reject":
		return "rejected"
	case "блокировка", "заблокировано", "block":
		return "blocked"
	case "отложено", "defer":
		return "deferred"
	case "под наблюдением", "monitoring":
		return "monitor"
	default:
		return ""
	}
}

// Filled reports whether a decision item records anything beyond the blank
// template.
func (i DecisionItem) Filled() bool {
	return strings.TrimSpace(i.Decision) != "" ||
		strings.TrimSpace(i.Rationale) != "" ||
		strings.TrimSpace(i.Outcome) != ""
}

// HasDecision reports whether any decisions block holds a filled item.
func HasDecision(list []Block) bool {
	for _, b := range list {
		if b.Type != TypeDecisions {
			continue
		}
		for _, item := range b.Items {
			if d, ok := item.(DecisionItem); ok && d.Filled() {
				return true
			}
		}
	}
	return false
}

// DecisionOutcome returns the last recognized outcome across decisions
// blocks, falling back to the decision text when no outcome is set.
func DecisionOutcome(list []Block) string {
	outcome := ""
	for _, b := range list {
		if b.Type != TypeDecisions {
			continue
		}
		for _, item := range b.Items {
			d, ok := item.(DecisionItem)
			if !ok {
				continue
			}
			candidate := NormalizeDecisionOutcome(d.Outcome)
			if candidate == "" {
				candidate = NormalizeDecisionOutcome(d.Decision)
			}
			if candidate != "" {
				outcome = candidate
			}
		}
	}
	return outcome
}
