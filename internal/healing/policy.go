package healing

import "github.com/leozw/site-healer/internal/core"

// CanAutoHeal reports whether mode permits running an action of the given
// risk without an administrator. HIGH and CRITICAL always need approval.
func CanAutoHeal(mode core.HealingMode, risk core.RiskLevel) bool {
	switch risk {
	case core.RiskHigh, core.RiskCritical:
		return false
	}
	switch mode {
	case core.HealingSemiAuto:
		return risk == core.RiskLow
	case core.HealingFullAuto:
		return risk == core.RiskLow || risk == core.RiskMedium
	default:
		return false
	}
}

// NeedsBackup is true when the action asks for one or is risky enough to
// warrant one regardless of mode.
func NeedsBackup(action core.HealingAction) bool {
	return action.RequiresBackup || action.RiskLevel == core.RiskHigh || action.RiskLevel == core.RiskCritical
}
