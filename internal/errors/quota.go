package errors

// QuotaExceeded is the `data` payload of the wire-contract `quota:exceeded`
// event (see SPEC_FULL.md's gateway state machine): emitted once at
// connect-time when a session's quota check fails, mirroring the shape of
// ForbiddenError but addressed at a websocket event, not an HTTP response.
type QuotaExceeded struct {
	CurrentPlan     string  `json:"currentPlan"`
	QuotaMinutes    float64 `json:"quotaMinutes,omitempty"`
	UsedMinutes     float64 `json:"usedMinutes,omitempty"`
	UpgradeRequired bool    `json:"upgradeRequired"`
}

// NewQuotaExceeded builds the QuotaExceeded payload.
func NewQuotaExceeded(currentPlan string, quotaMinutes, usedMinutes float64, upgradeRequired bool) *QuotaExceeded {
	return &QuotaExceeded{
		CurrentPlan:     currentPlan,
		QuotaMinutes:    quotaMinutes,
		UsedMinutes:     usedMinutes,
		UpgradeRequired: upgradeRequired,
	}
}
