package models

// WindowKind is the granularity of a usage window.
type WindowKind string

const (
	WindowDaily   WindowKind = "daily"
	WindowMonthly WindowKind = "monthly"
)

// UsageWindow is a quota counter for one calendar period with a hard cap.
type UsageWindow struct {
	Kind      WindowKind `json:"kind"`
	PeriodKey string     `json:"period_key"`
	Consumed  int64      `json:"consumed"`
	Cap       int64      `json:"cap"`
}

// Available returns how much of the cap is left before reservations.
func (w UsageWindow) Available() int64 {
	if w.Consumed >= w.Cap {
		return 0
	}
	return w.Cap - w.Consumed
}

// QuotaStatus shows a window's consumption including outstanding holds.
type QuotaStatus struct {
	Window    UsageWindow `json:"window"`
	Reserved  int64       `json:"reserved"`
	Remaining int64       `json:"remaining"`
}
