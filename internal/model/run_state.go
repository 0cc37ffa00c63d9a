package model

import "time"

const RunStateTimeLayout = "2006-01-02 15:04:05"

// RunState is the persisted marker of an in-flight batch check-in run.
type RunState struct {
	Type       RunKind `json:"type"`
	StartTime  string  `json:"start_time"`
	Total      int     `json:"total,omitempty"`
	Completed  int     `json:"completed,omitempty"`
	UpdateTime string  `json:"update_time,omitempty"`
}

func NewRunState(kind RunKind, now time.Time) RunState {
	return RunState{Type: kind, StartTime: now.Format(RunStateTimeLayout)}
}

// Started parses StartTime in loc; an unparsable time reads as the zero time.
func (s RunState) Started(loc *time.Location) time.Time {
	t, err := time.ParseInLocation(RunStateTimeLayout, s.StartTime, loc)
	if err != nil {
		return time.Time{}
	}
	return t
}

// IsStale reports whether the run started at least maxAge before now.
func (s RunState) IsStale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(s.Started(now.Location())) >= maxAge
}
