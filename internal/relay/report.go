package relay

import (
	"github.com/proctorlink/proctorlink/internal/domain"
)

// Report is the per-session integrity summary served to the interviewer.
type Report struct {
	SessionID domain.SessionID         `json:"sessionId"`
	Candidate string                   `json:"candidate"`
	VideoPath string                   `json:"videoPath,omitempty"`
	Counts    map[domain.EventType]int `json:"counts"`
	Integrity int                      `json:"integrityScore"`
	Events    []domain.IntegrityEvent  `json:"events"`
}

// deductions per violation type, capped so one noisy class cannot zero
// the score on its own.
var deductions = map[domain.EventType]int{
	domain.EventObjectDetected: 10,
	domain.EventNoFace:         5,
	domain.EventMultipleFaces:  10,
	domain.EventLookingAway:    3,
}

const maxDeductionPerType = 30

// BuildReport aggregates a session's event log into a report.
func BuildReport(sid domain.SessionID, candidate, videoPath string, events []domain.IntegrityEvent) Report {
	counts := make(map[domain.EventType]int)
	for _, ev := range events {
		counts[ev.Type]++
	}

	score := 100
	for t, n := range counts {
		d := deductions[t] * n
		if d > maxDeductionPerType {
			d = maxDeductionPerType
		}
		score -= d
	}
	if score < 0 {
		score = 0
	}

	if events == nil {
		events = []domain.IntegrityEvent{}
	}
	return Report{
		SessionID: sid,
		Candidate: candidate,
		VideoPath: videoPath,
		Counts:    counts,
		Integrity: score,
		Events:    events,
	}
}
