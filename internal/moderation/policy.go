package moderation

// Message statuses. ACTIVE is the only non-terminal state.
const (
	StatusActive        = "ACTIVE"
	StatusDeletedByUser = "DELETED_BY_USER"
	StatusHidden        = "HIDDEN"
)

// ReportThreshold is the number of distinct reporters that hides a message.
const ReportThreshold = 5

// Policy decides whether a reported message must be hidden. It is consulted
// inside the report transaction, after the counter has been incremented and
// read back under a row lock.
type Policy struct {
	Threshold int
}

// DefaultPolicy returns the policy with the platform threshold.
func DefaultPolicy() Policy {
	return Policy{Threshold: ReportThreshold}
}

// ShouldHide reports whether a message with the given post-increment report
// count and current status must transition to HIDDEN. A message that already
// left ACTIVE never transitions again, which makes the hide and the author
// warning fire exactly once.
func (p Policy) ShouldHide(reportCount int, status string) bool {
	threshold := p.Threshold
	if threshold <= 0 {
		threshold = ReportThreshold
	}
	return CanTransition(status, StatusHidden) && reportCount >= threshold
}

// CanTransition reports whether a message may move from one status to another.
func CanTransition(from, to string) bool {
	if from != StatusActive {
		return false
	}
	return to == StatusDeletedByUser || to == StatusHidden
}
