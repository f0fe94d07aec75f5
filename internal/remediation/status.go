package remediation

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusPendingApproval Status = "PENDING_APPROVAL"
	StatusApproved        Status = "APPROVED"
	StatusCompleted       Status = "COMPLETED"
	StatusFailed          Status = "FAILED"
	StatusRolledBack      Status = "ROLLED_BACK"

	// StatusApplied is the read-model name for a completed job.
	StatusApplied = StatusCompleted
)

var transitions = map[Status][]Status{
	StatusPending:         {StatusPendingApproval, StatusCompleted, StatusFailed},
	StatusPendingApproval: {StatusApproved},
	StatusApproved:        {StatusCompleted, StatusFailed},
	StatusCompleted:       {StatusRolledBack},
}

// CanTransition reports whether to is a legal successor of from.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPendingApproval, StatusApproved,
		StatusCompleted, StatusFailed, StatusRolledBack:
		return true
	}
	return false
}

// ValidPath reports whether the sequence of observed statuses starts at
// PENDING and only takes legal transitions. Repeated observations of the same
// status are allowed.
func ValidPath(path []Status) bool {
	if len(path) == 0 {
		return true
	}
	if path[0] != StatusPending {
		return false
	}
	for i := 1; i < len(path); i++ {
		if path[i] == path[i-1] {
			continue
		}
		if !CanTransition(path[i-1], path[i]) {
			return false
		}
	}
	return true
}
