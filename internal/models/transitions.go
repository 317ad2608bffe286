package models

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusRetrying, StatusCompleted, StatusFailed, StatusCancelled},
	StatusProcessing: {StatusRetrying, StatusCompleted, StatusFailed, StatusCancelled},
	StatusRetrying:   {StatusPending, StatusProcessing, StatusFailed, StatusCancelled},
}

// CanTransition reports whether a job may move from one status to another through normal
// progress. Re-applying the same status is always allowed; leaving a terminal status is not.
// Explicit retry is the only way out of a terminal status and does not go through here.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Retryable reports whether an explicit retry may restart a job in status s.
func Retryable(s Status) bool {
	return s == StatusFailed || s == StatusCancelled
}
