package model

import "github.com/firstpeek/peek_api/shared"

// Decision is the outcome of one admission check. Status is ok or blocked;
// blocked decisions always carry one of the enumerated reasons, never an
// unstructured failure.
type Decision struct {
	Status           string `json:"status"`
	Reason           string `json:"reason,omitempty"`
	RemainingSeconds int    `json:"remaining_seconds,omitempty"`
}

func Admit(remainingSeconds int) Decision {
	return Decision{Status: shared.StatusOK, RemainingSeconds: remainingSeconds}
}

func Deny(reason string) Decision {
	return Decision{Status: shared.StatusBlocked, Reason: reason}
}
