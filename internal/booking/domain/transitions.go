package domain

import (
	"fmt"
	"time"
)

type Transition string

const (
	TransitionConfirm   Transition = "confirm"
	TransitionCancel    Transition = "cancel"
	TransitionReinstate Transition = "reinstate"
	TransitionComplete  Transition = "complete"
)

type edge struct {
	from []Status
	to   Status
}

// transitions is the full booking state machine. Anything not listed is rejected.
var transitions = map[Transition]edge{
	TransitionConfirm:   {from: []Status{StatusPending}, to: StatusConfirmed},
	TransitionCancel:    {from: []Status{StatusPending, StatusConfirmed}, to: StatusCancelled},
	TransitionReinstate: {from: []Status{StatusCancelled}, to: StatusConfirmed},
	TransitionComplete:  {from: []Status{StatusConfirmed}, to: StatusCompleted},
}

// CanTransition reports whether t is allowed from status s.
func CanTransition(s Status, t Transition) bool {
	e, ok := transitions[t]
	if !ok {
		return false
	}
	for _, from := range e.from {
		if from == s {
			return true
		}
	}
	return false
}

func (b *Booking) apply(t Transition, now time.Time) error {
	if !CanTransition(b.Status, t) {
		return fmt.Errorf("%w: cannot %s a %s booking", ErrInvalidTransition, t, b.Status)
	}
	b.Status = transitions[t].to
	b.UpdatedAt = now.UTC()
	return nil
}
