// Package image owns the GeneratedImage state machine. Every status write in
// the ledger is validated against the edges declared here.
package image

import (
	"errors"
	"fmt"

	"github.com/caesium-cloud/lumen/internal/models"
)

// ErrInvalidTransition is returned for any edge not in the transition table.
var ErrInvalidTransition = errors.New("invalid image status transition")

type Status = models.ImageStatus

const (
	Pending      = models.ImageStatusPending
	Approved     = models.ImageStatusApproved
	QCFailed     = models.ImageStatusQCFailed
	RetryPending = models.ImageStatusRetryPending
	Processing   = models.ImageStatusProcessing
	RetryFailed  = models.ImageStatusRetryFailed
)

// Actor identifies who requests a transition. Some edges are reserved for
// the retry processor and may not be requested by a user directly.
type Actor int

const (
	ActorSystem Actor = iota
	ActorUser
)

type edge struct {
	from, to Status
}

var transitions = map[edge]Actor{
	{Pending, Approved}:         ActorSystem,
	{Pending, QCFailed}:         ActorSystem,
	{QCFailed, RetryPending}:    ActorUser,
	{QCFailed, Approved}:        ActorUser,
	{RetryPending, Processing}:  ActorSystem,
	{Processing, Approved}:      ActorSystem,
	{Processing, RetryFailed}:   ActorSystem,
	{RetryFailed, RetryPending}: ActorUser,
	{RetryFailed, Approved}:     ActorUser,
}

// initial lists the statuses a record may be created in.
var initial = map[Status]struct{}{
	Pending:  {},
	Approved: {},
	QCFailed: {},
}

// CanTransition reports whether from -> to is a declared edge.
func CanTransition(from, to Status) bool {
	_, ok := transitions[edge{from, to}]
	return ok
}

// Validate checks an edge requested by the given actor. System actors may
// take every edge; users only the ones marked for manual action.
func Validate(from, to Status, actor Actor) error {
	owner, ok := transitions[edge{from, to}]
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if actor == ActorUser && owner != ActorUser {
		return fmt.Errorf("%w: %s -> %s is not a manual transition", ErrInvalidTransition, from, to)
	}
	return nil
}

// ValidateInitial checks the status a new record is inserted with.
func ValidateInitial(s Status) error {
	if _, ok := initial[s]; !ok {
		return fmt.Errorf("%w: cannot create image in %s", ErrInvalidTransition, s)
	}
	return nil
}

// Sources returns every status with an edge into to.
func Sources(to Status) []Status {
	out := make([]Status, 0, 2)
	for _, s := range All {
		if CanTransition(s, to) {
			out = append(out, s)
		}
	}
	return out
}

// RequiresReason reports whether a record in s must carry a qc_reason.
func RequiresReason(s Status) bool {
	return s == QCFailed || s == RetryFailed
}

// Failed reports whether s is a status a retry batch may select.
func Failed(s Status) bool {
	return s == QCFailed || s == RetryFailed
}

// Settled reports whether s no longer waits on quality assessment.
func Settled(s Status) bool {
	return s != Pending
}

// Valid reports whether s is a known status.
func Valid(s Status) bool {
	for _, known := range All {
		if s == known {
			return true
		}
	}
	return false
}

// All lists every status in display order.
var All = []Status{Pending, Approved, QCFailed, RetryPending, Processing, RetryFailed}
