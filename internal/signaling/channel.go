// Package signaling defines the shared document channel two peers use to
// rendezvous: one session document per call holding the offer and the answer,
// plus one append-only candidate list per role.
//
// Fields of the session are write-once and candidate lists are append-only, so
// implementations never need more than the store's native atomic writes.
package signaling

import (
	"context"
	"errors"

	"github.com/mossy-p/studyroom/internal/models"
)

var (
	ErrSessionNotFound      = errors.New("call session not found")
	ErrSessionAlreadyExists = errors.New("call session already exists")
	ErrAnswerAlreadySet     = errors.New("call session already answered")
	ErrChannelUnavailable   = errors.New("signaling channel unavailable")
	ErrMalformed            = models.ErrMalformed
)

// Channel is the signaling medium between a caller and a callee.
//
// Watch methods return a Subscription that first replays the current state and
// then follows changes until its context is canceled or the channel fails.
// Re-subscribing is always allowed and replays again.
type Channel interface {
	// CreateSession writes a new session holding the caller's offer.
	// Returns ErrSessionAlreadyExists if callID is taken.
	CreateSession(ctx context.Context, callID string, offer models.SessionDescription, ownerID string) error

	// GetSession reads the session once. Returns ErrSessionNotFound if absent.
	GetSession(ctx context.Context, callID string) (*models.CallSession, error)

	// WatchSession delivers a snapshot of the session document whenever it changes.
	WatchSession(ctx context.Context, callID string) (*Subscription[models.SessionSnapshot], error)

	// SetAnswer merges the callee's answer into the session.
	// Returns ErrSessionNotFound if absent and ErrAnswerAlreadySet if answered.
	SetAnswer(ctx context.Context, callID string, answer models.SessionDescription) error

	// AppendCandidate appends one candidate to the role's list. The session
	// document does not need to exist yet.
	AppendCandidate(ctx context.Context, callID string, role models.Role, candidate models.Candidate) error

	// WatchCandidates delivers every candidate of role exactly once, in append order,
	// starting with those already present.
	WatchCandidates(ctx context.Context, callID string, role models.Role) (*Subscription[models.CandidateRecord], error)

	// DeleteSession removes the session and both candidate lists.
	// Returns ErrSessionNotFound if absent.
	DeleteSession(ctx context.Context, callID string) error
}
