package models

import (
	"errors"
	"fmt"
	"time"
)

// SDPType is the kind of a session description
type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

// Role identifies which side of a call produced a candidate
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// ErrMalformed is returned when a document read from the store does not match its schema
var ErrMalformed = errors.New("malformed signaling document")

// ParseRole validates a role coming from a URL or config value
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleCaller, RoleCallee:
		return Role(s), nil
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrMalformed, s)
}

// Remote returns the opposite role
func (r Role) Remote() Role {
	if r == RoleCaller {
		return RoleCallee
	}
	return RoleCaller
}

// SessionDescription is one half of the offer/answer exchange.
// The JSON shape matches the browser's RTCSessionDescription.
type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// Validate checks the description is of the wanted kind and carries an SDP body
func (d *SessionDescription) Validate(want SDPType) error {
	if d == nil {
		return fmt.Errorf("%w: missing %s", ErrMalformed, want)
	}
	if d.Type != want {
		return fmt.Errorf("%w: expected %s, got %q", ErrMalformed, want, d.Type)
	}
	if d.SDP == "" {
		return fmt.Errorf("%w: empty %s sdp", ErrMalformed, want)
	}
	return nil
}

// Candidate is a connectivity candidate as produced by RTCIceCandidate.toJSON()
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Validate rejects candidates without a candidate line
func (c Candidate) Validate() error {
	if c.Candidate == "" {
		return fmt.Errorf("%w: empty candidate", ErrMalformed)
	}
	return nil
}

// CandidateRecord is one appended candidate together with the role that appended it
type CandidateRecord struct {
	Role      Role      `json:"role"`
	Candidate Candidate `json:"candidate"`
}

// CallSession is the shared rendezvous document for one caller/callee pairing
type CallSession struct {
	ID        string              `json:"callId"`
	Offer     *SessionDescription `json:"offer,omitempty"`
	Answer    *SessionDescription `json:"answer,omitempty"`
	OwnerID   string              `json:"ownerId,omitempty"` // Set when the caller was logged in
	CreatedAt time.Time           `json:"createdAt"`
}

// Snapshot returns the fields of the session a watcher cares about
func (s *CallSession) Snapshot() SessionSnapshot {
	return SessionSnapshot{
		CallID: s.ID,
		Offer:  s.Offer,
		Answer: s.Answer,
	}
}

// SessionSnapshot reflects the session document at one point in the store's change order
type SessionSnapshot struct {
	CallID string              `json:"callId"`
	Offer  *SessionDescription `json:"offer,omitempty"`
	Answer *SessionDescription `json:"answer,omitempty"`
}

// Validate checks a snapshot at the channel boundary.
// The offer is mandatory, the answer optional but well-formed when present.
func (s SessionSnapshot) Validate() error {
	if err := s.Offer.Validate(SDPTypeOffer); err != nil {
		return err
	}
	if s.Answer != nil {
		return s.Answer.Validate(SDPTypeAnswer)
	}
	return nil
}

// Equal reports whether two snapshots carry the same descriptions
func (s SessionSnapshot) Equal(o SessionSnapshot) bool {
	return s.CallID == o.CallID && sameDescription(s.Offer, o.Offer) && sameDescription(s.Answer, o.Answer)
}

func sameDescription(a, b *SessionDescription) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
