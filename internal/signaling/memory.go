package signaling

import (
	"context"
	"sync"
	"time"

	"github.com/mossy-p/studyroom/internal/models"
)

// Memory is an in-process Channel. Both peers must share the same instance.
// It backs the signaling server when Redis is disabled and is used throughout tests.
type Memory struct {
	mu         sync.Mutex
	sessions   map[string]*models.CallSession
	candidates map[string]map[models.Role][]models.Candidate
	changed    chan struct{}
	live       int
	closed     bool
	now        func() time.Time
}

// NewMemory creates an empty in-memory channel
func NewMemory() *Memory {
	return &Memory{
		sessions:   make(map[string]*models.CallSession),
		candidates: make(map[string]map[models.Role][]models.Candidate),
		changed:    make(chan struct{}),
		now:        time.Now,
	}
}

// notify wakes every watcher. Must be called with m.mu held.
func (m *Memory) notify() {
	close(m.changed)
	m.changed = make(chan struct{})
}

func (m *Memory) CreateSession(ctx context.Context, callID string, offer models.SessionDescription, ownerID string) error {
	if err := offer.Validate(models.SDPTypeOffer); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrChannelUnavailable
	}
	if _, exists := m.sessions[callID]; exists {
		return ErrSessionAlreadyExists
	}

	m.sessions[callID] = &models.CallSession{
		ID:        callID,
		Offer:     &offer,
		OwnerID:   ownerID,
		CreatedAt: m.now(),
	}
	m.notify()
	return nil
}

func (m *Memory) GetSession(ctx context.Context, callID string) (*models.CallSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrChannelUnavailable
	}
	sess, ok := m.sessions[callID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}

func (m *Memory) SetAnswer(ctx context.Context, callID string, answer models.SessionDescription) error {
	if err := answer.Validate(models.SDPTypeAnswer); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrChannelUnavailable
	}
	sess, ok := m.sessions[callID]
	if !ok {
		return ErrSessionNotFound
	}
	if sess.Answer != nil {
		return ErrAnswerAlreadySet
	}
	sess.Answer = &answer
	m.notify()
	return nil
}

func (m *Memory) AppendCandidate(ctx context.Context, callID string, role models.Role, candidate models.Candidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrChannelUnavailable
	}
	byRole, ok := m.candidates[callID]
	if !ok {
		byRole = make(map[models.Role][]models.Candidate)
		m.candidates[callID] = byRole
	}
	byRole[role] = append(byRole[role], candidate)
	m.notify()
	return nil
}

func (m *Memory) DeleteSession(ctx context.Context, callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrChannelUnavailable
	}
	if _, ok := m.sessions[callID]; !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, callID)
	delete(m.candidates, callID)
	m.notify()
	return nil
}

func (m *Memory) WatchSession(ctx context.Context, callID string) (*Subscription[models.SessionSnapshot], error) {
	if err := m.open(); err != nil {
		return nil, err
	}

	return NewSubscription(ctx, func(ctx context.Context, emit func(models.SessionSnapshot) bool) error {
		defer m.release()

		var last *models.SessionSnapshot
		for {
			m.mu.Lock()
			if m.closed {
				m.mu.Unlock()
				return ErrChannelUnavailable
			}
			sess, ok := m.sessions[callID]
			var snap models.SessionSnapshot
			if ok {
				snap = sess.Snapshot()
			}
			wait := m.changed
			m.mu.Unlock()

			if ok && (last == nil || !last.Equal(snap)) {
				if !emit(snap) {
					return nil
				}
				last = &snap
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-wait:
			}
		}
	}), nil
}

func (m *Memory) WatchCandidates(ctx context.Context, callID string, role models.Role) (*Subscription[models.CandidateRecord], error) {
	if err := m.open(); err != nil {
		return nil, err
	}

	return NewSubscription(ctx, func(ctx context.Context, emit func(models.CandidateRecord) bool) error {
		defer m.release()

		cursor := 0
		for {
			m.mu.Lock()
			if m.closed {
				m.mu.Unlock()
				return ErrChannelUnavailable
			}
			var pending []models.Candidate
			if list := m.candidates[callID][role]; cursor < len(list) {
				pending = append(pending, list[cursor:]...)
			}
			wait := m.changed
			m.mu.Unlock()

			for _, c := range pending {
				if !emit(models.CandidateRecord{Role: role, Candidate: c}) {
					return nil
				}
				cursor++
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-wait:
			}
		}
	}), nil
}

// open registers a new live subscription
func (m *Memory) open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrChannelUnavailable
	}
	m.live++
	return nil
}

func (m *Memory) release() {
	m.mu.Lock()
	m.live--
	m.mu.Unlock()
}

// Subscribers returns the number of live watch subscriptions
func (m *Memory) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live
}

// Close makes the channel unavailable: pending and future operations fail with
// ErrChannelUnavailable and live subscriptions end with that error.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.notify()
	}
	return nil
}
