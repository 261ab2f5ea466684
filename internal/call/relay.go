package call

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/mossy-p/studyroom/internal/models"
	"github.com/mossy-p/studyroom/internal/peer"
	"github.com/mossy-p/studyroom/internal/signaling"
)

// relay moves candidates between the connection and the signaling channel for
// one call. Remote candidates that arrive before the remote description are
// buffered and flushed, in arrival order, once it is applied.
type relay struct {
	channel signaling.Channel
	conn    Connection
	callID  string
	role    models.Role
	logger  *slog.Logger

	mu        sync.Mutex
	remoteSet bool
	pending   []models.Candidate
	added     int
}

func newRelay(channel signaling.Channel, conn Connection, callID string, role models.Role, logger *slog.Logger) *relay {
	return &relay{
		channel: channel,
		conn:    conn,
		callID:  callID,
		role:    role,
		logger:  logger,
	}
}

// publish appends every local candidate under the relay's role until gathering
// completes or ctx is done. A channel error is returned, anything else ends quietly.
func (r *relay) publish(ctx context.Context) error {
	candidates := r.conn.LocalCandidates()
	published := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-candidates:
			if !ok {
				r.logger.Debug("candidate gathering complete", "callId", r.callID, "role", r.role, "published", published)
				return nil
			}
			if err := r.channel.AppendCandidate(ctx, r.callID, r.role, c); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			published++
		}
	}
}

// accept hands one remote candidate to the connection, or buffers it while
// the remote description is not set yet
func (r *relay) accept(c models.Candidate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.remoteSet {
		r.pending = append(r.pending, c)
		return
	}
	r.add(c)
}

// applyRemote sets the remote description at most once and flushes the buffer.
// It returns false when a description was already applied.
func (r *relay) applyRemote(desc models.SessionDescription) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.remoteSet {
		return false, nil
	}

	if err := r.conn.SetRemoteDescription(desc); err != nil {
		return false, err
	}
	r.remoteSet = true

	pending := r.pending
	r.pending = nil
	for _, c := range pending {
		r.add(c)
	}
	if len(pending) > 0 {
		r.logger.Debug("flushed buffered candidates", "callId", r.callID, "count", len(pending))
	}
	return true, nil
}

// add must be called with r.mu held
func (r *relay) add(c models.Candidate) {
	if err := r.conn.AddRemoteCandidate(c); err != nil {
		if errors.Is(err, peer.ErrCandidateRejected) {
			r.pending = append(r.pending, c)
			return
		}
		r.logger.Warn("remote candidate not added", "callId", r.callID, "err", err)
		return
	}
	r.added++
}

// stats returns how many remote candidates were added and how many are still buffered
func (r *relay) stats() (added, buffered int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.added, len(r.pending)
}
