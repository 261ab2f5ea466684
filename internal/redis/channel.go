package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/studyroom/internal/models"
	"github.com/mossy-p/studyroom/internal/signaling"
)

const (
	DefaultSessionTTL     = 24 * time.Hour
	DefaultResyncInterval = 2 * time.Second
)

var errNotificationsClosed = errors.New("notification subscription closed")

// Creates the session hash only if absent, then stamps, expires and announces it.
// KEYS[1] session key, KEYS[2] notify channel
// ARGV[1] offer json, ARGV[2] owner, ARGV[3] created_at, ARGV[4] ttl in ms
var createSessionScript = redis.NewScript(`
if redis.call("HSETNX", KEYS[1], "offer", ARGV[1]) == 0 then
	return 0
end
redis.call("HSET", KEYS[1], "owner", ARGV[2], "created_at", ARGV[3])
redis.call("PEXPIRE", KEYS[1], ARGV[4])
redis.call("PUBLISH", KEYS[2], "offer")
return 1
`)

// Writes the answer once, only on an existing session.
// Returns -1 if the session is missing, 0 if already answered, 1 on success.
var setAnswerScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return -1
end
if redis.call("HSETNX", KEYS[1], "answer", ARGV[1]) == 0 then
	return 0
end
redis.call("PUBLISH", KEYS[2], "answer")
return 1
`)

// Channel is a signaling.Channel stored in Redis.
//
// A session is the hash call:{id} with the fields offer, answer, owner and
// created_at. Candidates of each role are the list call:{id}:candidates:{role}.
// Every write publishes on "<key>:notify"; watchers subscribe before reading so
// no change between the read and the subscription is missed, and re-read on a
// resync ticker in case a notification is lost while the connection recovers.
type Channel struct {
	client *redis.Client
	logger *slog.Logger

	sessionTTL     time.Duration
	resyncInterval time.Duration
	now            func() time.Time
}

type Option func(*Channel)

// WithSessionTTL sets how long sessions and candidate lists live in Redis
func WithSessionTTL(ttl time.Duration) Option {
	return func(c *Channel) {
		if ttl > 0 {
			c.sessionTTL = ttl
		}
	}
}

// WithResyncInterval sets how often watchers re-read without a notification
func WithResyncInterval(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.resyncInterval = d
		}
	}
}

// WithLogger sets a child logger. slog.Default() is used otherwise.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Channel) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewChannel creates a Channel on an already connected client.
// The client stays owned by the caller.
func NewChannel(client *redis.Client, opts ...Option) *Channel {
	c := &Channel{
		client:         client,
		logger:         slog.Default(),
		sessionTTL:     DefaultSessionTTL,
		resyncInterval: DefaultResyncInterval,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sessionKey(callID string) string {
	return "call:" + callID
}

func candidatesKey(callID string, role models.Role) string {
	return "call:" + callID + ":candidates:" + string(role)
}

func notifyKey(key string) string {
	return key + ":notify"
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", signaling.ErrChannelUnavailable, err)
}

func (c *Channel) CreateSession(ctx context.Context, callID string, offer models.SessionDescription, ownerID string) error {
	if err := offer.Validate(models.SDPTypeOffer); err != nil {
		return err
	}
	offerJSON, err := json.Marshal(offer)
	if err != nil {
		return err
	}

	key := sessionKey(callID)
	created, err := createSessionScript.Run(ctx, c.client,
		[]string{key, notifyKey(key)},
		offerJSON,
		ownerID,
		c.now().UTC().Format(time.RFC3339Nano),
		strconv.FormatInt(c.sessionTTL.Milliseconds(), 10),
	).Int()
	if err != nil {
		return unavailable(err)
	}
	if created == 0 {
		return signaling.ErrSessionAlreadyExists
	}

	c.logger.Debug("call session created", "callId", callID, "ttl", c.sessionTTL)
	return nil
}

func (c *Channel) GetSession(ctx context.Context, callID string) (*models.CallSession, error) {
	fields, err := c.client.HGetAll(ctx, sessionKey(callID)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(fields) == 0 {
		return nil, signaling.ErrSessionNotFound
	}
	return decodeSession(callID, fields)
}

func (c *Channel) SetAnswer(ctx context.Context, callID string, answer models.SessionDescription) error {
	if err := answer.Validate(models.SDPTypeAnswer); err != nil {
		return err
	}
	answerJSON, err := json.Marshal(answer)
	if err != nil {
		return err
	}

	key := sessionKey(callID)
	result, err := setAnswerScript.Run(ctx, c.client, []string{key, notifyKey(key)}, answerJSON).Int()
	if err != nil {
		return unavailable(err)
	}
	switch result {
	case -1:
		return signaling.ErrSessionNotFound
	case 0:
		return signaling.ErrAnswerAlreadySet
	}

	c.logger.Debug("call session answered", "callId", callID)
	return nil
}

func (c *Channel) AppendCandidate(ctx context.Context, callID string, role models.Role, candidate models.Candidate) error {
	candidateJSON, err := json.Marshal(candidate)
	if err != nil {
		return err
	}

	key := candidatesKey(callID, role)
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, candidateJSON)
		pipe.Expire(ctx, key, c.sessionTTL)
		pipe.Publish(ctx, notifyKey(key), "candidate")
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (c *Channel) DeleteSession(ctx context.Context, callID string) error {
	key := sessionKey(callID)
	removed, err := c.client.Del(ctx, key).Result()
	if err != nil {
		return unavailable(err)
	}
	if removed == 0 {
		return signaling.ErrSessionNotFound
	}

	if err := c.client.Del(ctx,
		candidatesKey(callID, models.RoleCaller),
		candidatesKey(callID, models.RoleCallee),
	).Err(); err != nil {
		return unavailable(err)
	}
	c.client.Publish(ctx, notifyKey(key), "deleted")

	c.logger.Debug("call session deleted", "callId", callID)
	return nil
}

// subscribe opens the notification subscription for key and waits for Redis to confirm it
func (c *Channel) subscribe(ctx context.Context, key string) (*redis.PubSub, error) {
	pubsub := c.client.Subscribe(ctx, notifyKey(key))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, unavailable(err)
	}
	return pubsub, nil
}

// waitChange blocks until key is notified, the resync ticker fires or ctx is done
func waitChange(ctx context.Context, notes <-chan *redis.Message, ticker *time.Ticker) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case _, ok := <-notes:
		if !ok {
			return unavailable(errNotificationsClosed)
		}
	case <-ticker.C:
	}
	return nil
}

func (c *Channel) WatchSession(ctx context.Context, callID string) (*signaling.Subscription[models.SessionSnapshot], error) {
	key := sessionKey(callID)
	pubsub, err := c.subscribe(ctx, key)
	if err != nil {
		return nil, err
	}

	return signaling.NewSubscription(ctx, func(ctx context.Context, emit func(models.SessionSnapshot) bool) error {
		defer pubsub.Close()

		notes := pubsub.Channel()
		ticker := time.NewTicker(c.resyncInterval)
		defer ticker.Stop()

		var last *models.SessionSnapshot
		for {
			fields, err := c.client.HGetAll(ctx, key).Result()
			if err != nil {
				return unavailable(err)
			}
			if len(fields) > 0 {
				sess, err := decodeSession(callID, fields)
				if err != nil {
					c.logger.Warn("skipping malformed call session", "callId", callID, "err", err)
				} else if snap := sess.Snapshot(); last == nil || !last.Equal(snap) {
					if !emit(snap) {
						return nil
					}
					last = &snap
				}
			}

			if err := waitChange(ctx, notes, ticker); err != nil {
				return err
			}
		}
	}), nil
}

func (c *Channel) WatchCandidates(ctx context.Context, callID string, role models.Role) (*signaling.Subscription[models.CandidateRecord], error) {
	key := candidatesKey(callID, role)
	pubsub, err := c.subscribe(ctx, key)
	if err != nil {
		return nil, err
	}

	return signaling.NewSubscription(ctx, func(ctx context.Context, emit func(models.CandidateRecord) bool) error {
		defer pubsub.Close()

		notes := pubsub.Channel()
		ticker := time.NewTicker(c.resyncInterval)
		defer ticker.Stop()

		var cursor int64
		for {
			raws, err := c.client.LRange(ctx, key, cursor, -1).Result()
			if err != nil {
				return unavailable(err)
			}
			for _, raw := range raws {
				cursor++

				var candidate models.Candidate
				if err := json.Unmarshal([]byte(raw), &candidate); err != nil {
					c.logger.Warn("skipping malformed candidate", "callId", callID, "role", role, "err", err)
					continue
				}
				if !emit(models.CandidateRecord{Role: role, Candidate: candidate}) {
					return nil
				}
			}

			if err := waitChange(ctx, notes, ticker); err != nil {
				return err
			}
		}
	}), nil
}

// decodeSession turns the session hash into a validated CallSession
func decodeSession(callID string, fields map[string]string) (*models.CallSession, error) {
	sess := &models.CallSession{
		ID:      callID,
		OwnerID: fields["owner"],
	}

	var offer models.SessionDescription
	if err := json.Unmarshal([]byte(fields["offer"]), &offer); err != nil {
		return nil, fmt.Errorf("%w: offer: %v", signaling.ErrMalformed, err)
	}
	sess.Offer = &offer

	if raw, ok := fields["answer"]; ok {
		var answer models.SessionDescription
		if err := json.Unmarshal([]byte(raw), &answer); err != nil {
			return nil, fmt.Errorf("%w: answer: %v", signaling.ErrMalformed, err)
		}
		sess.Answer = &answer
	}

	if ts := fields["created_at"]; ts != "" {
		createdAt, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("%w: created_at: %v", signaling.ErrMalformed, err)
		}
		sess.CreatedAt = createdAt
	}

	if err := sess.Snapshot().Validate(); err != nil {
		return nil, err
	}
	return sess, nil
}
