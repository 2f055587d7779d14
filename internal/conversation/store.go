// Package conversation keeps per-session message history in a TTL cache.
// A session expires after a period of inactivity; every append slides the
// expiry forward. Stored history is capped by message count and by token
// budget, dropping the oldest messages first.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/navillasa/assistant-orchestrator/internal/cost"
	"github.com/sirupsen/logrus"
)

var (
	// ErrSessionExpired is returned by Append when the session's TTL lapsed
	// since its last access. The caller should Reset the session.
	ErrSessionExpired = errors.New("session expired")

	// ErrForeignSession is returned when a session id belongs to another
	// user. The caller should start a new session instead.
	ErrForeignSession = errors.New("session belongs to another user")

	// ErrCacheUnavailable is returned when the backing cache cannot be reached.
	ErrCacheUnavailable = errors.New("conversation cache unavailable")
)

// Roles a message may have
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

const keyPrefix = "conversation:"

// Message is a single immutable entry in a conversation
type Message struct {
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	TokenCount int       `json:"token_count"`
	Timestamp  time.Time `json:"timestamp"`
	Provider   string    `json:"provider,omitempty"`
	Model      string    `json:"model,omitempty"`
	Cost       float64   `json:"cost,omitempty"`
}

// Session is a time-bounded conversation thread between one user and the assistant
type Session struct {
	ID         string    `json:"session_id"`
	UserID     string    `json:"user_id"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
	Messages   []Message `json:"messages"`
}

// Config controls session lifetime and history caps
type Config struct {
	// TTL is the inactivity period after which a session expires.
	TTL time.Duration
	// Grace keeps expired sessions in the cache long enough to report
	// ErrSessionExpired instead of silently starting over.
	Grace time.Duration
	// MaxStoredMessages caps the number of messages kept per session.
	MaxStoredMessages int
	// MaxTokens caps the summed token count of stored messages. 0 disables.
	MaxTokens int
	// HistoryLimit is the default number of messages returned by History.
	HistoryLimit int
}

// Store owns the lifecycle of sessions and their messages
type Store struct {
	cache  Cache
	cfg    Config
	now    func() time.Time
	logger logrus.FieldLogger
}

// Option configures a Store
type Option func(*Store)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithLogger sets the logger used by the store
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// NewStore creates a session store on top of cache
func NewStore(cache Cache, cfg Config, opts ...Option) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	if cfg.Grace <= 0 {
		cfg.Grace = cfg.TTL
	}
	if cfg.MaxStoredMessages <= 0 {
		cfg.MaxStoredMessages = 50
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 10
	}

	s := &Store{
		cache:  cache,
		cfg:    cfg,
		now:    time.Now,
		logger: logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append adds messages to a session in order, creating the session if it
// does not exist. It fails with ErrForeignSession if userID does not own the
// session and with ErrSessionExpired if the session has been inactive for
// longer than the TTL.
func (s *Store) Append(ctx context.Context, sessionID, userID string, msgs ...Message) error {
	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return err
	}

	now := s.now()
	if sess != nil && sess.UserID != userID {
		return ErrForeignSession
	}
	if sess == nil {
		sess = &Session{
			ID:        sessionID,
			UserID:    userID,
			CreatedAt: now,
		}
	} else if s.expired(sess, now) {
		return ErrSessionExpired
	}

	for _, m := range msgs {
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		if m.TokenCount == 0 {
			m.TokenCount = cost.EstimateTokens(m.Content)
		}
		sess.Messages = append(sess.Messages, m)
	}
	pruned := s.prune(sess)
	sess.LastActive = now

	if pruned > 0 {
		s.logger.WithFields(logrus.Fields{
			"session_id": sessionID,
			"dropped":    pruned,
			"kept":       len(sess.Messages),
		}).Debug("pruned conversation history")
	}
	return s.save(ctx, sess)
}

// Reset replaces any existing session with a fresh, empty one
func (s *Store) Reset(ctx context.Context, sessionID, userID string) error {
	now := s.now()
	return s.save(ctx, &Session{
		ID:         sessionID,
		UserID:     userID,
		CreatedAt:  now,
		LastActive: now,
	})
}

// History returns up to max of the most recent messages of userID's session,
// oldest first. Unknown and expired sessions yield an empty history; a session
// owned by someone else yields ErrForeignSession. max <= 0 uses the
// configured default.
func (s *Store) History(ctx context.Context, sessionID, userID string, max int) ([]Message, error) {
	if max <= 0 {
		max = s.cfg.HistoryLimit
	}

	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess != nil && sess.UserID != userID {
		return nil, ErrForeignSession
	}
	if sess == nil || s.expired(sess, s.now()) {
		return []Message{}, nil
	}

	msgs := sess.Messages
	if len(msgs) > max {
		msgs = msgs[len(msgs)-max:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// Session returns the full live session. ok is false for unknown or expired sessions.
func (s *Store) Session(ctx context.Context, sessionID string) (sess Session, ok bool, err error) {
	loaded, err := s.load(ctx, sessionID)
	if err != nil {
		return Session{}, false, err
	}
	if loaded == nil || s.expired(loaded, s.now()) {
		return Session{}, false, nil
	}
	return *loaded, true, nil
}

// Clear deletes a session. Clearing a missing session is not an error.
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	if err := s.cache.Delete(ctx, keyPrefix+sessionID); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return nil
}

// Config returns the effective store configuration
func (s *Store) Config() Config {
	return s.cfg
}

func (s *Store) expired(sess *Session, now time.Time) bool {
	return now.Sub(sess.LastActive) > s.cfg.TTL
}

// prune drops the oldest messages until both caps hold. The newest message
// is always kept even if it alone exceeds the token budget.
func (s *Store) prune(sess *Session) int {
	dropped := 0
	for len(sess.Messages) > s.cfg.MaxStoredMessages {
		sess.Messages = sess.Messages[1:]
		dropped++
	}
	if s.cfg.MaxTokens <= 0 {
		return dropped
	}

	total := 0
	for _, m := range sess.Messages {
		total += m.TokenCount
	}
	for total > s.cfg.MaxTokens && len(sess.Messages) > 1 {
		total -= sess.Messages[0].TokenCount
		sess.Messages = sess.Messages[1:]
		dropped++
	}
	return dropped
}

func (s *Store) load(ctx context.Context, sessionID string) (*Session, error) {
	data, err := s.cache.Get(ctx, keyPrefix+sessionID)
	if errors.Is(err, ErrCacheMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		s.logger.WithError(err).WithField("session_id", sessionID).Warn("discarding unreadable session")
		return nil, nil
	}
	return &sess, nil
}

func (s *Store) save(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := s.cache.Set(ctx, keyPrefix+sess.ID, data, s.cfg.TTL+s.cfg.Grace); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return nil
}
