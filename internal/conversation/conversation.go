// Package conversation persists per-conversation message history.
//
// History is an append-only log keyed by an opaque conversation key (a phone
// number or session id). Every append refreshes the TTL, so a conversation
// stays alive as long as it is active and disappears after a day of silence.
// Retention is bounded: when the log exceeds the maximum, the oldest messages
// are dropped first.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kragentic/orchestrator/internal/cache"
)

// ErrStorageUnavailable indicates the backing store could not serve the
// request. Callers should treat the conversation as temporarily amnesiac
// rather than failing the whole turn.
var ErrStorageUnavailable = errors.New("conversation: storage unavailable")

// Role identifies the author of a message.
type Role string

const (
	RoleHuman Role = "human"
	RoleAgent Role = "agent"
)

// Message is one entry in a conversation log.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Default retention settings.
const (
	DefaultTTL         = 24 * time.Hour
	DefaultMaxMessages = 100
)

const keyPrefix = "conversation:"

// Config configures a Store.
type Config struct {
	// TTL is how long an idle conversation survives. Default: 24h.
	TTL time.Duration

	// MaxMessages bounds the log length. When exceeded, the oldest
	// messages are dropped. Default: 100.
	MaxMessages int
}

// Store keeps conversation logs in a cache backend.
//
// All operations on the same key are serialized through a per-key mutex, so
// concurrent appends interleave without losing messages. Operations on
// different keys proceed independently.
type Store struct {
	backend cache.Store
	ttl     time.Duration
	maxLen  int

	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewStore creates a Store over the given cache backend.
func NewStore(backend cache.Store, cfg Config) *Store {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	maxLen := cfg.MaxMessages
	if maxLen <= 0 {
		maxLen = DefaultMaxMessages
	}
	return &Store{
		backend: backend,
		ttl:     ttl,
		maxLen:  maxLen,
		locks:   make(map[string]*keyLock),
	}
}

// Lock acquires the per-key mutex and returns its unlock function. Callers
// that need a whole turn serialized (load, think, append) hold the lock for
// the duration; Append and Clear take it internally for single operations.
func (s *Store) Lock(key string) (unlock func()) {
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &keyLock{}
		s.locks[key] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()
			s.mu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(s.locks, key)
			}
			s.mu.Unlock()
		})
	}
}

// Load returns the message log for key, oldest first. Unknown or expired
// keys yield an empty slice, not an error.
func (s *Store) Load(ctx context.Context, key string) ([]Message, error) {
	raw, ok, err := s.backend.Get(ctx, keyPrefix+key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	if !ok {
		return []Message{}, nil
	}

	var msgs []Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		// A corrupt log is unrecoverable; start fresh rather than
		// poisoning every future turn.
		return []Message{}, nil
	}
	return msgs, nil
}

// Append adds messages to the log for key, enforcing the retention bound and
// refreshing the TTL. Messages with a zero timestamp are stamped now.
func (s *Store) Append(ctx context.Context, key string, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}

	unlock := s.Lock(key)
	defer unlock()
	return s.appendLocked(ctx, key, msgs)
}

// AppendLocked is Append for callers already holding the key lock from Lock.
func (s *Store) AppendLocked(ctx context.Context, key string, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return s.appendLocked(ctx, key, msgs)
}

func (s *Store) appendLocked(ctx context.Context, key string, msgs []Message) error {
	now := time.Now().UTC()
	for i := range msgs {
		if msgs[i].Timestamp.IsZero() {
			msgs[i].Timestamp = now
		}
	}

	existing, err := s.Load(ctx, key)
	if err != nil {
		return err
	}

	combined := append(existing, msgs...)
	if len(combined) > s.maxLen {
		combined = combined[len(combined)-s.maxLen:]
	}

	raw, err := json.Marshal(combined)
	if err != nil {
		return fmt.Errorf("encoding conversation %q: %w", key, err)
	}
	if err := s.backend.Set(ctx, keyPrefix+key, raw, s.ttl); err != nil {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return nil
}

// Clear removes the log for key and reports whether one existed.
func (s *Store) Clear(ctx context.Context, key string) (bool, error) {
	unlock := s.Lock(key)
	defer unlock()

	existed, err := s.backend.Evict(ctx, keyPrefix+key)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return existed, nil
}
