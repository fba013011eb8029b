// Package session provides the process-wide registry of live call sessions.
//
// The registry is two-layered: a local map holds the authoritative per-call
// state for calls owned by this worker, and a shared Redis key per call makes
// existence visible across workers. Only existence crosses the process
// boundary; mutation happens exclusively in the owning worker.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dialvox/dialvox/pkg/types"
)

// State is the coarse lifecycle position of a call session.
type State string

const (
	StateIdle      State = "idle"
	StateListening State = "listening"
	StateThinking  State = "thinking"
	StateSpeaking  State = "speaking"
	StateEnded     State = "ended"
)

// CallSession is the registry entry for one live call.
type CallSession struct {
	CallID     string `json:"call_id"`
	TenantID   string `json:"tenant_id"`
	CampaignID string `json:"campaign_id"`
	LeadID     string `json:"lead_id"`

	AgentConfig types.AgentConfig `json:"-"`

	State        State     `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// keyPrefix namespaces the shared existence keys.
const keyPrefix = "dialvox:session:"

// defaultTTL bounds how long a crashed worker's sessions linger in Redis.
const defaultTTL = 2 * time.Hour

// ErrNotFound is returned when a call_id is not registered.
var ErrNotFound = errors.New("session: not found")

// ErrExists is returned when creating a session whose call_id is taken.
var ErrExists = errors.New("session: already exists")

// EndHook runs during End, before the session is removed, so callers can
// persist transcripts and recordings while the session is still resolvable.
type EndHook func(ctx context.Context, s *CallSession) error

// Manager is the process-wide session registry. Safe for concurrent use.
type Manager struct {
	rdb redis.UniversalClient
	ttl time.Duration
	log *slog.Logger

	onEnd EndHook

	mu       sync.RWMutex
	sessions map[string]*CallSession
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL overrides the Redis existence-key TTL.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithEndHook registers the persistence hook run by End.
func WithEndHook(h EndHook) Option {
	return func(m *Manager) { m.onEnd = h }
}

// NewManager constructs the registry. rdb may be nil only when allowMemoryOnly
// is set; production deployments must pass a live client so sessions stay
// visible to sibling workers.
func NewManager(rdb redis.UniversalClient, allowMemoryOnly bool, opts ...Option) (*Manager, error) {
	if rdb == nil && !allowMemoryOnly {
		return nil, errors.New("session: redis client required outside memory-only mode")
	}
	m := &Manager{
		rdb:      rdb,
		ttl:      defaultTTL,
		sessions: make(map[string]*CallSession),
	}
	for _, o := range opts {
		o(m)
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if rdb == nil {
		m.log.Warn("session registry running memory-only, sessions invisible to other workers")
	}
	return m, nil
}

// Create registers a new session. The shared key is written before the local
// map entry so a concurrent sibling never sees a call that Redis does not.
func (m *Manager) Create(ctx context.Context, s *CallSession) error {
	if s == nil || s.CallID == "" {
		return errors.New("session: call_id required")
	}
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.LastActivity = now
	if s.State == "" {
		s.State = StateIdle
	}

	m.mu.Lock()
	if _, ok := m.sessions[s.CallID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("session: create %s: %w", s.CallID, ErrExists)
	}
	m.sessions[s.CallID] = s
	m.mu.Unlock()

	if m.rdb != nil {
		payload, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("session: marshal %s: %w", s.CallID, err)
		}
		if err := m.rdb.Set(ctx, keyPrefix+s.CallID, payload, m.ttl).Err(); err != nil {
			m.mu.Lock()
			delete(m.sessions, s.CallID)
			m.mu.Unlock()
			return fmt.Errorf("session: register %s: %w", s.CallID, err)
		}
	}

	m.log.Debug("session created",
		slog.String("call_id", s.CallID),
		slog.String("tenant_id", s.TenantID),
	)
	return nil
}

// Get returns the locally owned session for callID.
func (m *Manager) Get(callID string) (*CallSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[callID]
	if !ok {
		return nil, fmt.Errorf("session: get %s: %w", callID, ErrNotFound)
	}
	return s, nil
}

// ListActive returns all locally owned sessions that have not ended.
func (m *Manager) ListActive() []*CallSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*CallSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.State != StateEnded {
			out = append(out, s)
		}
	}
	return out
}

// Stats returns per-state session counts for this worker.
func (m *Manager) Stats() map[State]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := make(map[State]int)
	for _, s := range m.sessions {
		stats[s.State]++
	}
	return stats
}

// Touch updates the session's state and activity timestamp and refreshes the
// shared key's TTL.
func (m *Manager) Touch(ctx context.Context, callID string, state State) error {
	m.mu.Lock()
	s, ok := m.sessions[callID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("session: touch %s: %w", callID, ErrNotFound)
	}
	s.State = state
	s.LastActivity = time.Now().UTC()
	m.mu.Unlock()

	if m.rdb != nil {
		if err := m.rdb.Expire(ctx, keyPrefix+callID, m.ttl).Err(); err != nil {
			m.log.Warn("session ttl refresh failed",
				slog.String("call_id", callID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// End runs the persistence hook and removes the session from the local map
// and the shared store. The hook error aborts removal so a retry can persist
// again; the Redis delete error does not, since the key expires on its own.
func (m *Manager) End(ctx context.Context, callID string) error {
	m.mu.Lock()
	s, ok := m.sessions[callID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("session: end %s: %w", callID, ErrNotFound)
	}

	if m.onEnd != nil {
		if err := m.onEnd(ctx, s); err != nil {
			return fmt.Errorf("session: end hook %s: %w", callID, err)
		}
	}

	m.mu.Lock()
	delete(m.sessions, callID)
	m.mu.Unlock()

	if m.rdb != nil {
		if err := m.rdb.Del(ctx, keyPrefix+callID).Err(); err != nil {
			m.log.Warn("session deregister failed",
				slog.String("call_id", callID),
				slog.String("error", err.Error()),
			)
		}
	}

	m.log.Debug("session ended", slog.String("call_id", callID))
	return nil
}
