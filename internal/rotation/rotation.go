// Package rotation spreads sends across sessions and rests a session once it
// has sent JobLimit messages, so no single account carries enough volume to
// get flagged.
package rotation

import (
	"context"
	"sort"
	"time"

	"github.com/Mutter0815/MassSender/internal/model"
)

type SessionStore interface {
	ListSessions(ctx context.Context) ([]model.Session, error)
	UpdateSessionStatus(ctx context.Context, id int64, status string) error
	ResetRestedSessions(ctx context.Context, now time.Time) (int64, error)
	IncrementJobCount(ctx context.Context, id int64, limit int, now, restUntil time.Time) (int, bool, error)
}

type Config struct {
	JobLimit     int
	RestDuration time.Duration
}

type Manager struct {
	store SessionStore
	cfg   Config
	now   func() time.Time
}

func New(store SessionStore, cfg Config) *Manager {
	if cfg.JobLimit <= 0 {
		cfg.JobLimit = 30
	}
	if cfg.RestDuration <= 0 {
		cfg.RestDuration = 6 * time.Hour
	}
	return &Manager{store: store, cfg: cfg, now: time.Now}
}

// WithClock overrides the time source. Tests use it to step past rest windows.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func (m *Manager) Config() Config { return m.cfg }

// ResetRestedSessions clears the limit of every session whose rest has elapsed.
func (m *Manager) ResetRestedSessions(ctx context.Context) (int64, error) {
	return m.store.ResetRestedSessions(ctx, m.now())
}

// IsAvailable reports whether s may be given new work at now.
func IsAvailable(s model.Session, now time.Time) bool {
	if !s.IsActive() || s.JobLimitReached {
		return false
	}
	return s.RestingUntil == nil || !s.RestingUntil.After(now)
}

func (m *Manager) IsAvailable(s model.Session) bool { return IsAvailable(s, m.now()) }

// AllAvailable returns every available session, least loaded first.
func (m *Manager) AllAvailable(ctx context.Context) ([]model.Session, error) {
	if _, err := m.ResetRestedSessions(ctx); err != nil {
		return nil, err
	}
	sessions, err := m.store.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	now := m.now()
	out := make([]model.Session, 0, len(sessions))
	for _, s := range sessions {
		if IsAvailable(s, now) {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].JobCount < out[j].JobCount })
	return out, nil
}

// BestAvailable returns the least loaded available session not in exclude,
// or nil when there is none.
func (m *Manager) BestAvailable(ctx context.Context, exclude []int64) (*model.Session, error) {
	all, err := m.AllAvailable(ctx)
	if err != nil {
		return nil, err
	}
	skip := make(map[int64]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	for _, s := range all {
		if !skip[s.ID] {
			best := s
			return &best, nil
		}
	}
	return nil, nil
}

// ActiveSessions returns sessions in an active status regardless of their
// job limit, in id order.
func (m *Manager) ActiveSessions(ctx context.Context) ([]model.Session, error) {
	sessions, err := m.store.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	out := sessions[:0]
	for _, s := range sessions {
		if s.IsActive() {
			out = append(out, s)
		}
	}
	return out, nil
}

// IncrementJobCount records one send on the session. It returns true once the
// session has reached the limit and must not be given new work.
func (m *Manager) IncrementJobCount(ctx context.Context, sessionID int64) (bool, error) {
	now := m.now()
	_, reached, err := m.store.IncrementJobCount(ctx, sessionID, m.cfg.JobLimit, now, now.Add(m.cfg.RestDuration))
	return reached, err
}

// MarkUnavailable stops a session, e.g. after the gateway reported a logout.
func (m *Manager) MarkUnavailable(ctx context.Context, sessionID int64) error {
	return m.store.UpdateSessionStatus(ctx, sessionID, model.SessionStopped)
}
