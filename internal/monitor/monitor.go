// Package monitor polls the gateway for session health and reacts to
// sessions going down or coming back.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Mutter0815/MassSender/internal/gateway"
	"github.com/Mutter0815/MassSender/internal/model"
	"github.com/Mutter0815/MassSender/internal/notify"
	"github.com/Mutter0815/MassSender/pkg/logx"
	"github.com/Mutter0815/MassSender/pkg/metrics"
)

type Store interface {
	ListSessions(ctx context.Context) ([]model.Session, error)
	UpdateSessionStatus(ctx context.Context, id int64, status string) error
	UpdateSessionPhone(ctx context.Context, id int64, phone string) error
	MarkSessionInactive(ctx context.Context, id int64) error
	ReactivateSession(ctx context.Context, id int64) error
	GetCampaign(ctx context.Context, id int64) (model.Campaign, error)
	ListSendingCampaignsBySession(ctx context.Context, sessionID int64) ([]model.Campaign, error)
	SetCampaignSession(ctx context.Context, id, sessionID int64) error
	MarkMessagesWaiting(ctx context.Context, campaignIDs []int64, sessionID int64, reason string, now time.Time) (int64, error)
	Stats(ctx context.Context) (model.Stats, error)
}

type StatusSource interface {
	Status(ctx context.Context, name string) (gateway.SessionStatus, error)
}

type Redistributor interface {
	Redistribute(ctx context.Context) (int, error)
}

type Rotation interface {
	AllAvailable(ctx context.Context) ([]model.Session, error)
	ResetRestedSessions(ctx context.Context) (int64, error)
}

// Observations holds the status each session had in the previous cycle.
// A session with no entry is compared against its stored status.
type Observations struct {
	mu   sync.Mutex
	last map[int64]string
}

func NewObservations() *Observations {
	return &Observations{last: make(map[int64]string)}
}

func (o *Observations) Previous(id int64) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.last[id]
	return s, ok
}

func (o *Observations) Set(id int64, status string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.last[id] = status
}

type Monitor struct {
	store    Store
	gw       StatusSource
	rot      Rotation
	redist   Redistributor
	notifier *notify.Notifier
	obs      *Observations
	now      func() time.Time
}

func New(st Store, gw StatusSource, rot Rotation, redist Redistributor, n *notify.Notifier) *Monitor {
	return &Monitor{
		store:    st,
		gw:       gw,
		rot:      rot,
		redist:   redist,
		notifier: n,
		obs:      NewObservations(),
		now:      time.Now,
	}
}

type CycleReport struct {
	Checked       int `json:"checked"`
	Active        int `json:"active"`
	WentDown      int `json:"wentDown"`
	CameUp        int `json:"cameUp"`
	Parked        int `json:"parked"`
	Redistributed int `json:"redistributed"`
	Errors        int `json:"errors"`
}

// Tick runs one cycle against the monitor's own observations.
func (m *Monitor) Tick(ctx context.Context) error {
	_, err := m.RunCycle(ctx, m.obs)
	return err
}

// RunCycle checks every session once. Failures on one session are logged and
// counted; only failing to list sessions aborts the cycle.
func (m *Monitor) RunCycle(ctx context.Context, obs *Observations) (CycleReport, error) {
	var rep CycleReport
	sessions, err := m.store.ListSessions(ctx)
	if err != nil {
		return rep, fmt.Errorf("list sessions: %w", err)
	}

	for _, s := range sessions {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		rep.Checked++
		if err := m.checkSession(ctx, obs, s, &rep); err != nil {
			rep.Errors++
			metrics.BackgroundErrorsTotal.WithLabelValues("monitor").Inc()
			logx.L().Warnw("monitor_session_error", "session", s.QueueName(), "error", err)
		}
	}

	if _, err := m.rot.ResetRestedSessions(ctx); err != nil {
		rep.Errors++
		logx.L().Warnw("monitor_reset_rested_error", "error", err)
	}
	n, err := m.redist.Redistribute(ctx)
	if err != nil {
		rep.Errors++
		logx.L().Warnw("monitor_redistribute_error", "error", err)
	}
	rep.Redistributed += n

	metrics.ActiveSessions.Set(float64(rep.Active))
	if st, err := m.store.Stats(ctx); err == nil {
		m.notifier.Stats(ctx, st)
	}

	logx.L().Debugw("monitor_cycle_done",
		"checked", rep.Checked, "active", rep.Active, "went_down", rep.WentDown, "came_up", rep.CameUp,
		"parked", rep.Parked, "redistributed", rep.Redistributed, "errors", rep.Errors)
	return rep, nil
}

func (m *Monitor) checkSession(ctx context.Context, obs *Observations, s model.Session, rep *CycleReport) (err error) {
	stored := model.NormalizeStatus(s.Status)
	live, gwErr := m.gw.Status(ctx, s.QueueName())
	if gwErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logx.L().Infow("monitor_session_unreachable", "session", s.QueueName(), "error", gwErr)
		live = gateway.SessionStatus{Status: model.SessionStopped}
	}
	status := model.NormalizeStatus(live.Status)

	prev, ok := obs.Previous(s.ID)
	if !ok {
		prev = stored
	}
	// The observation only advances once the edge is handled, so a failed
	// write sees the same edge again next cycle.
	defer func() {
		if err != nil {
			obs.Set(s.ID, prev)
			return
		}
		obs.Set(s.ID, status)
	}()

	wasActive, isActive := model.IsActiveStatus(prev), model.IsActiveStatus(status)
	if isActive {
		rep.Active++
	}

	if status != stored {
		if err := m.store.UpdateSessionStatus(ctx, s.ID, status); err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		s.Status = status
	}
	if live.PhoneNumber != "" && live.PhoneNumber != s.PhoneNumber {
		if err := m.store.UpdateSessionPhone(ctx, s.ID, live.PhoneNumber); err != nil {
			return fmt.Errorf("update phone: %w", err)
		}
		s.PhoneNumber = live.PhoneNumber
	}

	switch {
	case wasActive && !isActive:
		rep.WentDown++
		return m.sessionDown(ctx, s, status, rep)
	case !wasActive && isActive:
		rep.CameUp++
		return m.sessionUp(ctx, s, rep)
	}
	return nil
}

func (m *Monitor) sessionDown(ctx context.Context, s model.Session, status string, rep *CycleReport) error {
	metrics.SessionTransitions.WithLabelValues("down").Inc()
	logx.L().Infow("session_went_down", "session", s.QueueName(), "status", status)

	if err := m.store.MarkSessionInactive(ctx, s.ID); err != nil {
		return fmt.Errorf("mark inactive: %w", err)
	}
	s.Status = model.SessionStopped
	s.JobLimitReached = false
	m.notifier.Session(ctx, notify.SessionUpdateOf(s))

	campaigns, err := m.store.ListSendingCampaignsBySession(ctx, s.ID)
	if err != nil {
		return fmt.Errorf("list campaigns: %w", err)
	}
	ids := make([]int64, len(campaigns))
	for i, c := range campaigns {
		ids[i] = c.ID
	}
	reason := fmt.Sprintf("session %s became %s", s.QueueName(), status)
	parked, err := m.store.MarkMessagesWaiting(ctx, ids, s.ID, reason, m.now())
	if err != nil {
		return fmt.Errorf("park messages: %w", err)
	}
	rep.Parked += int(parked)
	for _, id := range ids {
		if c, err := m.store.GetCampaign(ctx, id); err == nil {
			m.notifier.Campaign(ctx, notify.CampaignUpdateOf(c))
		}
	}

	n, err := m.redist.Redistribute(ctx)
	if err != nil {
		logx.L().Warnw("monitor_redistribute_error", "session", s.QueueName(), "error", err)
	}
	rep.Redistributed += n

	return m.reassign(ctx, s, campaigns)
}

// reassign moves the campaigns of a dead session to the available sessions
// round robin. Without any, the campaigns stay put for recovery to handle.
func (m *Monitor) reassign(ctx context.Context, dead model.Session, campaigns []model.Campaign) error {
	if len(campaigns) == 0 {
		return nil
	}
	avail, err := m.rot.AllAvailable(ctx)
	if err != nil {
		return fmt.Errorf("list available: %w", err)
	}
	targets := avail[:0:0]
	for _, s := range avail {
		if s.ID != dead.ID && !s.JobLimitReached {
			targets = append(targets, s)
		}
	}
	if len(targets) == 0 {
		logx.L().Infow("monitor_no_failover_session", "session", dead.QueueName(), "campaigns", len(campaigns))
		return nil
	}
	for i, c := range campaigns {
		t := targets[i%len(targets)]
		if err := m.store.SetCampaignSession(ctx, c.ID, t.ID); err != nil {
			logx.L().Warnw("monitor_reassign_error", "campaign_id", c.ID, "session", t.QueueName(), "error", err)
			continue
		}
		logx.L().Infow("campaign_reassigned", "campaign_id", c.ID, "from", dead.QueueName(), "to", t.QueueName())
	}
	return nil
}

func (m *Monitor) sessionUp(ctx context.Context, s model.Session, rep *CycleReport) error {
	metrics.SessionTransitions.WithLabelValues("up").Inc()
	logx.L().Infow("session_came_up", "session", s.QueueName(), "status", s.Status)

	if err := m.store.ReactivateSession(ctx, s.ID); err != nil {
		return fmt.Errorf("reactivate: %w", err)
	}
	s.Status = model.SessionWorking
	s.JobCount = 0
	s.JobLimitReached = false
	s.RestingUntil = nil
	m.notifier.Session(ctx, notify.SessionUpdateOf(s))

	n, err := m.redist.Redistribute(ctx)
	if err != nil {
		logx.L().Warnw("monitor_redistribute_error", "session", s.QueueName(), "error", err)
	}
	rep.Redistributed += n
	return nil
}
