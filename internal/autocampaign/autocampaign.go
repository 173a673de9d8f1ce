// Package autocampaign sends draft campaigns on its own, one campaign per
// active session, spaced out so several accounts do not burst together.
package autocampaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Mutter0815/MassSender/internal/dispatch"
	"github.com/Mutter0815/MassSender/internal/model"
	"github.com/Mutter0815/MassSender/internal/notify"
	"github.com/Mutter0815/MassSender/pkg/logx"
)

type Store interface {
	ListCampaignsByStatus(ctx context.Context, status string, limit int) ([]model.Campaign, error)
	GetSession(ctx context.Context, id int64) (model.Session, error)
	SetCampaignStatus(ctx context.Context, id int64, status string) error
}

type Sessions interface {
	ActiveSessions(ctx context.Context) ([]model.Session, error)
}

type Sender interface {
	SendCampaignOn(ctx context.Context, campaignID, sessionID int64, contactIDs []int64) (*dispatch.SendResult, error)
}

type Config struct {
	MaxPool int
	Delay   time.Duration
}

type Scheduler struct {
	store    Store
	sessions Sessions
	sender   Sender
	notifier *notify.Notifier
	cfg      Config
	sleep    func(ctx context.Context, d time.Duration) error
}

func New(st Store, sessions Sessions, sender Sender, n *notify.Notifier, cfg Config) *Scheduler {
	if cfg.MaxPool <= 0 {
		cfg.MaxPool = 5
	}
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}
	return &Scheduler{store: st, sessions: sessions, sender: sender, notifier: n, cfg: cfg, sleep: sleepCtx}
}

type CampaignOutcome struct {
	CampaignID  int64  `json:"campaignId"`
	Name        string `json:"name"`
	OK          bool   `json:"ok"`
	SessionID   int64  `json:"sessionId,omitempty"`
	SessionName string `json:"sessionName,omitempty"`
	Attempts    int    `json:"attempts"`
	Enqueued    int    `json:"enqueued,omitempty"`
	Error       string `json:"error,omitempty"`
}

type RunResult struct {
	ActiveSessions int               `json:"activeSessions"`
	Campaigns      []CampaignOutcome `json:"campaigns"`
}

// RunOnce picks up to min(active sessions, MaxPool) drafts, oldest first,
// and sends each on its own session.
func (s *Scheduler) RunOnce(ctx context.Context) (*RunResult, error) {
	res := &RunResult{Campaigns: []CampaignOutcome{}}
	active, err := s.sessions.ActiveSessions(ctx)
	if err != nil {
		return res, fmt.Errorf("list active sessions: %w", err)
	}
	res.ActiveSessions = len(active)
	if len(active) == 0 {
		logx.L().Infow("auto_campaign_skipped", "reason", "no active sessions")
		return res, nil
	}

	drafts, err := s.store.ListCampaignsByStatus(ctx, model.CampaignDraft, min(len(active), s.cfg.MaxPool))
	if err != nil {
		return res, fmt.Errorf("list drafts: %w", err)
	}

	for i, c := range drafts {
		if i > 0 {
			if err := s.sleep(ctx, s.cfg.Delay); err != nil {
				return res, err
			}
		}
		out := s.send(ctx, c, active, i%len(active))
		res.Campaigns = append(res.Campaigns, out)
	}
	logx.L().Infow("auto_campaign_done", "active_sessions", len(active), "campaigns", len(res.Campaigns))
	return res, nil
}

// send tries each active session at most once, starting at the preferred
// one and moving forward with wrap around.
func (s *Scheduler) send(ctx context.Context, c model.Campaign, active []model.Session, preferred int) CampaignOutcome {
	out := CampaignOutcome{CampaignID: c.ID, Name: c.Name}
	attempted := make(map[int64]bool, len(active))
	var lastErr error

	for step := 0; step < len(active); step++ {
		candidate := active[(preferred+step)%len(active)]
		if attempted[candidate.ID] {
			continue
		}
		attempted[candidate.ID] = true

		sess, err := s.store.GetSession(ctx, candidate.ID)
		if err != nil || !sess.IsActive() {
			logx.L().Infow("auto_campaign_session_skipped", "campaign_id", c.ID, "session", candidate.QueueName())
			continue
		}

		out.Attempts++
		r, err := s.sender.SendCampaignOn(ctx, c.ID, sess.ID, nil)
		if err == nil {
			out.OK = true
			out.SessionID = sess.ID
			out.SessionName = sess.QueueName()
			out.Enqueued = r.Enqueued
			logx.L().Infow("auto_campaign_sent", "campaign_id", c.ID, "session", sess.QueueName(), "enqueued", r.Enqueued)
			return out
		}
		lastErr = err
		logx.L().Warnw("auto_campaign_attempt_failed", "campaign_id", c.ID, "session", sess.QueueName(), "error", err)
		if !retryable(err) || ctx.Err() != nil {
			break
		}
	}

	if lastErr == nil {
		lastErr = dispatch.ErrNoSession
	}
	out.Error = lastErr.Error()
	if ctx.Err() != nil {
		return out
	}
	if err := s.store.SetCampaignStatus(ctx, c.ID, model.CampaignFailed); err != nil {
		logx.L().Warnw("auto_campaign_mark_failed_error", "campaign_id", c.ID, "error", err)
		return out
	}
	c.Status = model.CampaignFailed
	s.notifier.Campaign(ctx, notify.CampaignUpdateOf(c))
	return out
}

// retryable reports whether another session could succeed where this one
// failed. Problems with the campaign itself fail the same everywhere.
func retryable(err error) bool {
	switch {
	case errors.Is(err, dispatch.ErrEmptyContent),
		errors.Is(err, dispatch.ErrInvalidCampaign),
		errors.Is(err, dispatch.ErrNoContacts),
		errors.Is(err, dispatch.ErrCampaignState):
		return false
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
