package recovery

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/Mutter0815/MassSender/internal/dispatch"
	"github.com/Mutter0815/MassSender/internal/model"
	"github.com/Mutter0815/MassSender/internal/notify"
	"github.com/Mutter0815/MassSender/internal/store"
	"github.com/Mutter0815/MassSender/pkg/logx"
	"github.com/Mutter0815/MassSender/pkg/metrics"
)

type CampaignStore interface {
	ListCampaignsByStatus(ctx context.Context, status string, limit int) ([]model.Campaign, error)
	GetSession(ctx context.Context, id int64) (model.Session, error)
	ListOpenMessages(ctx context.Context, campaignID int64) ([]model.QueuedMessage, error)
	SetCampaignSession(ctx context.Context, id, sessionID int64) error
	SetCampaignStatus(ctx context.Context, id int64, status string) error
}

type ActiveSessions interface {
	ActiveSessions(ctx context.Context) ([]model.Session, error)
}

// Service re-homes campaigns whose session went away mid-send.
type Service struct {
	store    CampaignStore
	sessions ActiveSessions
	requeue  Requeuer
	notifier *notify.Notifier
}

func NewService(st CampaignStore, sessions ActiveSessions, rq Requeuer, n *notify.Notifier) *Service {
	return &Service{store: st, sessions: sessions, requeue: rq, notifier: n}
}

type CampaignResult struct {
	CampaignID  int64  `json:"campaignId"`
	SessionID   int64  `json:"sessionId,omitempty"`
	SessionName string `json:"sessionName,omitempty"`
	Requeued    int    `json:"requeued"`
	Completed   bool   `json:"completed,omitempty"`
	Error       string `json:"error,omitempty"`
}

type Result struct {
	OK        bool             `json:"ok"`
	Reason    string           `json:"reason,omitempty"`
	Stuck     int              `json:"stuck"`
	Campaigns []CampaignResult `json:"campaigns"`
}

// RecoverFailedCampaigns finds sending campaigns whose session is inactive
// and moves their open messages to active sessions, one campaign per
// session in turn. It is safe to run repeatedly.
func (s *Service) RecoverFailedCampaigns(ctx context.Context) (Result, error) {
	res := Result{Campaigns: []CampaignResult{}}

	active, err := s.sessions.ActiveSessions(ctx)
	if err != nil {
		return res, fmt.Errorf("list active sessions: %w", err)
	}
	if len(active) == 0 {
		res.Reason = "no active sessions"
		logx.L().Infow("recovery_skipped", "reason", res.Reason)
		return res, nil
	}

	stuck, err := s.stuckCampaigns(ctx)
	if err != nil {
		return res, err
	}
	res.OK = true
	res.Stuck = len(stuck)
	if len(stuck) == 0 {
		return res, nil
	}

	next := 0
	for _, c := range stuck {
		cr := CampaignResult{CampaignID: c.ID}

		open, err := s.store.ListOpenMessages(ctx, c.ID)
		if err != nil {
			cr.Error = err.Error()
			res.Campaigns = append(res.Campaigns, cr)
			logx.L().Warnw("recovery_campaign_error", "campaign_id", c.ID, "error", err)
			continue
		}
		open = orderForRecovery(open)

		if len(open) == 0 {
			if c.TotalContacts > 0 && c.SentCount == c.TotalContacts {
				if err := s.store.SetCampaignStatus(ctx, c.ID, model.CampaignSent); err != nil {
					cr.Error = err.Error()
				} else {
					cr.Completed = true
					c.Status = model.CampaignSent
					s.notifier.Campaign(ctx, notify.CampaignUpdateOf(c))
				}
			}
			res.Campaigns = append(res.Campaigns, cr)
			continue
		}

		pool := c.MessagePool()
		if len(pool) == 0 {
			cr.Error = dispatch.ErrEmptyContent.Error()
			res.Campaigns = append(res.Campaigns, cr)
			continue
		}

		target := active[next%len(active)]
		if err := s.store.SetCampaignSession(ctx, c.ID, target.ID); err != nil {
			cr.Error = err.Error()
			res.Campaigns = append(res.Campaigns, cr)
			logx.L().Warnw("recovery_reassign_error", "campaign_id", c.ID, "session", target.QueueName(), "error", err)
			continue
		}
		next++
		cr.SessionID = target.ID
		cr.SessionName = target.QueueName()

		buttons := c.ActiveButtons()
		for i, m := range open {
			ok, err := s.requeue.EnqueueMessage(ctx, dispatch.Requeue{
				Message: m,
				Session: target,
				Pool:    pool,
				Buttons: buttons,
				Index:   i,
				Source:  "recovery",
			})
			if err != nil {
				logx.L().Warnw("recovery_message_error",
					"campaign_id", c.ID, "contact_id", m.Message.ContactID, "error", err)
				continue
			}
			if ok {
				cr.Requeued++
			}
		}

		metrics.RecoveredCampaignsTotal.Inc()
		s.notifier.Campaign(ctx, notify.CampaignUpdateOf(c))
		logx.L().Infow("recovery_campaign_moved",
			"campaign_id", c.ID, "session", target.QueueName(), "open", len(open), "requeued", cr.Requeued)
		res.Campaigns = append(res.Campaigns, cr)
	}
	return res, nil
}

func (s *Service) stuckCampaigns(ctx context.Context) ([]model.Campaign, error) {
	sending, err := s.store.ListCampaignsByStatus(ctx, model.CampaignSending, 0)
	if err != nil {
		return nil, fmt.Errorf("list sending campaigns: %w", err)
	}
	var stuck []model.Campaign
	for _, c := range sending {
		if c.SessionID == nil {
			stuck = append(stuck, c)
			continue
		}
		sess, err := s.store.GetSession(ctx, *c.SessionID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			stuck = append(stuck, c)
		case err != nil:
			return nil, fmt.Errorf("load session %d: %w", *c.SessionID, err)
		case !sess.IsActive():
			stuck = append(stuck, c)
		}
	}
	return stuck, nil
}

// orderForRecovery puts never-attempted messages first, in their stored
// order, then attempted ones oldest attempt first. A message counts as
// attempted iff it has a LastAttemptAt. Terminal messages are dropped.
func orderForRecovery(msgs []model.QueuedMessage) []model.QueuedMessage {
	var fresh, tried []model.QueuedMessage
	for _, m := range msgs {
		switch {
		case model.IsTerminalMessageStatus(m.Message.Status):
		case m.Message.LastAttemptAt == nil:
			fresh = append(fresh, m)
		default:
			tried = append(tried, m)
		}
	}
	sort.SliceStable(tried, func(i, j int) bool {
		return tried[i].Message.LastAttemptAt.Before(*tried[j].Message.LastAttemptAt)
	})
	return append(fresh, tried...)
}
