// Package recovery moves work off sessions that stopped answering: waiting
// messages are redistributed and stuck campaigns are handed to a live session.
package recovery

import (
	"context"

	"github.com/Mutter0815/MassSender/internal/dispatch"
	"github.com/Mutter0815/MassSender/internal/model"
	"github.com/Mutter0815/MassSender/internal/notify"
	"github.com/Mutter0815/MassSender/pkg/logx"
	"github.com/Mutter0815/MassSender/pkg/metrics"
)

// RedistributeLimit caps how many waiting messages one pass moves.
const RedistributeLimit = 100

type Requeuer interface {
	EnqueueMessage(ctx context.Context, r dispatch.Requeue) (bool, error)
}

type WaitingStore interface {
	ListWaitingMessages(ctx context.Context, limit int) ([]model.QueuedMessage, error)
}

type AvailableSessions interface {
	AllAvailable(ctx context.Context) ([]model.Session, error)
}

type Redistributor struct {
	store    WaitingStore
	sessions AvailableSessions
	requeue  Requeuer
	notifier *notify.Notifier
}

func NewRedistributor(st WaitingStore, sessions AvailableSessions, rq Requeuer, n *notify.Notifier) *Redistributor {
	return &Redistributor{store: st, sessions: sessions, requeue: rq, notifier: n}
}

// Redistribute hands the oldest waiting messages to available sessions round
// robin and returns how many were requeued. A failing message is logged and
// skipped.
func (r *Redistributor) Redistribute(ctx context.Context) (int, error) {
	waiting, err := r.store.ListWaitingMessages(ctx, RedistributeLimit)
	if err != nil {
		return 0, err
	}
	if len(waiting) == 0 {
		return 0, nil
	}

	all, err := r.sessions.AllAvailable(ctx)
	if err != nil {
		return 0, err
	}
	sessions := all[:0:0]
	for _, s := range all {
		if !s.JobLimitReached {
			sessions = append(sessions, s)
		}
	}
	if len(sessions) == 0 {
		logx.L().Infow("redistribute_no_sessions", "waiting", len(waiting))
		return 0, nil
	}

	var order []int64
	groups := make(map[int64][]model.QueuedMessage)
	for _, m := range waiting {
		id := m.Message.CampaignID
		if _, ok := groups[id]; !ok {
			order = append(order, id)
		}
		groups[id] = append(groups[id], m)
	}

	next, moved := 0, 0
	for _, campaignID := range order {
		msgs := groups[campaignID]
		c := msgs[0].Campaign
		pool := c.MessagePool()
		if len(pool) == 0 {
			logx.L().Warnw("redistribute_empty_content", "campaign_id", campaignID, "messages", len(msgs))
			continue
		}
		buttons := c.ActiveButtons()

		for i, m := range msgs {
			sess := sessions[next%len(sessions)]
			next++
			ok, err := r.requeue.EnqueueMessage(ctx, dispatch.Requeue{
				Message: m,
				Session: sess,
				Pool:    pool,
				Buttons: buttons,
				Index:   i,
				Source:  "redistribute",
			})
			if err != nil {
				logx.L().Warnw("redistribute_message_error",
					"campaign_id", campaignID, "contact_id", m.Message.ContactID, "session", sess.QueueName(), "error", err)
				continue
			}
			if !ok {
				continue
			}
			moved++
			r.notifier.Message(ctx, notify.MessageUpdate{
				CampaignID: campaignID,
				ContactID:  m.Message.ContactID,
				Status:     model.MessagePending,
			})
		}
	}

	metrics.RedistributedTotal.Add(float64(moved))
	logx.L().Infow("redistribute_done", "waiting", len(waiting), "requeued", moved, "sessions", len(sessions))
	return moved, nil
}
