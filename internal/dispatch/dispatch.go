// Package dispatch turns a campaign into per-recipient jobs on session queues.
package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Mutter0815/MassSender/internal/model"
	"github.com/Mutter0815/MassSender/internal/notify"
	"github.com/Mutter0815/MassSender/internal/queue"
	"github.com/Mutter0815/MassSender/internal/store"
	"github.com/Mutter0815/MassSender/internal/variation"
	"github.com/Mutter0815/MassSender/pkg/logx"
)

var (
	ErrSessionInactive = errors.New("campaign session is not active")
	ErrNoSession       = errors.New("no available session")
	ErrNoContacts      = errors.New("no contacts to send to")
	ErrEmptyContent    = errors.New("campaign has no message content")
	ErrInvalidCampaign = errors.New("invalid campaign")
	ErrCampaignState   = errors.New("campaign cannot be sent in its current status")
)

// BatchSize bounds how many jobs are built in memory at once.
const BatchSize = 500

type Store interface {
	WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error
	GetCampaign(ctx context.Context, id int64) (model.Campaign, error)
	GetSession(ctx context.Context, id int64) (model.Session, error)
	SetCampaignSession(ctx context.Context, id, sessionID int64) error
	ListContacts(ctx context.Context, ids []int64) ([]model.Contact, error)
	CreatePendingMessages(ctx context.Context, tx *sql.Tx, campaignID, sessionID int64, contactIDs []int64) error
	StartCampaign(ctx context.Context, tx *sql.Tx, id int64) (model.Campaign, error)
	RequeueMessage(ctx context.Context, id, sessionID int64) (bool, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, job model.Job, opts queue.Options) (bool, error)
}

type SessionPicker interface {
	BestAvailable(ctx context.Context, exclude []int64) (*model.Session, error)
}

type Options struct {
	// Retention is how long a job id stays claimed after enqueue.
	Retention time.Duration
	// Engine renders templates. Nil uses the shared engine.
	Engine *variation.Engine
}

type Dispatcher struct {
	store    Store
	queue    Enqueuer
	sessions SessionPicker
	notifier *notify.Notifier
	opts     Options
}

func New(st Store, q Enqueuer, sessions SessionPicker, n *notify.Notifier, opts Options) *Dispatcher {
	if opts.Retention <= 0 {
		opts.Retention = queue.DefaultRetention
	}
	return &Dispatcher{store: st, queue: q, sessions: sessions, notifier: n, opts: opts}
}

type SendResult struct {
	CampaignID    int64  `json:"campaignId"`
	SessionID     int64  `json:"sessionId"`
	SessionName   string `json:"sessionName"`
	TotalContacts int    `json:"totalContacts"`
	Enqueued      int    `json:"enqueued"`
	Duplicates    int    `json:"duplicates"`
	Batches       int    `json:"batches"`
}

// SendCampaign sends to contactIDs, or to every contact when empty, on the
// campaign's own session. A campaign without a session gets the least loaded
// available one.
func (d *Dispatcher) SendCampaign(ctx context.Context, campaignID int64, contactIDs []int64) (*SendResult, error) {
	return d.send(ctx, campaignID, nil, contactIDs)
}

// SendCampaignOn assigns sessionID to the campaign and sends on it.
func (d *Dispatcher) SendCampaignOn(ctx context.Context, campaignID, sessionID int64, contactIDs []int64) (*SendResult, error) {
	return d.send(ctx, campaignID, &sessionID, contactIDs)
}

func (d *Dispatcher) send(ctx context.Context, campaignID int64, override *int64, contactIDs []int64) (*SendResult, error) {
	c, err := d.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("load campaign %d: %w", campaignID, err)
	}
	switch c.Status {
	case model.CampaignDraft, model.CampaignSending, model.CampaignFailed:
	default:
		return nil, fmt.Errorf("%w: %s", ErrCampaignState, c.Status)
	}

	pool := c.MessagePool()
	if len(pool) == 0 {
		return nil, ErrEmptyContent
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCampaign, err)
	}

	sess, err := d.resolveSession(ctx, c, override)
	if err != nil {
		return nil, err
	}

	contacts, err := d.store.ListContacts(ctx, contactIDs)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	if len(contacts) == 0 {
		return nil, ErrNoContacts
	}
	ids := make([]int64, len(contacts))
	for i, ct := range contacts {
		ids[i] = ct.ID
	}

	err = d.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := d.store.CreatePendingMessages(ctx, tx, c.ID, sess.ID, ids); err != nil {
			return err
		}
		started, err := d.store.StartCampaign(ctx, tx, c.ID)
		if err != nil {
			return err
		}
		c.Status = started.Status
		c.TotalContacts = started.TotalContacts
		c.SentCount = started.SentCount
		c.FailedCount = started.FailedCount
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create messages: %w", err)
	}
	d.notifier.Campaign(ctx, notify.CampaignUpdateOf(c))

	res := &SendResult{
		CampaignID:    c.ID,
		SessionID:     sess.ID,
		SessionName:   sess.QueueName(),
		TotalContacts: len(ids),
	}
	buttons := c.ActiveButtons()
	for start := 0; start < len(contacts); start += BatchSize {
		end := min(start+BatchSize, len(contacts))
		res.Batches++
		for i := start; i < end; i++ {
			job := d.job(c, contacts[i], sess, pool, buttons, i)
			ok, err := d.queue.Enqueue(ctx, job, queue.Options{JobID: job.ID(), Retention: d.opts.Retention, Source: "send"})
			if err != nil {
				return res, fmt.Errorf("enqueue %s: %w", job.ID(), err)
			}
			if ok {
				res.Enqueued++
			} else {
				res.Duplicates++
			}
		}
	}

	logx.L().Infow("campaign_dispatched",
		"campaign_id", c.ID, "session", sess.QueueName(), "total", res.TotalContacts,
		"enqueued", res.Enqueued, "duplicates", res.Duplicates, "batches", res.Batches)
	return res, nil
}

func (d *Dispatcher) resolveSession(ctx context.Context, c model.Campaign, override *int64) (model.Session, error) {
	id := c.SessionID
	if override != nil {
		id = override
	}
	if id == nil {
		best, err := d.sessions.BestAvailable(ctx, nil)
		if err != nil {
			return model.Session{}, fmt.Errorf("pick session: %w", err)
		}
		if best == nil {
			return model.Session{}, ErrNoSession
		}
		if err := d.store.SetCampaignSession(ctx, c.ID, best.ID); err != nil {
			return model.Session{}, fmt.Errorf("assign session: %w", err)
		}
		return *best, nil
	}

	sess, err := d.store.GetSession(ctx, *id)
	if errors.Is(err, store.ErrNotFound) {
		return model.Session{}, fmt.Errorf("%w: session %d not found", ErrSessionInactive, *id)
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("load session %d: %w", *id, err)
	}
	if !sess.IsActive() {
		return model.Session{}, fmt.Errorf("%w: %s is %s", ErrSessionInactive, sess.QueueName(), sess.Status)
	}
	if override != nil && (c.SessionID == nil || *c.SessionID != sess.ID) {
		if err := d.store.SetCampaignSession(ctx, c.ID, sess.ID); err != nil {
			return model.Session{}, fmt.Errorf("assign session: %w", err)
		}
	}
	return sess, nil
}

// Requeue is one parked or orphaned message being moved onto a session.
type Requeue struct {
	Message model.QueuedMessage
	Session model.Session
	// Pool and Buttons are computed once per campaign by the caller.
	Pool    []string
	Buttons []model.Button
	// Index selects the variant and pacing slot.
	Index  int
	Source string
}

// EnqueueMessage puts a pending or waiting message back to pending on
// r.Session and enqueues its job. It returns false when the message has
// already left the pending/waiting states.
func (d *Dispatcher) EnqueueMessage(ctx context.Context, r Requeue) (bool, error) {
	if len(r.Pool) == 0 {
		return false, ErrEmptyContent
	}
	ok, err := d.store.RequeueMessage(ctx, r.Message.Message.ID, r.Session.ID)
	if err != nil {
		return false, fmt.Errorf("requeue message %d: %w", r.Message.Message.ID, err)
	}
	if !ok {
		return false, nil
	}
	job := d.job(r.Message.Campaign, r.Message.Contact, r.Session, r.Pool, r.Buttons, r.Index)
	if _, err := d.queue.Enqueue(ctx, job, queue.Options{JobID: job.ID(), Retention: d.opts.Retention, Source: r.Source}); err != nil {
		return false, fmt.Errorf("enqueue %s: %w", job.ID(), err)
	}
	return true, nil
}

func (d *Dispatcher) job(c model.Campaign, ct model.Contact, sess model.Session, pool []string, buttons []model.Button, index int) model.Job {
	if buttons == nil {
		buttons = []model.Button{}
	}
	r := variation.Recipient{ID: ct.ID, Name: ct.Name, Phone: ct.PhoneNumber}
	tmpl := variation.PickVariant(pool, index)
	var text string
	if d.opts.Engine != nil {
		text = d.opts.Engine.Render(tmpl, r)
	} else {
		text = variation.Render(tmpl, r)
	}
	return model.Job{
		CampaignID:   c.ID,
		ContactID:    ct.ID,
		PhoneNumber:  ct.PhoneNumber,
		Message:      text,
		ImageURL:     c.ImageURL,
		Buttons:      buttons,
		SessionName:  sess.QueueName(),
		MessageIndex: index,
		BatchIndex:   index / BatchSize,
	}
}
