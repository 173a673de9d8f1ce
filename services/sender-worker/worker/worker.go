package worker

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Mutter0815/MassSender/internal/dispatch"
	"github.com/Mutter0815/MassSender/internal/gateway"
	"github.com/Mutter0815/MassSender/internal/model"
	"github.com/Mutter0815/MassSender/internal/notify"
	"github.com/Mutter0815/MassSender/internal/store"
	"github.com/Mutter0815/MassSender/pkg/logx"
	"github.com/Mutter0815/MassSender/pkg/metrics"
)

const slotKey = "slots:global"

type Store interface {
	ListSessions(ctx context.Context) ([]model.Session, error)
	GetSessionByName(ctx context.Context, name string) (model.Session, error)
	GetMessage(ctx context.Context, campaignID, contactID int64) (model.Message, error)
	FinishMessage(ctx context.Context, campaignID, contactID int64, o store.Outcome) (bool, error)
	AddCampaignCounts(ctx context.Context, id int64, sent, failed int) (model.Campaign, error)
}

type Sender interface {
	Send(ctx context.Context, session, phone string, content gateway.Content) (gateway.SendResult, error)
}

type Rotation interface {
	BestAvailable(ctx context.Context, exclude []int64) (*model.Session, error)
	IncrementJobCount(ctx context.Context, sessionID int64) (bool, error)
}

type Slots interface {
	Acquire(ctx context.Context, key string, limit int, ttl time.Duration) (string, error)
	ReleaseSlot(ctx context.Context, key, holder string) error
}

type Claims interface {
	Name(sessionName string) string
	Forget(ctx context.Context, sessionName, jobID string) error
}

type Source interface {
	Consume(queue string) (<-chan amqp.Delivery, error)
}

type Config struct {
	// GlobalConcurrency caps sends in flight across all workers. Zero
	// disables the cap.
	GlobalConcurrency int
	SlotTTL           time.Duration
	QueueRefresh      time.Duration
	OpTimeout         time.Duration
}

type Deps struct {
	Store    Store
	Gateway  Sender
	Rotation Rotation
	Slots    Slots
	Claims   Claims
	Source   Source
	Notifier *notify.Notifier
}

type Worker struct {
	Deps
	cfg   Config
	rnd   *rand.Rand
	rndMu sync.Mutex
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	mu        sync.Mutex
	consuming map[string]bool
	wg        sync.WaitGroup
}

func New(deps Deps, cfg Config) *Worker {
	if cfg.SlotTTL <= 0 {
		cfg.SlotTTL = 2 * time.Minute
	}
	if cfg.QueueRefresh <= 0 {
		cfg.QueueRefresh = 30 * time.Second
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 5 * time.Second
	}
	return &Worker{
		Deps:      deps,
		cfg:       cfg,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:     sleepCtx,
		now:       time.Now,
		consuming: make(map[string]bool),
	}
}

// Run consumes the shared queue and every session queue, picking up new
// sessions every QueueRefresh, until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.subscribe(ctx, ""); err != nil {
		return err
	}
	w.refresh(ctx)
	logx.L().Infow("worker_started", "queue", w.Claims.Name(""))

	ticker := time.NewTicker(w.cfg.QueueRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logx.L().Infow("worker_stopping")
			w.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			w.refresh(ctx)
		}
	}
}

func (w *Worker) refresh(ctx context.Context) {
	ctx1, cancel := context.WithTimeout(ctx, w.cfg.OpTimeout)
	sessions, err := w.Store.ListSessions(ctx1)
	cancel()
	if err != nil {
		logx.L().Warnw("worker_list_sessions_error", "error", err)
		return
	}
	for _, s := range sessions {
		if err := w.subscribe(ctx, s.QueueName()); err != nil {
			logx.L().Warnw("worker_subscribe_error", "session", s.QueueName(), "error", err)
		}
	}
}

func (w *Worker) subscribe(ctx context.Context, sessionName string) error {
	queue := w.Claims.Name(sessionName)
	w.mu.Lock()
	if w.consuming[queue] {
		w.mu.Unlock()
		return nil
	}
	w.consuming[queue] = true
	w.mu.Unlock()

	msgs, err := w.Source.Consume(queue)
	if err != nil {
		w.mu.Lock()
		delete(w.consuming, queue)
		w.mu.Unlock()
		return err
	}
	logx.L().Infow("queue_subscribed", "queue", queue)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.consume(ctx, queue, msgs)
	}()
	return nil
}

func (w *Worker) consume(ctx context.Context, queue string, msgs <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-msgs:
			if !ok {
				logx.L().Warnw("consumer_channel_closed", "queue", queue)
				w.mu.Lock()
				delete(w.consuming, queue)
				w.mu.Unlock()
				return
			}
			w.handle(ctx, d)
		}
	}
}

type action int

const (
	ack action = iota
	requeue
)

func (w *Worker) handle(ctx context.Context, d amqp.Delivery) {
	start := time.Now()
	metrics.WorkerJobsConsumed.Inc()
	switch w.process(ctx, d.Body) {
	case requeue:
		_ = d.Nack(false, true)
	default:
		_ = d.Ack(false)
	}
	metrics.WorkerProcessDuration.Observe(time.Since(start).Seconds())
}

// process runs one job and says what to do with the delivery. Persistence
// errors and shutdown requeue; everything else is settled on the message
// and acked.
func (w *Worker) process(ctx context.Context, body []byte) action {
	var job model.Job
	if err := json.Unmarshal(body, &job); err != nil {
		logx.L().Warnw("job_unmarshal_error", "error", err)
		return ack
	}
	fields := []any{
		"campaign_id", job.CampaignID,
		"contact_id", job.ContactID,
		"session", job.SessionName,
		"message_index", job.MessageIndex,
	}

	ctx1, cancel1 := context.WithTimeout(ctx, w.cfg.OpTimeout)
	msg, err := w.Store.GetMessage(ctx1, job.CampaignID, job.ContactID)
	cancel1()
	if errors.Is(err, store.ErrNotFound) {
		logx.L().Warnw("job_message_missing", fields...)
		return ack
	}
	if err != nil {
		logx.L().Errorw("db_get_message_error", append(fields, "error", err)...)
		return requeue
	}
	if msg.Status != model.MessagePending {
		w.skip(ctx, job, msg, fields, "not pending")
		return ack
	}

	sess, ok, act := w.session(ctx, job, fields)
	if !ok {
		return act
	}
	if msg.LastSessionID != nil && *msg.LastSessionID != sess.ID {
		w.skip(ctx, job, msg, fields, "moved to another session")
		return ack
	}

	if err := w.sleep(ctx, w.delay(job.MessageIndex)); err != nil {
		return requeue
	}

	if w.cfg.GlobalConcurrency > 0 {
		holder, err := w.acquireSlot(ctx)
		if err != nil {
			logx.L().Warnw("slot_acquire_error", append(fields, "error", err)...)
			return requeue
		}
		defer func() {
			ctx2, cancel2 := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.OpTimeout)
			defer cancel2()
			if err := w.Slots.ReleaseSlot(ctx2, slotKey, holder); err != nil {
				logx.L().Warnw("slot_release_error", "error", err)
			}
		}()
	}

	res, err := w.Gateway.Send(ctx, sess.QueueName(), job.PhoneNumber, gateway.Content{
		Text:     job.Message,
		ImageURL: job.ImageURL,
		Buttons:  job.Buttons,
	})
	switch {
	case err == nil:
		return w.sent(ctx, job, sess, res, fields)
	case ctx.Err() != nil:
		return requeue
	case errors.Is(err, gateway.ErrUnreachable):
		return w.park(ctx, job, sess.ID, err.Error(), fields)
	default:
		return w.failed(ctx, job, sess, err, fields)
	}
}

// session resolves the session a job runs on. Jobs from the shared queue
// take the best available session; with none the message is parked.
func (w *Worker) session(ctx context.Context, job model.Job, fields []any) (model.Session, bool, action) {
	ctx1, cancel := context.WithTimeout(ctx, w.cfg.OpTimeout)
	defer cancel()
	if job.SessionName == "" {
		best, err := w.Rotation.BestAvailable(ctx1, nil)
		if err != nil {
			logx.L().Errorw("db_best_session_error", append(fields, "error", err)...)
			return model.Session{}, false, requeue
		}
		if best == nil {
			return model.Session{}, false, w.park(ctx, job, 0, "no available session", fields)
		}
		return *best, true, ack
	}
	sess, err := w.Store.GetSessionByName(ctx1, job.SessionName)
	if errors.Is(err, store.ErrNotFound) {
		return model.Session{}, false, w.park(ctx, job, 0, "unknown session "+job.SessionName, fields)
	}
	if err != nil {
		logx.L().Errorw("db_get_session_error", append(fields, "error", err)...)
		return model.Session{}, false, requeue
	}
	return sess, true, ack
}

func (w *Worker) skip(ctx context.Context, job model.Job, msg model.Message, fields []any, reason string) {
	metrics.WorkerJobsSkipped.Inc()
	logx.L().Infow("job_skipped", append(fields, "status", msg.Status, "reason", reason)...)
	if msg.Status == model.MessagePending || msg.Status == model.MessageWaiting {
		w.forget(ctx, job)
	}
}

func (w *Worker) sent(ctx context.Context, job model.Job, sess model.Session, res gateway.SendResult, fields []any) action {
	sid := sess.ID
	ctx1, cancel := context.WithTimeout(ctx, w.cfg.OpTimeout)
	defer cancel()
	changed, err := w.Store.FinishMessage(ctx1, job.CampaignID, job.ContactID, store.Outcome{
		Status:      model.MessageSent,
		SessionID:   &sid,
		WAMessageID: res.MessageID,
		At:          w.now(),
	})
	if err != nil {
		logx.L().Errorw("db_mark_sent_error", append(fields, "error", err)...)
		return requeue
	}
	metrics.WorkerJobsSent.Inc()
	if !changed {
		return ack
	}

	if c, err := w.Store.AddCampaignCounts(ctx1, job.CampaignID, 1, 0); err != nil {
		logx.L().Errorw("db_campaign_counts_error", append(fields, "error", err)...)
	} else {
		w.Notifier.Campaign(ctx, notify.CampaignUpdateOf(c))
	}
	reached, err := w.Rotation.IncrementJobCount(ctx1, sess.ID)
	if err != nil {
		logx.L().Errorw("db_job_count_error", append(fields, "error", err)...)
	} else if reached {
		logx.L().Infow("session_job_limit_reached", "session", sess.QueueName())
	}

	w.Notifier.Message(ctx, notify.MessageUpdate{
		CampaignID:  job.CampaignID,
		ContactID:   job.ContactID,
		Status:      model.MessageSent,
		WAMessageID: res.MessageID,
	})
	logx.L().Infow("send_success", append(fields, "wa_message_id", res.MessageID)...)
	return ack
}

func (w *Worker) failed(ctx context.Context, job model.Job, sess model.Session, sendErr error, fields []any) action {
	metrics.WorkerJobsFailed.WithLabelValues("rejected").Inc()
	logx.L().Infow("send_failed", append(fields, "error", sendErr)...)

	sid := sess.ID
	ctx1, cancel := context.WithTimeout(ctx, w.cfg.OpTimeout)
	defer cancel()
	changed, err := w.Store.FinishMessage(ctx1, job.CampaignID, job.ContactID, store.Outcome{
		Status:    model.MessageFailed,
		SessionID: &sid,
		ErrorMsg:  sendErr.Error(),
		At:        w.now(),
	})
	if err != nil {
		logx.L().Errorw("db_mark_failed_error", append(fields, "error", err)...)
		return requeue
	}
	if !changed {
		return ack
	}
	// A resend puts failed messages back to pending under the same job id.
	w.forget(ctx, job)
	if c, err := w.Store.AddCampaignCounts(ctx1, job.CampaignID, 0, 1); err != nil {
		logx.L().Errorw("db_campaign_counts_error", append(fields, "error", err)...)
	} else {
		w.Notifier.Campaign(ctx, notify.CampaignUpdateOf(c))
	}
	w.Notifier.Message(ctx, notify.MessageUpdate{
		CampaignID: job.CampaignID,
		ContactID:  job.ContactID,
		Status:     model.MessageFailed,
		ErrorMsg:   sendErr.Error(),
	})
	return ack
}

// park leaves the message waiting for redistribution.
func (w *Worker) park(ctx context.Context, job model.Job, sessionID int64, reason string, fields []any) action {
	metrics.WorkerJobsFailed.WithLabelValues("unreachable").Inc()
	logx.L().Infow("send_parked", append(fields, "reason", reason)...)

	o := store.Outcome{Status: model.MessageWaiting, ErrorMsg: reason, At: w.now()}
	if sessionID != 0 {
		o.SessionID = &sessionID
	}
	ctx1, cancel := context.WithTimeout(ctx, w.cfg.OpTimeout)
	defer cancel()
	changed, err := w.Store.FinishMessage(ctx1, job.CampaignID, job.ContactID, o)
	if err != nil {
		logx.L().Errorw("db_mark_waiting_error", append(fields, "error", err)...)
		return requeue
	}
	w.forget(ctx, job)
	if changed {
		w.Notifier.Message(ctx, notify.MessageUpdate{
			CampaignID: job.CampaignID,
			ContactID:  job.ContactID,
			Status:     model.MessageWaiting,
			ErrorMsg:   reason,
		})
	}
	return ack
}

// forget frees the job id so redistribution can issue it again.
func (w *Worker) forget(ctx context.Context, job model.Job) {
	ctx1, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.OpTimeout)
	defer cancel()
	if err := w.Claims.Forget(ctx1, job.SessionName, job.ID()); err != nil {
		logx.L().Warnw("job_claim_forget_error", "job_id", job.ID(), "error", err)
	}
}

func (w *Worker) delay(index int) time.Duration {
	w.rndMu.Lock()
	defer w.rndMu.Unlock()
	return dispatch.Delay(index, w.rnd)
}

// acquireSlot waits for a free global slot, backing off between tries.
func (w *Worker) acquireSlot(ctx context.Context) (string, error) {
	for attempt := 1; ; attempt++ {
		ctx1, cancel := context.WithTimeout(ctx, w.cfg.OpTimeout)
		holder, err := w.Slots.Acquire(ctx1, slotKey, w.cfg.GlobalConcurrency, w.cfg.SlotTTL)
		cancel()
		if err != nil {
			return "", err
		}
		if holder != "" {
			return holder, nil
		}
		if err := w.sleep(ctx, backoffDelay(attempt)); err != nil {
			return "", err
		}
	}
}

func backoffDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	sec := math.Min(math.Pow(2, float64(attempt-1)), 8)
	return time.Duration(sec * float64(time.Second))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
