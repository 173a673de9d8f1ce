package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Mutter0815/MassSender/internal/dispatch"
	"github.com/Mutter0815/MassSender/internal/gateway"
	"github.com/Mutter0815/MassSender/internal/model"
	"github.com/Mutter0815/MassSender/internal/queue"
	"github.com/Mutter0815/MassSender/internal/rotation"
	"github.com/Mutter0815/MassSender/internal/store/memstore"
)

type sendCall struct {
	session, phone string
	content        gateway.Content
}

type fakeGateway struct {
	mu    sync.Mutex
	calls []sendCall
	err   error
}

func (g *fakeGateway) Send(ctx context.Context, session, phone string, content gateway.Content) (gateway.SendResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, sendCall{session, phone, content})
	if g.err != nil {
		return gateway.SendResult{}, g.err
	}
	return gateway.SendResult{MessageID: "wamid-1"}, nil
}

type fakeSlots struct {
	busy     int
	acquired int
	released int
}

func (s *fakeSlots) Acquire(ctx context.Context, key string, limit int, ttl time.Duration) (string, error) {
	if s.busy > 0 {
		s.busy--
		return "", nil
	}
	s.acquired++
	return fmt.Sprintf("holder-%d", s.acquired), nil
}

func (s *fakeSlots) ReleaseSlot(ctx context.Context, key, holder string) error {
	s.released++
	return nil
}

type fakeClaims struct {
	mu        sync.Mutex
	forgotten []string
}

func (c *fakeClaims) Name(sessionName string) string {
	if sessionName == "" {
		return "send_jobs"
	}
	return "send_jobs." + sessionName
}

func (c *fakeClaims) Forget(ctx context.Context, sessionName, jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forgotten = append(c.forgotten, sessionName+"/"+jobID)
	return nil
}

type fakeSource struct {
	mu     sync.Mutex
	queues []string
}

func (s *fakeSource) Consume(queue string) (<-chan amqp.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues = append(s.queues, queue)
	return make(chan amqp.Delivery), nil
}

type env struct {
	w      *Worker
	st     *memstore.Store
	gw     *fakeGateway
	slots  *fakeSlots
	claims *fakeClaims
	slept  []time.Duration
}

func setup(t *testing.T, cfg Config) *env {
	t.Helper()
	e := &env{
		st:     memstore.New(),
		gw:     &fakeGateway{},
		slots:  &fakeSlots{},
		claims: &fakeClaims{},
	}
	rot := rotation.New(e.st, rotation.Config{JobLimit: 2, RestDuration: time.Hour})
	e.w = New(Deps{
		Store:    e.st,
		Gateway:  e.gw,
		Rotation: rot,
		Slots:    e.slots,
		Claims:   e.claims,
		Source:   &fakeSource{},
	}, cfg)
	e.w.sleep = func(ctx context.Context, d time.Duration) error {
		e.slept = append(e.slept, d)
		return ctx.Err()
	}
	return e
}

type fixture struct {
	sess     model.Session
	campaign model.Campaign
	contact  model.Contact
	msg      model.Message
}

func (e *env) seed(status string, lastSession *int64) fixture {
	sess := e.st.AddSession(model.Session{Name: "alpha", Status: "working"})
	c := e.st.AddCampaign(model.Campaign{Message: "hi", Status: model.CampaignSending, TotalContacts: 1, SessionID: &sess.ID})
	ct := e.st.AddContact(model.Contact{PhoneNumber: "62811"})
	m := e.st.AddMessage(model.Message{CampaignID: c.ID, ContactID: ct.ID, Status: status, LastSessionID: lastSession})
	return fixture{sess, c, ct, m}
}

func body(t *testing.T, j model.Job) []byte {
	t.Helper()
	b, err := json.Marshal(j)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func (f fixture) job(index int) model.Job {
	return model.Job{
		CampaignID:   f.campaign.ID,
		ContactID:    f.contact.ID,
		PhoneNumber:  f.contact.PhoneNumber,
		Message:      "hi there",
		Buttons:      []model.Button{{Label: "Shop", URL: "https://x"}},
		SessionName:  "alpha",
		MessageIndex: index,
	}
}

func TestProcess_SendsAndRecords(t *testing.T) {
	e := setup(t, Config{})
	f := e.seed(model.MessagePending, nil)
	ctx := context.Background()

	if got := e.w.process(ctx, body(t, f.job(0))); got != ack {
		t.Fatalf("want ack, got %v", got)
	}
	if len(e.gw.calls) != 1 || e.gw.calls[0].session != "alpha" || len(e.gw.calls[0].content.Buttons) != 1 {
		t.Fatalf("unexpected gateway calls %+v", e.gw.calls)
	}
	if len(e.slept) != 1 || e.slept[0] != 0 {
		t.Fatalf("first message should not wait, slept %v", e.slept)
	}

	m, _ := e.st.GetMessage(ctx, f.campaign.ID, f.contact.ID)
	if m.Status != model.MessageSent || m.WAMessageID != "wamid-1" || m.SentAt == nil {
		t.Fatalf("message %+v", m)
	}
	c, _ := e.st.GetCampaign(ctx, f.campaign.ID)
	if c.SentCount != 1 || c.Status != model.CampaignSent {
		t.Fatalf("campaign %+v", c)
	}
	s, _ := e.st.GetSession(ctx, f.sess.ID)
	if s.JobCount != 1 {
		t.Fatalf("job count %d", s.JobCount)
	}

	// A redelivered job must not send twice.
	if got := e.w.process(ctx, body(t, f.job(0))); got != ack || len(e.gw.calls) != 1 {
		t.Fatalf("redelivery sent again: action=%v calls=%d", got, len(e.gw.calls))
	}
}

func TestProcess_PacesLaterMessages(t *testing.T) {
	e := setup(t, Config{})
	f := e.seed(model.MessagePending, nil)

	e.w.process(context.Background(), body(t, f.job(10)))
	if len(e.slept) != 1 || e.slept[0] < 15*time.Second || e.slept[0] > 30*time.Second {
		t.Fatalf("tenth message should take a long pause, slept %v", e.slept)
	}
}

func TestProcess_SkipsJobOwnedByAnotherSession(t *testing.T) {
	e := setup(t, Config{})
	other := int64(999)
	f := e.seed(model.MessagePending, &other)

	if got := e.w.process(context.Background(), body(t, f.job(0))); got != ack {
		t.Fatalf("want ack, got %v", got)
	}
	if len(e.gw.calls) != 0 {
		t.Fatal("stale job was sent")
	}
	if len(e.claims.forgotten) != 1 {
		t.Fatalf("claim not released: %v", e.claims.forgotten)
	}
}

func TestProcess_SkipsWaitingMessage(t *testing.T) {
	e := setup(t, Config{})
	f := e.seed(model.MessageWaiting, nil)

	if got := e.w.process(context.Background(), body(t, f.job(0))); got != ack || len(e.gw.calls) != 0 {
		t.Fatalf("waiting message processed: action=%v calls=%d", got, len(e.gw.calls))
	}
}

func TestProcess_UnreachableParksMessage(t *testing.T) {
	e := setup(t, Config{})
	f := e.seed(model.MessagePending, nil)
	e.gw.err = errors.Join(gateway.ErrUnreachable, errors.New("dial tcp: refused"))

	if got := e.w.process(context.Background(), body(t, f.job(0))); got != ack {
		t.Fatalf("want ack, got %v", got)
	}
	m, _ := e.st.GetMessage(context.Background(), f.campaign.ID, f.contact.ID)
	if m.Status != model.MessageWaiting || m.ErrorMsg == "" || m.LastAttemptAt == nil {
		t.Fatalf("message %+v", m)
	}
	c, _ := e.st.GetCampaign(context.Background(), f.campaign.ID)
	if c.FailedCount != 0 {
		t.Fatal("unreachable counted as failure")
	}
	if len(e.claims.forgotten) != 1 {
		t.Fatal("claim kept for parked message")
	}
}

func TestProcess_RejectionFailsMessage(t *testing.T) {
	e := setup(t, Config{})
	f := e.seed(model.MessagePending, nil)
	e.gw.err = &gateway.RejectedError{StatusCode: 422, Message: "invalid number"}

	if got := e.w.process(context.Background(), body(t, f.job(0))); got != ack {
		t.Fatalf("want ack, got %v", got)
	}
	m, _ := e.st.GetMessage(context.Background(), f.campaign.ID, f.contact.ID)
	if m.Status != model.MessageFailed || m.RetryCount != 1 {
		t.Fatalf("message %+v", m)
	}
	c, _ := e.st.GetCampaign(context.Background(), f.campaign.ID)
	if c.FailedCount != 1 || c.Status != model.CampaignSent {
		t.Fatalf("campaign %+v", c)
	}
	s, _ := e.st.GetSession(context.Background(), f.sess.ID)
	if s.JobCount != 0 {
		t.Fatal("failed send counted against the session")
	}
	if len(e.claims.forgotten) != 1 {
		t.Fatalf("claim kept for failed message: %v", e.claims.forgotten)
	}
}

type captureQueue struct{ jobs []model.Job }

func (q *captureQueue) Enqueue(ctx context.Context, job model.Job, opts queue.Options) (bool, error) {
	q.jobs = append(q.jobs, job)
	return true, nil
}

func TestProcess_ResendOnAnotherSessionDelivers(t *testing.T) {
	e := setup(t, Config{})
	ctx := context.Background()
	alpha := e.st.AddSession(model.Session{Name: "alpha", Status: "working"})
	beta := e.st.AddSession(model.Session{Name: "beta", Status: "working"})
	c := e.st.AddCampaign(model.Campaign{Message: "hi", Status: model.CampaignSending, TotalContacts: 1, FailedCount: 1, SessionID: &alpha.ID})
	ct := e.st.AddContact(model.Contact{PhoneNumber: "62811"})
	e.st.AddMessage(model.Message{CampaignID: c.ID, ContactID: ct.ID, Status: model.MessageFailed, ErrorMsg: "invalid", LastSessionID: &beta.ID})

	q := &captureQueue{}
	rot := rotation.New(e.st, rotation.Config{JobLimit: 30, RestDuration: time.Hour})
	d := dispatch.New(e.st, q, rot, nil, dispatch.Options{})
	if _, err := d.SendCampaign(ctx, c.ID, nil); err != nil {
		t.Fatal(err)
	}
	if len(q.jobs) != 1 || q.jobs[0].SessionName != "alpha" {
		t.Fatalf("jobs %+v", q.jobs)
	}

	if got := e.w.process(ctx, body(t, q.jobs[0])); got != ack {
		t.Fatalf("want ack, got %v", got)
	}
	if len(e.gw.calls) != 1 || e.gw.calls[0].session != "alpha" {
		t.Fatalf("gateway calls %+v", e.gw.calls)
	}
	m, _ := e.st.GetMessage(ctx, c.ID, ct.ID)
	if m.Status != model.MessageSent {
		t.Fatalf("message %+v", m)
	}
	got, _ := e.st.GetCampaign(ctx, c.ID)
	if got.Status != model.CampaignSent || got.SentCount != 1 || got.FailedCount != 0 || got.TotalContacts != 1 {
		t.Fatalf("campaign %+v", got)
	}
}

func TestProcess_StoreErrorRequeues(t *testing.T) {
	e := setup(t, Config{})
	f := e.seed(model.MessagePending, nil)
	e.st.Fail = errors.New("db down")

	if got := e.w.process(context.Background(), body(t, f.job(0))); got != requeue {
		t.Fatalf("want requeue, got %v", got)
	}
}

func TestProcess_BadPayloadDropped(t *testing.T) {
	e := setup(t, Config{})
	if got := e.w.process(context.Background(), []byte("{")); got != ack {
		t.Fatalf("want ack, got %v", got)
	}
}

func TestProcess_WaitsForGlobalSlot(t *testing.T) {
	e := setup(t, Config{GlobalConcurrency: 1})
	f := e.seed(model.MessagePending, nil)
	e.slots.busy = 2

	if got := e.w.process(context.Background(), body(t, f.job(0))); got != ack {
		t.Fatalf("want ack, got %v", got)
	}
	if e.slots.acquired != 1 || e.slots.released != 1 {
		t.Fatalf("slot acquired=%d released=%d", e.slots.acquired, e.slots.released)
	}
	// pacing sleep plus two backoffs
	if len(e.slept) != 3 || e.slept[1] != time.Second || e.slept[2] != 2*time.Second {
		t.Fatalf("unexpected sleeps %v", e.slept)
	}
}

func TestProcess_SharedQueueWithoutSessionParks(t *testing.T) {
	e := setup(t, Config{})
	f := e.seed(model.MessagePending, nil)
	_ = e.st.UpdateSessionStatus(context.Background(), f.sess.ID, model.SessionStopped)
	job := f.job(0)
	job.SessionName = ""

	if got := e.w.process(context.Background(), body(t, job)); got != ack {
		t.Fatalf("want ack, got %v", got)
	}
	m, _ := e.st.GetMessage(context.Background(), f.campaign.ID, f.contact.ID)
	if m.Status != model.MessageWaiting {
		t.Fatalf("status %s", m.Status)
	}
}

func TestRun_SubscribesSessionQueues(t *testing.T) {
	e := setup(t, Config{QueueRefresh: time.Hour})
	e.st.AddSession(model.Session{Name: "alpha", Status: "working"})
	e.st.AddSession(model.Session{Name: "beta", ExternalName: "beta-ext", Status: "stopped"})
	src := e.w.Source.(*fakeSource)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.w.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		src.mu.Lock()
		n := len(src.queues)
		src.mu.Unlock()
		if n == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("queues %v", src.queues)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run returned %v", err)
	}

	want := map[string]bool{"send_jobs": true, "send_jobs.alpha": true, "send_jobs.beta-ext": true}
	for _, q := range src.queues {
		if !want[q] {
			t.Fatalf("unexpected queue %s", q)
		}
	}
}

func TestBackoffDelay(t *testing.T) {
	if backoffDelay(0) != 0 || backoffDelay(1) != time.Second || backoffDelay(3) != 4*time.Second || backoffDelay(10) != 8*time.Second {
		t.Fatal("unexpected backoff")
	}
}
