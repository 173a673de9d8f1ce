package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/Mutter0815/MassSender/internal/autocampaign"
	"github.com/Mutter0815/MassSender/internal/dispatch"
	"github.com/Mutter0815/MassSender/internal/gateway"
	"github.com/Mutter0815/MassSender/internal/model"
	"github.com/Mutter0815/MassSender/internal/notify"
	"github.com/Mutter0815/MassSender/internal/recovery"
	"github.com/Mutter0815/MassSender/internal/store"
	"github.com/Mutter0815/MassSender/internal/store/memstore"
	"github.com/Mutter0815/MassSender/internal/variation"
)

func init() { gin.SetMode(gin.TestMode) }

type fakeSender struct {
	got []int64
	res *dispatch.SendResult
	err error
}

func (f *fakeSender) SendCampaign(ctx context.Context, campaignID int64, contactIDs []int64) (*dispatch.SendResult, error) {
	f.got = contactIDs
	if f.err != nil {
		return nil, f.err
	}
	if f.res != nil {
		return f.res, nil
	}
	return &dispatch.SendResult{CampaignID: campaignID, TotalContacts: len(contactIDs), Enqueued: len(contactIDs)}, nil
}

type fakeRecovery struct{ res recovery.Result }

func (f *fakeRecovery) RecoverFailedCampaigns(ctx context.Context) (recovery.Result, error) {
	return f.res, nil
}

type fakeRedist struct{ n int }

func (f *fakeRedist) Redistribute(ctx context.Context) (int, error) { return f.n, nil }

type fakeAuto struct{}

func (fakeAuto) RunOnce(ctx context.Context) (*autocampaign.RunResult, error) {
	return &autocampaign.RunResult{ActiveSessions: 2}, nil
}

type fakeSessions struct{ out []model.Session }

func (f *fakeSessions) AllAvailable(ctx context.Context) ([]model.Session, error) { return f.out, nil }

type fakeGateway struct {
	started []string
	err     error
}

func (g *fakeGateway) StartSession(ctx context.Context, name string) error {
	g.started = append(g.started, name)
	return g.err
}

func (g *fakeGateway) StopSession(ctx context.Context, name string) error { return g.err }

func (g *fakeGateway) QRCode(ctx context.Context, name string) (string, error) {
	return "qr-" + name, g.err
}

type recordSink struct{ events []notify.Event }

func (s *recordSink) Publish(ctx context.Context, ev notify.Event) { s.events = append(s.events, ev) }

type fixture struct {
	h      *Handlers
	st     *memstore.Store
	sender *fakeSender
	gw     *fakeGateway
	sink   *recordSink
	srv    http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		st:     memstore.New(),
		sender: &fakeSender{},
		gw:     &fakeGateway{},
		sink:   &recordSink{},
	}
	f.h = &Handlers{
		Store:    f.st,
		Sender:   f.sender,
		Recovery: &fakeRecovery{res: recovery.Result{OK: true}},
		Redist:   &fakeRedist{n: 3},
		Auto:     fakeAuto{},
		Sessions: &fakeSessions{},
		Gateway:  f.gw,
		Notifier: notify.New(f.sink),
		Render:   func(tpl string, r variation.Recipient) string { return variation.ReplacePlaceholders(tpl, r) },
	}
	f.srv = NewHTTPServer(":0", f.h).Handler
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	f.srv.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %s: %v", rr.Body.String(), err)
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("request id header missing")
	}
}

func TestSendCampaign_OK(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodPost, "/campaigns/7/send", `{"contactIds":[1,2,3]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	var res dispatch.SendResult
	decode(t, rr, &res)
	if res.CampaignID != 7 || res.Enqueued != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(f.sender.got) != 3 {
		t.Fatalf("contact ids not passed: %v", f.sender.got)
	}
}

func TestSendCampaign_NoBodySendsToAll(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodPost, "/campaigns/7/send", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	if f.sender.got != nil {
		t.Fatalf("want nil contact ids, got %v", f.sender.got)
	}
}

func TestSendCampaign_ErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{dispatch.ErrSessionInactive, http.StatusConflict},
		{dispatch.ErrNoSession, http.StatusConflict},
		{dispatch.ErrCampaignState, http.StatusConflict},
		{dispatch.ErrEmptyContent, http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: button 1", dispatch.ErrInvalidCampaign), http.StatusUnprocessableEntity},
		{dispatch.ErrNoContacts, http.StatusUnprocessableEntity},
		{fmt.Errorf("load campaign 7: %w", store.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("enqueue: channel closed"), http.StatusBadGateway},
	}
	for _, tc := range cases {
		f := newFixture(t)
		f.sender.err = tc.err
		rr := f.do(t, http.MethodPost, "/campaigns/7/send", "")
		if rr.Code != tc.want {
			t.Errorf("%v: got %d want %d", tc.err, rr.Code, tc.want)
		}
	}
}

func TestSendCampaign_BadID(t *testing.T) {
	f := newFixture(t)
	if rr := f.do(t, http.MethodPost, "/campaigns/abc/send", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("got %d", rr.Code)
	}
}

func TestValidateTemplate(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodPost, "/campaigns/validate", `{"message":"{Hi|Hello} {{name}}","variants":["ok","{broken"]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	var out struct {
		Valid  bool            `json:"valid"`
		Issues []templateIssue `json:"issues"`
	}
	decode(t, rr, &out)
	if out.Valid || len(out.Issues) != 1 {
		t.Fatalf("unexpected %+v", out)
	}
	if out.Issues[0].Field != "variants[1]" || out.Issues[0].Position != 0 {
		t.Fatalf("unexpected issue %+v", out.Issues[0])
	}
}

func TestPreviewCampaign(t *testing.T) {
	f := newFixture(t)
	c := f.st.AddCampaign(model.Campaign{Name: "promo", Variants: []string{"Hi {{name}}"}, Status: model.CampaignDraft,
		Buttons: []model.Button{{Label: "Shop", URL: "https://shop.example"}}})
	ct := f.st.AddContact(model.Contact{Name: "Ana", PhoneNumber: "62811"})

	rr := f.do(t, http.MethodPost, fmt.Sprintf("/campaigns/%d/preview", c.ID), fmt.Sprintf(`{"contactId":%d}`, ct.ID))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	var out struct {
		Message string         `json:"message"`
		Buttons []model.Button `json:"buttons"`
	}
	decode(t, rr, &out)
	if out.Message != "Hi Ana" || len(out.Buttons) != 1 {
		t.Fatalf("unexpected preview %+v", out)
	}

	rr = f.do(t, http.MethodPost, fmt.Sprintf("/campaigns/%d/preview", c.ID), "")
	decode(t, rr, &out)
	if out.Message != "Hi Sample" {
		t.Fatalf("sample preview %q", out.Message)
	}

	if rr := f.do(t, http.MethodPost, "/campaigns/999/preview", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("missing campaign: %d", rr.Code)
	}
}

func TestPreviewCampaign_EmptyContent(t *testing.T) {
	f := newFixture(t)
	c := f.st.AddCampaign(model.Campaign{Name: "empty", Status: model.CampaignDraft})
	if rr := f.do(t, http.MethodPost, fmt.Sprintf("/campaigns/%d/preview", c.ID), ""); rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("got %d", rr.Code)
	}
}

func TestBackgroundTriggers(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/recovery/run", "")
	var rec recovery.Result
	decode(t, rr, &rec)
	if rr.Code != http.StatusOK || !rec.OK {
		t.Fatalf("recovery: %d %s", rr.Code, rr.Body.String())
	}

	rr = f.do(t, http.MethodPost, "/redistribute", "")
	var red struct {
		Redistributed int `json:"redistributed"`
	}
	decode(t, rr, &red)
	if red.Redistributed != 3 {
		t.Fatalf("redistribute: %s", rr.Body.String())
	}

	rr = f.do(t, http.MethodPost, "/auto-campaign/run", "")
	var auto autocampaign.RunResult
	decode(t, rr, &auto)
	if auto.ActiveSessions != 2 {
		t.Fatalf("auto: %s", rr.Body.String())
	}
}

func TestAvailableSessions_EmptyIsArray(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodGet, "/sessions/available", "")
	if rr.Code != http.StatusOK || strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
}

func TestSessionPassthrough(t *testing.T) {
	f := newFixture(t)
	s := f.st.AddSession(model.Session{Name: "alpha", ExternalName: "wa-alpha", Status: model.SessionStopped})

	rr := f.do(t, http.MethodPost, fmt.Sprintf("/sessions/%d/start", s.ID), "")
	if rr.Code != http.StatusOK || len(f.gw.started) != 1 || f.gw.started[0] != "wa-alpha" {
		t.Fatalf("start: %d %v", rr.Code, f.gw.started)
	}

	rr = f.do(t, http.MethodGet, fmt.Sprintf("/sessions/%d/qr", s.ID), "")
	if !strings.Contains(rr.Body.String(), "qr-wa-alpha") {
		t.Fatalf("qr: %s", rr.Body.String())
	}

	f.gw.err = gateway.ErrUnreachable
	if rr := f.do(t, http.MethodPost, fmt.Sprintf("/sessions/%d/stop", s.ID), ""); rr.Code != http.StatusBadGateway {
		t.Fatalf("stop unreachable: %d", rr.Code)
	}
	f.gw.err = &gateway.RejectedError{StatusCode: 422, Message: "session already stopped"}
	if rr := f.do(t, http.MethodPost, fmt.Sprintf("/sessions/%d/stop", s.ID), ""); rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("stop rejected: %d", rr.Code)
	}

	if rr := f.do(t, http.MethodPost, "/sessions/999/start", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown session: %d", rr.Code)
	}
}

func TestWebhook_SessionStatus(t *testing.T) {
	f := newFixture(t)
	s := f.st.AddSession(model.Session{Name: "alpha", Status: model.SessionStarting})

	rr := f.do(t, http.MethodPost, "/webhooks/gateway", `{"event":"session.status","session":"alpha","payload":{"status":"WORKING"}}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	got, _ := f.st.GetSession(context.Background(), s.ID)
	if got.Status != model.SessionWorking {
		t.Fatalf("status not stored: %s", got.Status)
	}
	if len(f.sink.events) != 1 || f.sink.events[0].Type != notify.EventSession {
		t.Fatalf("unexpected events %+v", f.sink.events)
	}

	rr = f.do(t, http.MethodPost, "/webhooks/gateway", `{"event":"session.status","session":"ghost","payload":{"status":"WORKING"}}`)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "ignored") {
		t.Fatalf("unknown session: %d %s", rr.Code, rr.Body.String())
	}
}

func TestWebhook_MessageAck(t *testing.T) {
	f := newFixture(t)
	c := f.st.AddCampaign(model.Campaign{Name: "promo", Message: "hi", Status: model.CampaignSending})
	ct := f.st.AddContact(model.Contact{PhoneNumber: "62811"})
	f.st.AddMessage(model.Message{CampaignID: c.ID, ContactID: ct.ID, Status: model.MessageSent, WAMessageID: "wamid-9"})

	rr := f.do(t, http.MethodPost, "/webhooks/gateway", `{"event":"message.ack","payload":{"id":"wamid-9","ack":2}}`)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), model.MessageDelivered) {
		t.Fatalf("ack 2: %d %s", rr.Code, rr.Body.String())
	}
	rr = f.do(t, http.MethodPost, "/webhooks/gateway", `{"event":"message.ack","payload":{"id":"wamid-9","ack":3}}`)
	if !strings.Contains(rr.Body.String(), model.MessageRead) {
		t.Fatalf("ack 3: %s", rr.Body.String())
	}

	msgs := f.st.Messages(c.ID)
	if len(msgs) != 1 || msgs[0].Status != model.MessageRead || msgs[0].DeliveredAt == nil {
		t.Fatalf("message not advanced: %+v", msgs)
	}
	if len(f.sink.events) != 2 || f.sink.events[1].Type != notify.EventMessage {
		t.Fatalf("unexpected events %+v", f.sink.events)
	}

	// Ack 1 (server received) and unknown ids are ignored.
	for _, body := range []string{
		`{"event":"message.ack","payload":{"id":"wamid-9","ack":1}}`,
		`{"event":"message.ack","payload":{"id":"nope","ack":3}}`,
		`{"event":"engine.event"}`,
	} {
		rr := f.do(t, http.MethodPost, "/webhooks/gateway", body)
		if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "ignored") {
			t.Fatalf("%s: %d %s", body, rr.Code, rr.Body.String())
		}
	}
}

func TestAckStatus(t *testing.T) {
	cases := map[int]string{0: "", 1: "", 2: model.MessageDelivered, 3: model.MessageRead, 4: model.MessageRead}
	for ack, want := range cases {
		if got := ackStatus(ack); got != want {
			t.Errorf("ack %d: got %q want %q", ack, got, want)
		}
	}
}
