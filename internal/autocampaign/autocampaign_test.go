package autocampaign

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Mutter0815/MassSender/internal/dispatch"
	"github.com/Mutter0815/MassSender/internal/model"
	"github.com/Mutter0815/MassSender/internal/rotation"
	"github.com/Mutter0815/MassSender/internal/store/memstore"
)

type call struct {
	campaignID, sessionID int64
}

type fakeSender struct {
	calls []call
	fail  map[int64]error
}

func (f *fakeSender) SendCampaignOn(ctx context.Context, campaignID, sessionID int64, contactIDs []int64) (*dispatch.SendResult, error) {
	f.calls = append(f.calls, call{campaignID, sessionID})
	if err := f.fail[sessionID]; err != nil {
		return nil, err
	}
	return &dispatch.SendResult{CampaignID: campaignID, SessionID: sessionID, Enqueued: 3}, nil
}

func setup(t *testing.T) (*Scheduler, *memstore.Store, *fakeSender, *[]time.Duration) {
	t.Helper()
	st := memstore.New()
	snd := &fakeSender{fail: map[int64]error{}}
	rot := rotation.New(st, rotation.Config{})
	s := New(st, rot, snd, nil, Config{MaxPool: 5, Delay: time.Minute})
	var slept []time.Duration
	s.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return s, st, snd, &slept
}

func TestRunOnce_OneDraftPerActiveSession(t *testing.T) {
	s, st, snd, slept := setup(t)
	a := st.AddSession(model.Session{Name: "a", Status: "working"})
	b := st.AddSession(model.Session{Name: "b", Status: "ready"})
	st.AddSession(model.Session{Name: "off", Status: "stopped"})
	c1 := st.AddCampaign(model.Campaign{Name: "one", Message: "x"})
	c2 := st.AddCampaign(model.Campaign{Name: "two", Message: "x"})
	st.AddCampaign(model.Campaign{Name: "three", Message: "x"})

	res, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.ActiveSessions != 2 || len(res.Campaigns) != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Campaigns[0].CampaignID != c1.ID || res.Campaigns[0].SessionID != a.ID || !res.Campaigns[0].OK {
		t.Fatalf("first %+v", res.Campaigns[0])
	}
	if res.Campaigns[1].CampaignID != c2.ID || res.Campaigns[1].SessionID != b.ID {
		t.Fatalf("second %+v", res.Campaigns[1])
	}
	if len(*slept) != 1 || (*slept)[0] != time.Minute {
		t.Fatalf("want one delay between campaigns, got %v", *slept)
	}
	if len(snd.calls) != 2 {
		t.Fatalf("calls %+v", snd.calls)
	}
}

func TestRunOnce_FailsOverToNextSession(t *testing.T) {
	s, st, snd, _ := setup(t)
	a := st.AddSession(model.Session{Name: "a", Status: "working"})
	b := st.AddSession(model.Session{Name: "b", Status: "working"})
	c := st.AddCampaign(model.Campaign{Message: "x"})
	snd.fail[a.ID] = dispatch.ErrSessionInactive

	res, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	out := res.Campaigns[0]
	if !out.OK || out.SessionID != b.ID || out.Attempts != 2 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	got, _ := st.GetCampaign(context.Background(), c.ID)
	if got.Status == model.CampaignFailed {
		t.Fatal("campaign marked failed after successful failover")
	}
}

func TestRunOnce_AllSessionsFailMarksFailed(t *testing.T) {
	s, st, snd, _ := setup(t)
	a := st.AddSession(model.Session{Name: "a", Status: "working"})
	b := st.AddSession(model.Session{Name: "b", Status: "working"})
	c := st.AddCampaign(model.Campaign{Message: "x"})
	snd.fail[a.ID] = errors.New("broker down")
	snd.fail[b.ID] = errors.New("broker down")

	res, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	out := res.Campaigns[0]
	if out.OK || out.Attempts != 2 || out.Error == "" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if len(snd.calls) != 2 {
		t.Fatalf("each session should be tried once, calls=%+v", snd.calls)
	}
	got, _ := st.GetCampaign(context.Background(), c.ID)
	if got.Status != model.CampaignFailed {
		t.Fatalf("status %s", got.Status)
	}
}

func TestRunOnce_CampaignErrorsDoNotFailOver(t *testing.T) {
	s, st, snd, _ := setup(t)
	a := st.AddSession(model.Session{Name: "a", Status: "working"})
	st.AddSession(model.Session{Name: "b", Status: "working"})
	st.AddCampaign(model.Campaign{Message: "x"})
	snd.fail[a.ID] = dispatch.ErrNoContacts

	res, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if out := res.Campaigns[0]; out.OK || out.Attempts != 1 {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestRunOnce_NoActiveSessions(t *testing.T) {
	s, st, snd, _ := setup(t)
	st.AddSession(model.Session{Name: "a", Status: "stopped"})
	st.AddCampaign(model.Campaign{Message: "x"})

	res, err := s.RunOnce(context.Background())
	if err != nil || len(res.Campaigns) != 0 || len(snd.calls) != 0 {
		t.Fatalf("res=%+v err=%v", res, err)
	}
}

func TestRunOnce_CancelledBetweenCampaigns(t *testing.T) {
	s, st, snd, _ := setup(t)
	st.AddSession(model.Session{Name: "a", Status: "working"})
	st.AddSession(model.Session{Name: "b", Status: "working"})
	st.AddCampaign(model.Campaign{Message: "x"})
	st.AddCampaign(model.Campaign{Message: "x"})

	ctx, cancel := context.WithCancel(context.Background())
	s.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}
	res, err := s.RunOnce(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want cancellation, got %v", err)
	}
	if len(res.Campaigns) != 1 || len(snd.calls) != 1 {
		t.Fatalf("second campaign should not start: %+v", res)
	}
}

func TestSleepCtx(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepCtx(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v", err)
	}
	if err := sleepCtx(context.Background(), time.Millisecond); err != nil {
		t.Fatal(err)
	}
}
