package rotation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Mutter0815/MassSender/internal/model"
	"github.com/Mutter0815/MassSender/internal/store/memstore"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func setup(t *testing.T, limit int) (*Manager, *memstore.Store, *clock) {
	t.Helper()
	st := memstore.New()
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	m := New(st, Config{JobLimit: limit, RestDuration: 6 * time.Hour}).WithClock(c.now)
	return m, st, c
}

func ptr(t time.Time) *time.Time { return &t }

func TestIsAvailable(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cases := []struct {
		name string
		s    model.Session
		want bool
	}{
		{"active", model.Session{Status: "WORKING"}, true},
		{"inactive", model.Session{Status: "stopped"}, false},
		{"limit", model.Session{Status: "ready", JobLimitReached: true}, false},
		{"resting", model.Session{Status: "ready", RestingUntil: ptr(now.Add(time.Minute))}, false},
		{"rest elapsed", model.Session{Status: "authenticated", RestingUntil: ptr(now.Add(-time.Minute))}, true},
	}
	for _, tc := range cases {
		if got := IsAvailable(tc.s, now); got != tc.want {
			t.Errorf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}

func TestBestAvailable_PicksLeastLoadedAndHonoursExclude(t *testing.T) {
	m, st, c := setup(t, 30)
	a := st.AddSession(model.Session{Name: "a", Status: "working", JobCount: 5})
	b := st.AddSession(model.Session{Name: "b", Status: "working", JobCount: 2})
	st.AddSession(model.Session{Name: "c", Status: "working", JobCount: 0, RestingUntil: ptr(c.t.Add(time.Hour))})
	st.AddSession(model.Session{Name: "d", Status: "stopped", JobCount: 0})
	st.AddSession(model.Session{Name: "e", Status: "ready", JobCount: 1, JobLimitReached: true, RestingUntil: ptr(c.t.Add(time.Hour))})

	best, err := m.BestAvailable(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if best == nil || best.ID != b.ID {
		t.Fatalf("want session b, got %+v", best)
	}

	best, err = m.BestAvailable(context.Background(), []int64{b.ID})
	if err != nil {
		t.Fatal(err)
	}
	if best == nil || best.ID != a.ID {
		t.Fatalf("want session a, got %+v", best)
	}

	best, err = m.BestAvailable(context.Background(), []int64{a.ID, b.ID})
	if err != nil {
		t.Fatal(err)
	}
	if best != nil {
		t.Fatalf("want nil, got %+v", best)
	}
}

func TestAllAvailable_AscendingJobCount(t *testing.T) {
	m, st, _ := setup(t, 30)
	st.AddSession(model.Session{Name: "a", Status: "working", JobCount: 9})
	st.AddSession(model.Session{Name: "b", Status: "working", JobCount: 1})
	st.AddSession(model.Session{Name: "c", Status: "ready", JobCount: 4})

	all, err := m.AllAvailable(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].Name != "b" || all[1].Name != "c" || all[2].Name != "a" {
		t.Fatalf("unexpected order %+v", all)
	}
}

func TestIncrementJobCount_ReachesLimitAndRests(t *testing.T) {
	m, st, c := setup(t, 3)
	s := st.AddSession(model.Session{Name: "a", Status: "working"})
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		reached, err := m.IncrementJobCount(ctx, s.ID)
		if err != nil || reached {
			t.Fatalf("increment %d: reached=%v err=%v", i, reached, err)
		}
	}
	reached, err := m.IncrementJobCount(ctx, s.ID)
	if err != nil || !reached {
		t.Fatalf("third increment: reached=%v err=%v", reached, err)
	}

	got, _ := st.GetSession(ctx, s.ID)
	if !got.JobLimitReached || got.RestingUntil == nil || !got.RestingUntil.After(c.t) {
		t.Fatalf("session not resting: %+v", got)
	}
	if got.JobCount != 3 || got.LastJobAt == nil {
		t.Fatalf("unexpected counters: %+v", got)
	}
}

func TestJobLimitScenario(t *testing.T) {
	m, st, c := setup(t, 30)
	s := st.AddSession(model.Session{Name: "a", Status: "working"})
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		best, err := m.BestAvailable(ctx, nil)
		if err != nil || best == nil || best.ID != s.ID {
			t.Fatalf("assignment %d: best=%+v err=%v", i+1, best, err)
		}
		if _, err := m.IncrementJobCount(ctx, s.ID); err != nil {
			t.Fatal(err)
		}
	}

	best, err := m.BestAvailable(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if best != nil {
		t.Fatalf("31st assignment should find no session, got %+v", best)
	}

	c.t = c.t.Add(5 * time.Hour)
	if best, _ := m.BestAvailable(ctx, nil); best != nil {
		t.Fatal("session reappeared before rest elapsed")
	}

	c.t = c.t.Add(time.Hour)
	best, err = m.BestAvailable(ctx, nil)
	if err != nil || best == nil || best.ID != s.ID {
		t.Fatalf("session should be available after rest, got %+v err=%v", best, err)
	}
	if best.JobCount != 0 || best.JobLimitReached {
		t.Fatalf("counters not reset: %+v", best)
	}
}

func TestResetRestedSessions_OnlyElapsed(t *testing.T) {
	m, st, c := setup(t, 30)
	ctx := context.Background()
	past := st.AddSession(model.Session{Name: "past", Status: "working", JobCount: 30, JobLimitReached: true, RestingUntil: ptr(c.t.Add(-time.Second))})
	future := st.AddSession(model.Session{Name: "future", Status: "working", JobCount: 30, JobLimitReached: true, RestingUntil: ptr(c.t.Add(time.Hour))})
	busy := st.AddSession(model.Session{Name: "busy", Status: "working", JobCount: 12})

	n, err := m.ResetRestedSessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("want 1 reset, got %d", n)
	}

	got, _ := st.GetSession(ctx, past.ID)
	if got.JobLimitReached || got.JobCount != 0 || got.RestingUntil != nil {
		t.Fatalf("past not reset: %+v", got)
	}
	got, _ = st.GetSession(ctx, future.ID)
	if !got.JobLimitReached || got.JobCount != 30 {
		t.Fatalf("future touched: %+v", got)
	}
	got, _ = st.GetSession(ctx, busy.ID)
	if got.JobCount != 12 {
		t.Fatalf("busy touched: %+v", got)
	}
}

func TestMarkUnavailable(t *testing.T) {
	m, st, _ := setup(t, 30)
	s := st.AddSession(model.Session{Name: "a", Status: "working"})
	if err := m.MarkUnavailable(context.Background(), s.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := st.GetSession(context.Background(), s.ID)
	if got.Status != model.SessionStopped {
		t.Fatalf("status=%s", got.Status)
	}
}

func TestStoreErrorsPropagate(t *testing.T) {
	m, st, _ := setup(t, 30)
	st.Fail = errors.New("db down")
	if _, err := m.BestAvailable(context.Background(), nil); !errors.Is(err, st.Fail) {
		t.Fatalf("want store error, got %v", err)
	}
	if _, err := m.IncrementJobCount(context.Background(), 1); !errors.Is(err, st.Fail) {
		t.Fatalf("want store error, got %v", err)
	}
}
