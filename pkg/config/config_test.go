package config

import (
	"testing"
	"time"
)

func TestMustLoadAPI_Defaults(t *testing.T) {
	t.Setenv("DB_DSN", "postgres://x")
	t.Setenv("RMQ_URL", "amqp://x")
	t.Setenv("GATEWAY_URL", "http://gw")

	MustLoadAPI()

	if API.Port != "8080" || API.Queue != "send_jobs" {
		t.Fatalf("unexpected defaults: %+v", API)
	}
	e := API.Engine
	if e.JobLimit != 30 || e.RestDuration != 6*time.Hour {
		t.Fatalf("unexpected limits: %+v", e)
	}
	if e.MonitorInterval != 30*time.Second || e.RecoveryInterval != 5*time.Minute || e.AutoDelay != time.Minute {
		t.Fatalf("unexpected intervals: %+v", e)
	}
	if e.AutoCampaign {
		t.Fatal("auto campaign should default to off")
	}
}

func TestMustLoadWorker_Overrides(t *testing.T) {
	t.Setenv("DB_DSN", "postgres://x")
	t.Setenv("RMQ_URL", "amqp://x")
	t.Setenv("GATEWAY_URL", "http://gw")
	t.Setenv("JOB_LIMIT", "50")
	t.Setenv("REST_HOURS", "1.5")
	t.Setenv("GLOBAL_CONCURRENCY", "3")
	t.Setenv("GATEWAY_TIMEOUT", "2s")

	MustLoadWorker()

	if Worker.Engine.JobLimit != 50 {
		t.Fatalf("job limit=%d", Worker.Engine.JobLimit)
	}
	if Worker.Engine.RestDuration != 90*time.Minute {
		t.Fatalf("rest=%s", Worker.Engine.RestDuration)
	}
	if Worker.Engine.GlobalConcurrency != 3 || Worker.Gateway.Timeout != 2*time.Second {
		t.Fatalf("unexpected worker config: %+v", Worker)
	}
}
