package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Mutter0815/MassSender/internal/model"
	"github.com/Mutter0815/MassSender/pkg/logx"
	"github.com/Mutter0815/MassSender/pkg/metrics"
)

const DefaultRetention = 24 * time.Hour

type publisherAPI interface {
	PublishJSON(ctx context.Context, queue, messageID string, body []byte, headers amqp.Table) error
}

// claimer records job ids so a re-issued job is dropped. Keys expire after the
// retention window, which bounds how long finished job ids are remembered.
type claimer interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type Options struct {
	JobID     string
	Retention time.Duration
	Source    string
}

type Queue struct {
	pub    publisherAPI
	claims claimer
	prefix string
}

func New(pub publisherAPI, claims claimer, prefix string) *Queue {
	if prefix == "" {
		prefix = "send_jobs"
	}
	return &Queue{pub: pub, claims: claims, prefix: prefix}
}

// Name returns the queue a session's jobs go to. An empty session maps to the
// shared global queue.
func (q *Queue) Name(sessionName string) string {
	if sessionName == "" {
		return q.prefix
	}
	return q.prefix + "." + sessionName
}

// Enqueue publishes job to its session queue. With a JobID set, a second
// enqueue of the same id on the same queue is a no-op and returns false.
func (q *Queue) Enqueue(ctx context.Context, job model.Job, opts Options) (bool, error) {
	name := q.Name(job.SessionName)
	body, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("marshal job: %w", err)
	}

	var claimKey string
	if opts.JobID != "" && q.claims != nil {
		ttl := opts.Retention
		if ttl <= 0 {
			ttl = DefaultRetention
		}
		claimKey = claimKeyFor(name, opts.JobID)
		ok, err := q.claims.Claim(ctx, claimKey, ttl)
		if err != nil {
			return false, fmt.Errorf("claim job %s: %w", opts.JobID, err)
		}
		if !ok {
			metrics.DuplicateJobsTotal.Inc()
			logx.L().Debugw("job_duplicate_skipped", "queue", name, "job_id", opts.JobID)
			return false, nil
		}
	}

	if err := q.pub.PublishJSON(ctx, name, opts.JobID, body, nil); err != nil {
		if claimKey != "" {
			if rerr := q.claims.Release(context.WithoutCancel(ctx), claimKey); rerr != nil {
				logx.L().Warnw("job_claim_release_error", "queue", name, "job_id", opts.JobID, "error", rerr)
			}
		}
		return false, err
	}

	source := opts.Source
	if source == "" {
		source = "send"
	}
	metrics.EnqueuedJobsTotal.WithLabelValues(source).Inc()
	return true, nil
}

// Forget drops the claim on a job id so the same job can be issued again. The
// worker calls it when a job ends without a final outcome for its message.
func (q *Queue) Forget(ctx context.Context, sessionName, jobID string) error {
	if q.claims == nil || jobID == "" {
		return nil
	}
	return q.claims.Release(ctx, claimKeyFor(q.Name(sessionName), jobID))
}

func claimKeyFor(queue, jobID string) string { return "job:" + queue + ":" + jobID }
