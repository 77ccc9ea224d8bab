package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

// TypeSubmit is the asynq task type carrying a Submission.
const TypeSubmit = "order:submit"

// Enqueuer is the part of *asynq.Client used to queue submissions.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// QueueSubmitter queues submissions for the worker. The task ID is the session
// ID, so a replayed submit finds the existing task instead of adding one.
type QueueSubmitter struct {
	Client    Enqueuer
	Queue     string
	MaxRetry  int
	Retention time.Duration
}

// NewSubmitTask encodes sub as an asynq task.
func NewSubmitTask(sub Submission) (*asynq.Task, error) {
	payload, err := json.Marshal(sub)
	if err != nil {
		return nil, fmt.Errorf("encode submission: %w", err)
	}
	return asynq.NewTask(TypeSubmit, payload), nil
}

// Submit enqueues sub.
func (q QueueSubmitter) Submit(ctx context.Context, sub Submission) (Receipt, error) {
	if q.Client == nil {
		return Receipt{}, fmt.Errorf("%w: queue client not configured", ErrUnavailable)
	}
	task, err := NewSubmitTask(sub)
	if err != nil {
		return Receipt{}, err
	}
	opts := []asynq.Option{asynq.TaskID(sub.SessionID)}
	if q.Queue != "" {
		opts = append(opts, asynq.Queue(q.Queue))
	}
	if q.MaxRetry > 0 {
		opts = append(opts, asynq.MaxRetry(q.MaxRetry))
	}
	if q.Retention > 0 {
		opts = append(opts, asynq.Retention(q.Retention))
	}

	_, err = q.Client.EnqueueContext(ctx, task, opts...)
	switch {
	case err == nil, errors.Is(err, asynq.ErrTaskIDConflict):
		return Receipt{Reference: sub.SessionID, Queued: true}, nil
	default:
		return Receipt{}, fmt.Errorf("%w: enqueue: %v", ErrUnavailable, err)
	}
}

// Processor delivers queued submissions to the order service.
type Processor struct {
	Delivery Submitter
	Logger   zerolog.Logger
}

// ProcessTask implements asynq.Handler. Malformed payloads and rejections are
// not retried.
func (p Processor) ProcessTask(ctx context.Context, task *asynq.Task) error {
	var sub Submission
	if err := json.Unmarshal(task.Payload(), &sub); err != nil {
		return fmt.Errorf("decode submission: %v: %w", err, asynq.SkipRetry)
	}
	if sub.SessionID == "" {
		return fmt.Errorf("submission without session id: %w", asynq.SkipRetry)
	}

	receipt, err := p.Delivery.Submit(ctx, sub)
	if err != nil {
		p.Logger.Error().Err(err).Str("session_id", sub.SessionID).Msg("order_delivery_failed")
		if errors.Is(err, ErrRejected) {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}
	p.Logger.Info().
		Str("session_id", sub.SessionID).
		Str("reference", receipt.Reference).
		Int64("post_charges", sub.PostChargesAmount).
		Msg("order_delivered")
	return nil
}
