package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mxtoai/mailengine/internal/core"
	"github.com/mxtoai/mailengine/internal/domain/model"
	"github.com/mxtoai/mailengine/internal/observability/metrics"
	"github.com/mxtoai/mailengine/internal/observability/statsd"
)

// EmailWorkerOptions groups dependencies for EmailWorker.
type EmailWorkerOptions struct {
	Queue       core.QueueRepository  // Required: durable queue
	Idempotency core.IdempotencyStore // Required: fingerprint re-check
	Agent       core.AgentRunner      // Required: the agent collaborator
	Sender      core.ReplySender      // Optional: outbound reply dispatch
	// AttachmentsDir is the root under which the ingress persisted
	// attachment directories keyed by email id.
	AttachmentsDir string
	// ItemLease is how long a reserved item stays invisible to other
	// workers.
	ItemLease time.Duration
	Logger    *slog.Logger // Optional: structured logger
	Metrics   statsd.Sink  // Optional: metrics emission
}

// EmailWorker drains the durable queue: it re-checks the fingerprint,
// invokes the agent, sends the reply, and settles the queue item.
type EmailWorker struct {
	queue          core.QueueRepository
	idempotency    core.IdempotencyStore
	agent          core.AgentRunner
	sender         core.ReplySender
	attachmentsDir string
	itemLease      time.Duration
	logger         *slog.Logger
	metrics        statsd.Sink
}

// NewEmailWorker constructs a new EmailWorker.
func NewEmailWorker(opts EmailWorkerOptions) (*EmailWorker, error) {
	if opts.Queue == nil {
		return nil, errors.New("QueueRepository is required")
	}
	if opts.Idempotency == nil {
		return nil, errors.New("IdempotencyStore is required")
	}
	if opts.Agent == nil {
		return nil, errors.New("AgentRunner is required")
	}
	lease := opts.ItemLease
	if lease <= 0 {
		lease = 10 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &EmailWorker{
		queue:          opts.Queue,
		idempotency:    opts.Idempotency,
		agent:          opts.Agent,
		sender:         opts.Sender,
		attachmentsDir: opts.AttachmentsDir,
		itemLease:      lease,
		logger:         logger.With("component", "worker"),
		metrics:        opts.Metrics,
	}, nil
}

// ProcessNext reserves and processes one queue item. Returns false when the
// queue had nothing runnable.
func (w *EmailWorker) ProcessNext(ctx context.Context) (bool, error) {
	item, err := w.queue.ReserveNext(ctx, int(w.itemLease/time.Second))
	if err != nil {
		return false, fmt.Errorf("reserve queue item: %w", err)
	}
	if item == nil {
		return false, nil
	}

	started := time.Now()
	procErr := w.process(ctx, item)
	result := metrics.ResultSuccess
	if procErr != nil {
		result = metrics.ResultError
	}
	metrics.EmitQueueItem(w.metrics, metrics.QueueMetric{
		Result:    result,
		Scheduled: item.ScheduledTaskID != nil,
		Retried:   item.RetryCount > 0,
		Duration:  time.Since(started),
		Err:       procErr,
	})

	if procErr != nil {
		w.logger.ErrorContext(ctx, "email processing failed",
			"queue_item_id", item.ID,
			"message_id", item.MessageID,
			"retry_count", item.RetryCount,
			"error", procErr,
		)
		if failErr := w.queue.Fail(ctx, item.ID, procErr.Error()); failErr != nil {
			return true, fmt.Errorf("record failure: %w", failErr)
		}
		return true, nil
	}

	if compErr := w.queue.Complete(ctx, item.ID); compErr != nil {
		return true, fmt.Errorf("complete queue item: %w", compErr)
	}
	return true, nil
}

func (w *EmailWorker) process(ctx context.Context, item *model.QueueItem) error {
	req, err := model.ParseEmailRequest(item.Payload)
	if err != nil {
		return fmt.Errorf("decode queue payload: %w", err)
	}

	// Scheduler re-entries carry unique regenerated ids; the duplicate
	// re-check only guards direct submissions racing between ingress
	// acceptance and processing.
	if item.ScheduledTaskID == nil {
		state, stErr := w.idempotency.State(ctx, item.MessageID)
		if stErr != nil {
			return fmt.Errorf("re-check fingerprint: %w", stErr)
		}
		if state == core.FingerprintProcessed {
			w.logger.InfoContext(ctx, "duplicate email, skipping",
				"queue_item_id", item.ID, "message_id", item.MessageID)
			w.cleanupAttachments(ctx, req)
			return nil
		}
	}

	result, err := w.agent.Process(ctx, req)
	if err != nil {
		return fmt.Errorf("agent processing: %w", err)
	}

	if !result.Duplicate && w.sender != nil && result.ReplyBody != "" {
		reply := core.Reply{
			To:      req.From,
			Subject: "Re: " + req.Subject,
			Body:    result.ReplyBody,
		}
		if sendErr := w.sender.SendReply(ctx, reply); sendErr != nil {
			return fmt.Errorf("send reply: %w", sendErr)
		}
	}

	if markErr := w.idempotency.MarkProcessed(ctx, item.MessageID); markErr != nil {
		return fmt.Errorf("mark fingerprint processed: %w", markErr)
	}

	w.cleanupAttachments(ctx, req)
	w.logger.InfoContext(ctx, "email processed",
		"queue_item_id", item.ID,
		"email_id", req.EmailID,
		"message_id", item.MessageID,
		"scheduled", item.ScheduledTaskID != nil,
	)
	return nil
}

// cleanupAttachments removes the email's attachment directory, best-effort.
// Workers own the path once the item is reserved; the ingress never writes
// it again.
func (w *EmailWorker) cleanupAttachments(ctx context.Context, req *model.EmailRequest) {
	if w.attachmentsDir == "" || req.EmailID == "" || len(req.Attachments) == 0 {
		return
	}
	dir := filepath.Join(w.attachmentsDir, req.EmailID)
	if err := os.RemoveAll(dir); err != nil {
		w.logger.WarnContext(ctx, "attachment cleanup failed", "dir", dir, "error", err)
	}
}

// WaitForWork blocks until a new item is enqueued, the poll interval lapses,
// or ctx ends. It absorbs notification errors so a dropped LISTEN connection
// degrades to polling instead of killing the worker.
func (w *EmailWorker) WaitForWork(ctx context.Context, pollInterval time.Duration) {
	waitCtx, cancel := context.WithTimeout(ctx, pollInterval)
	defer cancel()

	if err := w.queue.WaitForNotification(waitCtx); err != nil &&
		!errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		w.logger.WarnContext(ctx, "queue notification wait failed", "error", err)
	}
}
