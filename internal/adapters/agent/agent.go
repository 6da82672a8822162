// Package agent provides the default AgentRunner used when no external agent
// endpoint is configured. It dispatches on the resolved handle: task
// deletions are executed directly, everything else gets an acknowledgement
// reply, so the pipeline stays exercisable end to end without an LLM.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/mxtoai/mailengine/internal/core"
	"github.com/mxtoai/mailengine/internal/domain/model"
	"github.com/mxtoai/mailengine/internal/service"
)

var uuidPattern = regexp.MustCompile(
	`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

// Options configures the EchoRunner.
type Options struct {
	Logger *slog.Logger
	// Delete executes task cancellations for the delete handle. Optional;
	// when nil the handle answers with an explanatory reply instead.
	Delete *service.DeleteTool
}

// EchoRunner is the built-in agent. A production deployment replaces it with
// a client for the external agent service.
type EchoRunner struct {
	logger *slog.Logger
	delete *service.DeleteTool
}

var _ core.AgentRunner = (*EchoRunner)(nil)

// NewEchoRunner constructs an EchoRunner.
func NewEchoRunner(opts Options) *EchoRunner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &EchoRunner{
		logger: logger.With("component", "agent"),
		delete: opts.Delete,
	}
}

// Process handles one queued request.
func (r *EchoRunner) Process(ctx context.Context, req *model.EmailRequest) (core.AgentResult, error) {
	handle := req.Handle()
	cfg, _ := service.ResolveHandle(handle)

	r.logger.InfoContext(ctx, "agent invoked",
		"email_id", req.EmailID,
		"handle", cfg.Name,
		"from", req.From,
		"scheduled", req.ScheduledTaskID != "",
	)

	if cfg.Name == service.HandleDelete && r.delete != nil {
		return r.processDelete(ctx, req)
	}

	return core.AgentResult{
		ReplyBody: "Your request was received and processed.",
	}, nil
}

// processDelete cancels the task whose id appears in the subject or body.
func (r *EchoRunner) processDelete(ctx context.Context, req *model.EmailRequest) (core.AgentResult, error) {
	taskID := uuidPattern.FindString(req.Subject + "\n" + req.TextContent)
	if taskID == "" {
		return core.AgentResult{
			ReplyBody: "No task id found in your message. Include the task id you want to cancel.",
		}, nil
	}

	result, err := r.delete.Delete(ctx, taskID, req.From)
	if err != nil {
		r.logger.WarnContext(ctx, "task deletion refused", "task_id", taskID, "error", err)
		return core.AgentResult{
			ReplyBody: fmt.Sprintf("Could not cancel task %s: %v", taskID, err),
		}, nil
	}

	return core.AgentResult{
		ReplyBody: fmt.Sprintf("Task %s was cancelled at %s.", result.TaskID, result.DeletedAt.Format("2006-01-02 15:04 UTC")),
	}, nil
}
