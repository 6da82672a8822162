package bootstrap

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/mxtoai/mailengine/config"
	"github.com/mxtoai/mailengine/internal/adapters/agent"
	"github.com/mxtoai/mailengine/internal/adapters/emailrunner"
	"github.com/mxtoai/mailengine/internal/adapters/mailer"
	"github.com/mxtoai/mailengine/internal/adapters/reaper"
	schedrunner "github.com/mxtoai/mailengine/internal/adapters/scheduler"
	"github.com/mxtoai/mailengine/internal/adapters/selfcallback"
	"github.com/mxtoai/mailengine/internal/core"
	"github.com/mxtoai/mailengine/internal/data"
	"github.com/mxtoai/mailengine/internal/observability/statsd"
	"github.com/mxtoai/mailengine/internal/service"
)

// ServiceDeps carries the shared infrastructure every service builds on.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger

	// Optional external collaborators; logging defaults are used when nil.
	Agent  core.AgentRunner
	Sender core.ReplySender
}

// ServiceContainer holds the constructed services and runners for the
// enabled process modes.
type ServiceContainer struct {
	Ingress   *service.IngressService
	Scheduler *service.SchedulerService
	Tasks     core.TaskStore

	// Agent-facing tools, also consumed by external agent integrations.
	ScheduleTool *service.ScheduleTool
	DeleteTool   *service.DeleteTool

	SchedulerRunner *schedrunner.Runner
	EmailRunner     *emailrunner.Runner
	ReaperRunner    *reaper.Runner

	Metrics *statsd.Client
}

// NewServices wires repositories, services, and runners. Only the pieces the
// enabled service modes need are constructed.
func NewServices(deps *ServiceDeps) (*ServiceContainer, error) {
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	metricsClient, err := statsd.NewClient(statsd.Config{
		Enabled: cfg.Observability.Metrics.IsEnabled(),
		Address: cfg.Observability.Metrics.StatsdAddress,
		Prefix:  "mailengine",
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init metrics client: %w", err)
	}

	sender := deps.Sender
	if sender == nil {
		sender = mailer.NewLogSender(logger)
	}

	taskRepo := data.NewTaskRepo(deps.DB)
	runRepo := data.NewTaskRunRepo(deps.DB)
	jobRepo := data.NewSchedulerJobRepo(deps.DB)
	queueRepo := data.NewQueueRepo(deps.DB)
	whitelistRepo := data.NewWhitelistRepo(deps.DB)
	rateLimitRepo := data.NewRateLimitRepo(deps.RedisClient)
	idempotencyRepo := data.NewIdempotencyRepo(deps.RedisClient)

	rateLimiter, err := service.NewRateLimitService(service.RateLimitServiceOptions{
		Sweeper: rateLimitRepo,
		Config:  cfg.RateLimit,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init rate limiter: %w", err)
	}

	whitelistSvc, err := service.NewWhitelistService(service.WhitelistServiceOptions{
		Store:  whitelistRepo,
		Sender: sender,
		Config: cfg.Whitelist,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init whitelist service: %w", err)
	}

	ingress, err := service.NewIngressService(service.IngressServiceOptions{
		RateLimiter: rateLimiter,
		Idempotency: idempotencyRepo,
		Whitelist:   whitelistSvc,
		Queue:       queueRepo,
		Sender:      sender,
		HTTPConfig:  cfg.HTTP,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init ingress service: %w", err)
	}

	schedulerSvc, err := service.NewSchedulerService(service.SchedulerServiceOptions{
		Jobs:   jobRepo,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init scheduler service: %w", err)
	}

	scheduleTool, err := service.NewScheduleTool(service.ScheduleToolOptions{
		Tasks:     taskRepo,
		Scheduler: schedulerSvc,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init schedule tool: %w", err)
	}
	deleteTool, err := service.NewDeleteTool(service.DeleteToolOptions{
		Tasks:     taskRepo,
		Scheduler: schedulerSvc,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init delete tool: %w", err)
	}

	agentRunner := deps.Agent
	if agentRunner == nil {
		agentRunner = agent.NewEchoRunner(agent.Options{
			Logger: logger,
			Delete: deleteTool,
		})
	}

	container := &ServiceContainer{
		Ingress:      ingress,
		Scheduler:    schedulerSvc,
		Tasks:        taskRepo,
		ScheduleTool: scheduleTool,
		DeleteTool:   deleteTool,
		Metrics:      metricsClient,
	}

	if cfg.IsSchedulerEnabled() {
		callback, cbErr := selfcallback.NewClient(selfcallback.Options{
			BaseURL: cfg.Scheduler.APIBaseURL,
			APIKey:  cfg.Auth.APIKey,
			Timeout: cfg.Scheduler.APITimeout,
			Logger:  logger,
		})
		if cbErr != nil {
			return nil, fmt.Errorf("init self-callback client: %w", cbErr)
		}

		executor, exErr := service.NewTaskExecutor(service.TaskExecutorOptions{
			Tasks:    taskRepo,
			Runs:     runRepo,
			Jobs:     jobRepo,
			Callback: callback,
			Logger:   logger,
		})
		if exErr != nil {
			return nil, fmt.Errorf("init task executor: %w", exErr)
		}

		runner, rErr := schedrunner.NewRunner(schedrunner.RunnerOptions{
			Scheduler: schedulerSvc,
			Executor:  executor,
			Config:    cfg.Scheduler,
			Logger:    logger,
			Metrics:   metricsClient,
		})
		if rErr != nil {
			return nil, fmt.Errorf("init scheduler runner: %w", rErr)
		}
		container.SchedulerRunner = runner
	}

	if cfg.IsWorkerEnabled() {
		worker, wErr := service.NewEmailWorker(service.EmailWorkerOptions{
			Queue:          queueRepo,
			Idempotency:    idempotencyRepo,
			Agent:          agentRunner,
			Sender:         sender,
			AttachmentsDir: cfg.HTTP.AttachmentsDir,
			ItemLease:      cfg.Worker.ItemLease,
			Logger:         logger,
			Metrics:        metricsClient,
		})
		if wErr != nil {
			return nil, fmt.Errorf("init email worker: %w", wErr)
		}

		runner, rErr := emailrunner.NewRunner(emailrunner.RunnerOptions{
			Worker: worker,
			Config: cfg.Worker,
			Logger: logger,
		})
		if rErr != nil {
			return nil, fmt.Errorf("init email runner: %w", rErr)
		}
		container.EmailRunner = runner

		reaperSvc, rpErr := service.NewReaperService(service.ReaperServiceOptions{
			Queue:     queueRepo,
			Retention: cfg.Worker.Retention,
			Logger:    logger,
		})
		if rpErr != nil {
			return nil, fmt.Errorf("init reaper service: %w", rpErr)
		}
		reaperRunner, rrErr := reaper.NewRunner(reaper.RunnerOptions{
			Reaper:   reaperSvc,
			Interval: cfg.Worker.ReapInterval,
			Logger:   logger,
			Metrics:  metricsClient,
		})
		if rrErr != nil {
			return nil, fmt.Errorf("init reaper runner: %w", rrErr)
		}
		container.ReaperRunner = reaperRunner
	}

	return container, nil
}
