package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeHTTP runs the HTTP server.
	ServiceModeHTTP ServiceMode = "http"
	// ServiceModeWorker runs the email queue worker.
	ServiceModeWorker ServiceMode = "worker"
	// ServiceModeScheduler runs the task scheduler.
	ServiceModeScheduler ServiceMode = "scheduler"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeHTTP,
		ServiceModeWorker,
		ServiceModeScheduler,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeHTTP, ServiceModeWorker, ServiceModeScheduler:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: http, worker, scheduler)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// WorkerConfig contains email queue worker configuration.
type WorkerConfig struct {
	// Concurrency is the number of worker goroutines draining the queue.
	Concurrency int `env:"WORKER_CONCURRENCY" envDefault:"2"`

	// ItemLease is the duration a reserved queue item is leased for.
	// Items whose lease lapses are redelivered to another worker.
	ItemLease time.Duration `env:"WORKER_ITEM_LEASE" envDefault:"10m"`

	// PollInterval bounds how long an idle worker waits for a queue
	// notification before polling again.
	PollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"5s"`

	// Retention is how long completed and failed queue rows are kept.
	Retention time.Duration `env:"WORKER_QUEUE_RETENTION" envDefault:"168h"`

	// ReapInterval is how often terminal queue rows are purged.
	ReapInterval time.Duration `env:"WORKER_REAP_INTERVAL" envDefault:"1h"`
}

// Sanitize applies guardrails to worker configuration values.
func (w *WorkerConfig) Sanitize() {
	if w.Concurrency < 1 {
		w.Concurrency = 1
	}
	if w.ItemLease < 30*time.Second {
		w.ItemLease = 30 * time.Second
	}
	if w.PollInterval < 1*time.Second {
		w.PollInterval = 1 * time.Second
	}
	if w.Retention < time.Hour {
		w.Retention = time.Hour
	}
	if w.ReapInterval < time.Minute {
		w.ReapInterval = time.Minute
	}
}
