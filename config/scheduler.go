package config

import (
	"strings"
	"time"
)

// SchedulerConfig contains task scheduler service configuration.
//
// The scheduler fires due tasks by POSTing their stored email payload back
// to the ingress endpoint, so it needs the API base URL and the shared API
// key (see AuthConfig).
type SchedulerConfig struct {
	// APIBaseURL is the base URL of the ingress API the scheduler calls
	// back into when a task fires.
	APIBaseURL string `env:"SCHEDULER_API_BASE_URL" envDefault:"http://localhost:8000"`

	// APITimeout bounds a single self-callback request. Agent processing
	// is slow, so the default is generous.
	APITimeout time.Duration `env:"SCHEDULER_API_TIMEOUT" envDefault:"300s"`

	// MaxWorkers caps how many due tasks fire concurrently.
	MaxWorkers int `env:"SCHEDULER_MAX_WORKERS" envDefault:"5"`

	// Interval is the due-job polling interval.
	Interval time.Duration `env:"SCHEDULER_INTERVAL" envDefault:"1s"`

	// RefreshInterval is how often the scheduler reconciles its view of
	// the job table and logs job-set changes.
	RefreshInterval time.Duration `env:"SCHEDULER_REFRESH_INTERVAL" envDefault:"10s"`

	// MisfireGrace is how far past its next_run_time a job may be and
	// still fire. Jobs older than this are realigned without firing.
	MisfireGrace time.Duration `env:"SCHEDULER_MISFIRE_GRACE" envDefault:"300s"`
}

// Sanitize applies guardrails to scheduler configuration values.
func (s *SchedulerConfig) Sanitize() {
	s.APIBaseURL = strings.TrimRight(strings.TrimSpace(s.APIBaseURL), "/")
	if s.APIBaseURL == "" {
		s.APIBaseURL = "http://localhost:8000"
	}
	if s.APITimeout <= 0 {
		s.APITimeout = 300 * time.Second
	}
	if s.MaxWorkers < 1 {
		s.MaxWorkers = 1
	}
	if s.Interval < 1*time.Second {
		s.Interval = 1 * time.Second
	}
	if s.RefreshInterval < 1*time.Second {
		s.RefreshInterval = 1 * time.Second
	}
	if s.MisfireGrace < 1*time.Second {
		s.MisfireGrace = 1 * time.Second
	}
}
