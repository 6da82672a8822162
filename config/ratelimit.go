package config

// RateLimitConfig contains sender rate limiting configuration.
//
// Limits are fixed-window counters in Redis keyed by plan, window, and
// sender (or sender domain). A rejected request still consumes quota.
type RateLimitConfig struct {
	// Enabled toggles rate limiting on the ingress endpoint.
	Enabled bool `env:"RATE_LIMIT_ENABLED" envDefault:"true"`

	// Plan names the plan every sender is currently on.
	Plan string `env:"RATE_LIMIT_PLAN" envDefault:"beta"`

	// Per-sender limits for the plan.
	HourlyLimit  int `env:"RATE_LIMIT_HOURLY"  envDefault:"20"`
	DailyLimit   int `env:"RATE_LIMIT_DAILY"   envDefault:"50"`
	MonthlyLimit int `env:"RATE_LIMIT_MONTHLY" envDefault:"300"`

	// DomainHourlyLimit is the shared hourly limit for all senders of one
	// custom domain. Consumer provider domains are exempt.
	DomainHourlyLimit int `env:"RATE_LIMIT_DOMAIN_HOURLY" envDefault:"50"`
}

// Sanitize applies guardrails to rate limit configuration values.
func (r *RateLimitConfig) Sanitize() {
	if r.Plan == "" {
		r.Plan = "beta"
	}
	if r.HourlyLimit < 1 {
		r.HourlyLimit = 1
	}
	if r.DailyLimit < r.HourlyLimit {
		r.DailyLimit = r.HourlyLimit
	}
	if r.MonthlyLimit < r.DailyLimit {
		r.MonthlyLimit = r.DailyLimit
	}
	if r.DomainHourlyLimit < 1 {
		r.DomainHourlyLimit = 1
	}
}
