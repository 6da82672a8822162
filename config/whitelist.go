package config

import "strings"

// WhitelistConfig contains sender whitelist configuration.
type WhitelistConfig struct {
	// Enabled toggles whitelist enforcement on the ingress endpoint.
	// When disabled, every sender is treated as verified.
	Enabled bool `env:"WHITELIST_ENABLED" envDefault:"true"`

	// SignupURL is included in rejection responses so unverified senders
	// know where to sign up.
	SignupURL string `env:"WHITELIST_SIGNUP_URL" envDefault:"https://mxtoai.com/whitelist"`

	// FrontendURL is the base for verification links mailed to newly
	// enrolled senders.
	FrontendURL string `env:"FRONTEND_URL" envDefault:"https://mxtoai.com"`
}

// Sanitize applies guardrails to whitelist configuration values.
func (w *WhitelistConfig) Sanitize() {
	w.SignupURL = strings.TrimSpace(w.SignupURL)
	if w.SignupURL == "" {
		w.SignupURL = "https://mxtoai.com/whitelist"
	}
	w.FrontendURL = strings.TrimRight(strings.TrimSpace(w.FrontendURL), "/")
	if w.FrontendURL == "" {
		w.FrontendURL = "https://mxtoai.com"
	}
}
