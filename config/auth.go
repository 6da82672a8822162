package config

// AuthConfig groups authentication-related configuration.
//
// Every inbound API request must present the shared API key in the
// x-api-key header. The same key is used for the scheduler's
// self-callback requests.
type AuthConfig struct {
	// APIKey is the shared secret required on every API request.
	APIKey string `env:"X_API_KEY,required"`
}
