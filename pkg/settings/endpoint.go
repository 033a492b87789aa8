package settings

import (
	"fmt"
	"net/url"
	"strings"
)

// KeyServerURL is the settings key holding the inference endpoint.
const KeyServerURL = "inference_server_url"

// DefaultServerURL is used when no endpoint has been saved.
const DefaultServerURL = "https://afenmarbun-backend-deep-learning.hf.space/predict"

// EndpointConfig is the resolved inference endpoint.
type EndpointConfig struct {
	URL       string `json:"url"`
	IsDefault bool   `json:"is_default"`
}

// Configured reports whether a non-blank URL is present.
func (e EndpointConfig) Configured() bool {
	return strings.TrimSpace(e.URL) != ""
}

// Endpoints resolves the inference endpoint from a Store with a default fallback.
// A key that is present but blank means the user explicitly cleared the
// endpoint; it does not fall back to the default.
type Endpoints struct {
	store      Store
	defaultURL string
}

// NewEndpoints creates a resolver. An empty defaultURL uses DefaultServerURL.
func NewEndpoints(store Store, defaultURL string) *Endpoints {
	if defaultURL == "" {
		defaultURL = DefaultServerURL
	}
	return &Endpoints{store: store, defaultURL: defaultURL}
}

// Default returns the baked-in endpoint.
func (e *Endpoints) Default() string {
	return e.defaultURL
}

// Endpoint returns the current endpoint. It is read before every request.
func (e *Endpoints) Endpoint() EndpointConfig {
	v, ok := e.store.Get(KeyServerURL)
	if !ok {
		return EndpointConfig{URL: e.defaultURL, IsDefault: true}
	}
	return EndpointConfig{URL: v, IsDefault: v == e.defaultURL}
}

// Save stores rawURL as the endpoint. A blank value is stored as-is and
// leaves the client unconfigured.
func (e *Endpoints) Save(rawURL string) (EndpointConfig, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL != "" {
		if err := ValidateURL(rawURL); err != nil {
			return e.Endpoint(), err
		}
	}
	if err := e.store.Set(KeyServerURL, rawURL); err != nil {
		return e.Endpoint(), err
	}
	return e.Endpoint(), nil
}

// Reset stores the default endpoint.
func (e *Endpoints) Reset() (EndpointConfig, error) {
	if err := e.store.Set(KeyServerURL, e.defaultURL); err != nil {
		return e.Endpoint(), err
	}
	return e.Endpoint(), nil
}

// ValidateURL accepts absolute http(s) URLs with a host.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("settings: invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("settings: URL scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("settings: URL has no host")
	}
	return nil
}
