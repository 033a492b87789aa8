package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/teslashibe/image-insight/internal/httpc"
)

// FieldName is the multipart field carrying the image.
const FieldName = "file"

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 4 << 20

// Client is the HTTP inference client. Each call is independent: no cache,
// no retry.
type Client struct {
	http    *http.Client
	headers map[string]string
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the overall request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http = httpc.NewClient(d) }
}

// WithHeader adds a header sent with every request.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.headers[key] = value }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a Client using the shared httpc client by default.
func NewClient(opts ...Option) *Client {
	c := &Client{
		http: httpc.Client,
		headers: map[string]string{
			// Tunnelled development servers otherwise answer with an HTML interstitial.
			"ngrok-skip-browser-warning": "true",
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "classify.client")
	return c
}

// Classify posts image to endpoint and returns the server's predictions.
func (c *Client) Classify(ctx context.Context, endpoint string, image []byte) ([]Prediction, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, ErrNoEndpoint
	}
	if len(image) == 0 {
		return nil, ErrEmptyImage
	}

	start := time.Now()

	body, contentType, err := encodeMultipart(image)
	if err != nil {
		return nil, fmt.Errorf("classify: build payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("classify: create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classify: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("classify: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: errorBody(raw)}
	}

	var result response
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("classify: decode response: %w", err)
	}

	if result.Error != "" {
		return nil, &ServerError{Message: result.Error}
	}
	if len(result.Predictions) == 0 {
		return nil, ErrNoDetection
	}

	c.logger.Debug("classified",
		"predictions", len(result.Predictions),
		"latency_ms", time.Since(start).Milliseconds(),
	)

	return result.Predictions, nil
}

// Health checks that the server behind endpoint answers on its root path.
func (c *Client) Health(ctx context.Context, endpoint string) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return ErrNoEndpoint
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("classify: parse endpoint: %w", err)
	}
	u.Path = "/"
	u.RawQuery = ""

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("classify: create request: %w", err)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("classify: health check: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{StatusCode: resp.StatusCode}
	}
	return nil
}

// encodeMultipart builds the single-part form body.
func encodeMultipart(image []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	mime := http.DetectContentType(image)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="%s"; filename="%s"`, FieldName, "frame"+extension(mime)))
	h.Set("Content-Type", mime)

	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(image); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func extension(mime string) string {
	switch mime {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}

// errorBody extracts a readable message from an error response body.
func errorBody(raw []byte) string {
	var r response
	if json.Unmarshal(raw, &r) == nil && r.Error != "" {
		return r.Error
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
