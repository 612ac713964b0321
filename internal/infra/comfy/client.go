// Package comfy is the client for the generation backend: a node-graph
// image/video server that accepts API-format workflows over REST and
// reports execution over a websocket status stream.
package comfy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ktstudio/ktstudio/internal/domain"
	"github.com/ktstudio/ktstudio/internal/infra/metrics"
)

// Config holds backend connection settings.
type Config struct {
	BaseURL          string
	WSURL            string // derived from BaseURL when empty
	HTTPTimeout      time.Duration
	HTTPRetries      int
	InterruptTimeout time.Duration
	StreamRetries    int
	StreamRetryWait  time.Duration
	ReadTimeout      time.Duration
	// BreakerThreshold consecutive unanswered submissions pause submitting
	// for BreakerCooldown. Zero disables the breaker.
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// DefaultConfig returns settings for a backend on localhost.
func DefaultConfig() Config {
	return Config{
		BaseURL:          "http://127.0.0.1:8188",
		HTTPTimeout:      60 * time.Second,
		HTTPRetries:      2,
		InterruptTimeout: 2 * time.Second,
		StreamRetries:    3,
		StreamRetryWait:  2 * time.Second,
		ReadTimeout:      5 * time.Second,
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
	}
}

// Client talks to one generation backend with a single client id, so the
// status stream only carries this process's prompts.
type Client struct {
	cfg      Config
	clientID string
	rest     *resty.Client // retried
	once     *resty.Client // never retried (submit, interrupt)
	dialer   *websocket.Dialer
	breaker  *breaker
	log      *zap.Logger
}

// New creates a backend client.
func New(cfg Config, log *zap.Logger) *Client {
	def := DefaultConfig()
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = def.HTTPTimeout
	}
	if cfg.InterruptTimeout <= 0 {
		cfg.InterruptTimeout = def.InterruptTimeout
	}
	if cfg.StreamRetryWait <= 0 {
		cfg.StreamRetryWait = def.StreamRetryWait
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.StreamRetries < 0 {
		cfg.StreamRetries = 0
	}
	if cfg.BreakerThreshold < 0 {
		cfg.BreakerThreshold = 0
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = def.BreakerCooldown
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.WSURL == "" {
		cfg.WSURL = deriveWSURL(cfg.BaseURL)
	}
	if log == nil {
		log = zap.NewNop()
	}

	c := &Client{
		cfg:      cfg,
		clientID: uuid.NewString(),
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		breaker:  newBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		log:      log,
	}
	c.rest = resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.HTTPTimeout).
		SetRetryCount(cfg.HTTPRetries).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if r == nil {
				return false
			}
			// Retry on 429 (Too Many Requests) and 5xx server errors
			return r.StatusCode() == 429 || r.StatusCode() >= 500
		})
	c.once = resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.HTTPTimeout)
	return c
}

// ClientID returns the id the backend uses to route stream messages to us.
func (c *Client) ClientID() string { return c.clientID }

// BaseURL returns the REST endpoint.
func (c *Client) BaseURL() string { return c.cfg.BaseURL }

func deriveWSURL(base string) string {
	u, err := url.Parse(base)
	if err != nil {
		return "ws://127.0.0.1:8188/ws"
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String()
}

// ─── Submission ─────────────────────────────────────────────────────────────

type submitResponse struct {
	PromptID   string          `json:"prompt_id"`
	Number     int             `json:"number"`
	NodeErrors json.RawMessage `json:"node_errors"`
}

// Submit queues a workflow and returns the backend's prompt id.
// It is never retried, so a flaky network cannot double-submit a job.
// After repeated unanswered submissions it fails fast with ErrBreakerOpen
// until the cooldown passes.
func (c *Client) Submit(ctx context.Context, wf Workflow) (string, error) {
	if !c.breaker.allow() {
		return "", domain.Backendf(ErrBreakerOpen, "submit workflow")
	}
	resp, err := c.once.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]any{"prompt": wf, "client_id": c.clientID}).
		Post("/prompt")
	if err != nil {
		err = transportErr(ctx, err, "submit workflow")
		if domain.ContextError(ctx) != nil {
			c.breaker.release()
		} else {
			c.recordSubmitFailure(err)
		}
		return "", err
	}
	if resp.StatusCode() >= 500 {
		err := domain.Backendf(nil, "submit workflow: HTTP %d: %s", resp.StatusCode(), truncate(resp.String(), 300))
		c.recordSubmitFailure(err)
		return "", err
	}
	// The backend answered, even if it rejected the workflow.
	c.breaker.success()
	if resp.IsError() {
		return "", domain.Backendf(nil, "submit workflow: HTTP %d: %s", resp.StatusCode(), truncate(resp.String(), 300))
	}
	var out submitResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", domain.Backendf(err, "decode submit response")
	}
	if out.PromptID == "" {
		return "", domain.Backendf(nil, "submit workflow: no prompt_id in response")
	}
	c.log.Debug("workflow submitted", zap.String("prompt_id", out.PromptID), zap.Int("number", out.Number))
	return out.PromptID, nil
}

func (c *Client) recordSubmitFailure(err error) {
	if c.breaker.failure() {
		metrics.BackendBreakerTrips.Inc()
		c.log.Warn("backend not answering, pausing submissions",
			zap.Duration("cooldown", c.cfg.BreakerCooldown),
			zap.Error(err))
	}
}

// Breaker returns the submit breaker's current state.
func (c *Client) Breaker() BreakerSnapshot { return c.breaker.snapshot() }

// ─── History & Artifacts ────────────────────────────────────────────────────

// ArtifactRef locates one output file on the backend.
type ArtifactRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// NodeOutput is what one output node produced.
type NodeOutput struct {
	Images []ArtifactRef `json:"images,omitempty"`
	Videos []ArtifactRef `json:"videos,omitempty"`
	Gifs   []ArtifactRef `json:"gifs,omitempty"`
}

// First returns the first artifact, preferring videos, then gifs, then images.
func (o NodeOutput) First() (ArtifactRef, bool) {
	for _, refs := range [][]ArtifactRef{o.Videos, o.Gifs, o.Images} {
		if len(refs) > 0 {
			return refs[0], true
		}
	}
	return ArtifactRef{}, false
}

// History is the backend's record of a finished prompt.
type History struct {
	Outputs map[string]NodeOutput `json:"outputs"`
	Status  struct {
		Completed bool   `json:"completed"`
		StatusStr string `json:"status_str"`
	} `json:"status"`
}

// Finished reports whether the prompt ran to an end, successful or not.
func (h *History) Finished() bool {
	return h.Status.Completed || h.Status.StatusStr != "" || len(h.Outputs) > 0
}

// Failed reports a prompt the backend recorded as errored.
func (h *History) Failed() bool {
	return h.Status.StatusStr == "error"
}

// History returns the prompt's record, or nil when the backend has none yet.
func (c *Client) History(ctx context.Context, promptID string) (*History, error) {
	resp, err := c.rest.R().SetContext(ctx).Get("/history/" + url.PathEscape(promptID))
	if err != nil {
		return nil, transportErr(ctx, err, "get history")
	}
	if resp.IsError() {
		return nil, domain.Backendf(nil, "get history: HTTP %d", resp.StatusCode())
	}
	var all map[string]*History
	if err := json.Unmarshal(resp.Body(), &all); err != nil {
		return nil, domain.Backendf(err, "decode history")
	}
	return all[promptID], nil
}

// Fetch downloads an artifact's bytes.
func (c *Client) Fetch(ctx context.Context, ref ArtifactRef) ([]byte, error) {
	resp, err := c.rest.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"filename":  ref.Filename,
			"subfolder": ref.Subfolder,
			"type":      ref.Type,
		}).
		Get("/view")
	if err != nil {
		return nil, transportErr(ctx, err, "fetch "+ref.Filename)
	}
	if resp.IsError() {
		return nil, domain.Backendf(nil, "fetch %s: HTTP %d", ref.Filename, resp.StatusCode())
	}
	return resp.Body(), nil
}

// Download fetches an artifact into dir, keeping the backend's file name.
func (c *Client) Download(ctx context.Context, ref ArtifactRef, dir string) (string, error) {
	data, err := c.Fetch(ctx, ref)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(dir, filepath.Base(ref.Filename))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

// Upload sends a local image into the backend's input folder and returns
// the name workflows should reference.
func (c *Client) Upload(ctx context.Context, path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", domain.Preconditionf("upload %s: %v", path, err)
	}
	resp, err := c.rest.R().
		SetContext(ctx).
		SetFile("image", path).
		SetFormData(map[string]string{"overwrite": "true"}).
		Post("/upload/image")
	if err != nil {
		return "", transportErr(ctx, err, "upload image")
	}
	if resp.IsError() {
		return "", domain.Backendf(nil, "upload image: HTTP %d: %s", resp.StatusCode(), truncate(resp.String(), 300))
	}
	var out struct {
		Name      string `json:"name"`
		Subfolder string `json:"subfolder"`
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", domain.Backendf(err, "decode upload response")
	}
	if out.Subfolder != "" {
		return out.Subfolder + "/" + out.Name, nil
	}
	return out.Name, nil
}

// ─── Control ────────────────────────────────────────────────────────────────

// Interrupt stops whatever the backend is executing. Bounded by the
// interrupt timeout so an unresponsive backend cannot stall a cancel.
func (c *Client) Interrupt(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.InterruptTimeout)
	defer cancel()
	resp, err := c.once.R().SetContext(ctx).Post("/interrupt")
	if err != nil {
		return transportErr(ctx, err, "interrupt")
	}
	if resp.IsError() {
		return domain.Backendf(nil, "interrupt: HTTP %d", resp.StatusCode())
	}
	return nil
}

// ClearQueue drops every pending prompt. When the bulk clear is rejected,
// pending prompts are deleted by id instead.
func (c *Client) ClearQueue(ctx context.Context) error {
	resp, err := c.rest.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]any{"clear": true}).
		Post("/queue")
	if err == nil && !resp.IsError() {
		return nil
	}
	c.log.Warn("bulk queue clear failed, deleting pending prompts", zap.Error(err))

	resp, err = c.rest.R().SetContext(ctx).Get("/queue")
	if err != nil {
		return transportErr(ctx, err, "get queue")
	}
	if resp.IsError() {
		return domain.Backendf(nil, "get queue: HTTP %d", resp.StatusCode())
	}
	var q struct {
		Pending [][]json.RawMessage `json:"queue_pending"`
	}
	if err := json.Unmarshal(resp.Body(), &q); err != nil {
		return domain.Backendf(err, "decode queue")
	}
	var ids []string
	for _, item := range q.Pending {
		if len(item) < 2 {
			continue
		}
		var id string
		if json.Unmarshal(item[1], &id) == nil && id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	resp, err = c.rest.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]any{"delete": ids}).
		Post("/queue")
	if err != nil {
		return transportErr(ctx, err, "delete queued prompts")
	}
	if resp.IsError() {
		return domain.Backendf(nil, "delete queued prompts: HTTP %d", resp.StatusCode())
	}
	c.log.Info("cleared backend queue", zap.Int("deleted", len(ids)))
	return nil
}

// Ping checks that the backend answers.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.rest.R().SetContext(ctx).Get("/system_stats")
	if err != nil {
		return transportErr(ctx, err, "system stats")
	}
	if resp.IsError() {
		return domain.Backendf(nil, "system stats: HTTP %d", resp.StatusCode())
	}
	return nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// transportErr prefers the context's cause, so a cancelled request reports
// the cancellation instead of a network error.
func transportErr(ctx context.Context, err error, op string) error {
	if cerr := domain.ContextError(ctx); cerr != nil {
		return cerr
	}
	return domain.Backendf(err, "%s", op)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
