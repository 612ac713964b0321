// Package planner is the prompt and composition-plan service: an
// OpenAI-compatible chat-completions client that turns entity descriptions
// into generation prompts, composite plans and story breakdowns.
package planner

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/ktstudio/ktstudio/internal/domain"
	"github.com/ktstudio/ktstudio/internal/infra/metrics"
)

// Config holds chat-completions settings.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Timeout     time.Duration
	JSONMode    bool
	Temperature float64
}

// DefaultConfig returns settings for the public OpenAI endpoint.
func DefaultConfig() Config {
	return Config{
		BaseURL:     "https://api.openai.com/v1",
		Model:       "gpt-4.1-mini",
		Timeout:     120 * time.Second,
		JSONMode:    true,
		Temperature: 0.7,
	}
}

// Client implements domain.Planner.
type Client struct {
	cfg  Config
	http *resty.Client
	log  *zap.Logger
}

var _ domain.Planner = (*Client)(nil)

// New creates a planner client.
func New(cfg Config, log *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.Model == "" {
		cfg.Model = DefaultConfig().Model
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		cfg: cfg,
		http: resty.New().
			SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
			SetTimeout(cfg.Timeout).
			SetRetryCount(2).
			SetRetryWaitTime(time.Second).
			SetRetryMaxWaitTime(5 * time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				if r == nil {
					return false
				}
				// Retry on 429 (Too Many Requests) and 5xx server errors
				return r.StatusCode() == 429 || r.StatusCode() >= 500
			}),
		log: log,
	}
}

// Configured reports whether an API key is set.
func (c *Client) Configured() bool {
	return c.cfg.APIKey != ""
}

// ─── Chat Completions ───────────────────────────────────────────────────────

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage domain.Usage `json:"usage"`
}

// complete runs one chat completion and decodes the answer into out.
func (c *Client) complete(ctx context.Context, op, system, user string, out any) (domain.Usage, error) {
	usage, err := c.doComplete(ctx, op, system, user, out)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.PlannerRequests.WithLabelValues(op, outcome).Inc()
	return usage, err
}

func (c *Client) doComplete(ctx context.Context, op, system, user string, out any) (domain.Usage, error) {
	if !c.Configured() {
		return domain.Usage{}, domain.Planningf(nil, "planner not configured")
	}
	req := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: c.cfg.Temperature,
	}
	if c.cfg.JSONMode {
		req.ResponseFormat = map[string]string{"type": "json_object"}
	}

	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(c.cfg.APIKey).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		Post("/chat/completions")
	if err != nil {
		if cerr := domain.ContextError(ctx); cerr != nil {
			return domain.Usage{}, cerr
		}
		return domain.Usage{}, domain.Planningf(err, "%s request", op)
	}
	if resp.IsError() {
		return domain.Usage{}, domain.Planningf(nil, "%s: HTTP %d: %s", op, resp.StatusCode(), truncate(resp.String(), 300))
	}

	var cr chatResponse
	if err := json.Unmarshal(resp.Body(), &cr); err != nil {
		return domain.Usage{}, domain.Planningf(err, "%s: decode response", op)
	}
	if len(cr.Choices) == 0 {
		return cr.Usage, domain.Planningf(nil, "%s: empty response", op)
	}
	content := cr.Choices[0].Message.Content
	c.log.Debug("planner answered",
		zap.String("op", op),
		zap.Duration("latency", time.Since(start)),
		zap.Int("total_tokens", cr.Usage.TotalTokens))

	if err := ParseJSON(content, out); err != nil {
		return cr.Usage, domain.Planningf(err, "%s: malformed answer", op)
	}
	return cr.Usage, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
