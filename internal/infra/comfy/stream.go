package comfy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ktstudio/ktstudio/internal/domain"
	"github.com/ktstudio/ktstudio/internal/infra/metrics"
)

// ─── Status Stream ──────────────────────────────────────────────────────────

// EventType classifies a status-stream event.
type EventType string

const (
	// EventProgress is a sampler step update.
	EventProgress EventType = "progress"
	// EventBranchFinished fires when execution leaves a node.
	EventBranchFinished EventType = "branch_finished"
	// EventJobFinished fires once the whole prompt has executed.
	EventJobFinished EventType = "job_finished"
	// EventIdle fires after a read timeout with no message, so callers can
	// refresh estimates while the backend is quiet.
	EventIdle EventType = "idle"
)

// Event is a status-stream event for one prompt.
type Event struct {
	Type     EventType
	PromptID string
	Node     string // finished node for EventBranchFinished
	Step     int
	Total    int
}

type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type wsData struct {
	PromptID         string  `json:"prompt_id"`
	Node             *string `json:"node"`
	NodeID           string  `json:"node_id"`
	Value            int     `json:"value"`
	Max              int     `json:"max"`
	ExceptionType    string  `json:"exception_type"`
	ExceptionMessage string  `json:"exception_message"`
}

// transportError marks a failure of the connection itself, which is retried.
type transportError struct{ err error }

func (e transportError) Error() string { return "status stream: " + e.err.Error() }
func (e transportError) Unwrap() error { return e.err }

type streamState struct {
	lastNode string
	haveNode bool
}

// Stream follows promptID on the status stream and calls fn for every event
// until the prompt finishes, fn returns an error, or ctx ends. Dropped
// connections are retried; after each connect the history is consulted so a
// prompt that finished while disconnected still completes.
func (c *Client) Stream(ctx context.Context, promptID string, fn func(Event) error) error {
	var st streamState
	for attempt := 0; ; attempt++ {
		if err := domain.ContextError(ctx); err != nil {
			return err
		}
		err := c.streamOnce(ctx, promptID, &st, fn)
		if err == nil {
			return nil
		}
		var te transportError
		if !errors.As(err, &te) {
			return err
		}
		if cerr := domain.ContextError(ctx); cerr != nil {
			return cerr
		}
		if attempt >= c.cfg.StreamRetries {
			return domain.Backendf(te.err, "status stream lost after %d retries", c.cfg.StreamRetries)
		}
		metrics.BackendStreamReconnects.Inc()
		c.log.Warn("status stream dropped, reconnecting",
			zap.String("prompt_id", promptID),
			zap.Int("attempt", attempt+1),
			zap.Error(te.err))

		select {
		case <-ctx.Done():
			return domain.ContextError(ctx)
		case <-time.After(c.cfg.StreamRetryWait):
		}
	}
}

func (c *Client) streamURL() string {
	return c.cfg.WSURL + "?clientId=" + url.QueryEscape(c.clientID)
}

func (c *Client) streamOnce(ctx context.Context, promptID string, st *streamState, fn func(Event) error) error {
	conn, _, err := c.dialer.DialContext(ctx, c.streamURL(), nil)
	if err != nil {
		return transportError{err}
	}
	defer conn.Close()

	// The prompt may have finished before we connected.
	if h, err := c.History(ctx, promptID); err == nil && h != nil && h.Finished() {
		if h.Failed() {
			return domain.Backendf(nil, "prompt %s failed on the backend", promptID)
		}
		if st.haveNode && st.lastNode != "" {
			if err := fn(Event{Type: EventBranchFinished, PromptID: promptID, Node: st.lastNode}); err != nil {
				return err
			}
		}
		return fn(Event{Type: EventJobFinished, PromptID: promptID})
	}

	msgs := make(chan []byte)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			if kind != websocket.TextMessage {
				continue // binary preview frames
			}
			select {
			case msgs <- data:
			case <-done:
				return
			}
		}
	}()

	idle := time.NewTimer(c.cfg.ReadTimeout)
	defer idle.Stop()
	for {
		select {
		case <-ctx.Done():
			return domain.ContextError(ctx)
		case err := <-readErr:
			return transportError{err}
		case <-idle.C:
			idle.Reset(c.cfg.ReadTimeout)
			if err := fn(Event{Type: EventIdle, PromptID: promptID}); err != nil {
				return err
			}
		case data := <-msgs:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(c.cfg.ReadTimeout)
			finished, err := c.handleMessage(promptID, data, st, fn)
			if err != nil || finished {
				return err
			}
		}
	}
}

// handleMessage maps one stream message onto events. It returns true once
// the prompt has finished.
func (c *Client) handleMessage(promptID string, data []byte, st *streamState, fn func(Event) error) (bool, error) {
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Debug("ignoring malformed stream message", zap.Error(err))
		return false, nil
	}
	var d wsData
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			c.log.Debug("ignoring stream message data", zap.String("type", msg.Type), zap.Error(err))
			return false, nil
		}
	}
	// Progress frames from older backends carry no prompt id.
	if d.PromptID != "" && d.PromptID != promptID {
		return false, nil
	}
	metrics.BackendEvents.WithLabelValues(msg.Type).Inc()

	switch msg.Type {
	case "progress":
		return false, fn(Event{Type: EventProgress, PromptID: promptID, Step: d.Value, Total: d.Max})

	case "executing":
		if d.PromptID == "" {
			return false, nil
		}
		var node string
		if d.Node != nil {
			node = *d.Node
		}
		if st.haveNode && st.lastNode != "" && node != st.lastNode {
			if err := fn(Event{Type: EventBranchFinished, PromptID: promptID, Node: st.lastNode}); err != nil {
				return false, err
			}
		}
		st.lastNode, st.haveNode = node, true
		if d.Node == nil {
			return true, fn(Event{Type: EventJobFinished, PromptID: promptID})
		}
		return false, nil

	case "execution_success":
		if d.PromptID == "" {
			return false, nil
		}
		if st.lastNode != "" {
			if err := fn(Event{Type: EventBranchFinished, PromptID: promptID, Node: st.lastNode}); err != nil {
				return false, err
			}
			st.lastNode = ""
		}
		return true, fn(Event{Type: EventJobFinished, PromptID: promptID})

	case "execution_error":
		if d.PromptID == "" {
			return false, nil
		}
		return false, domain.Backendf(nil, "node %s: %s: %s", d.NodeID, d.ExceptionType, d.ExceptionMessage)

	case "execution_interrupted":
		if d.PromptID == "" {
			return false, nil
		}
		return false, fmt.Errorf("%w: interrupted on the backend", domain.ErrCancelled)
	}
	return false, nil
}
