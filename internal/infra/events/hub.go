// Package events fans task lifecycle and progress events out to observers
// over an in-process watermill pub/sub.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ktstudio/ktstudio/internal/logging"
)

// Topic carries every task event.
const Topic = "task.events"

// Type names a task event.
type Type string

const (
	TaskStarted            Type = "task_started"
	Progress               Type = "progress"
	ViewGenerated          Type = "view_generated"
	CompositeStepCommitted Type = "composite_step_committed"
	CompositeStepSkipped   Type = "composite_step_skipped"
	TaskDone               Type = "task_done"
	TaskFailed             Type = "task_failed"
)

// Event is one observer notification.
type Event struct {
	ID       string         `json:"id"`
	TaskID   int64          `json:"task_id"`
	Type     Type           `json:"type"`
	Progress int            `json:"progress"`
	ETA      int            `json:"eta_seconds"`
	Data     map[string]any `json:"data,omitempty"`
	At       time.Time      `json:"at"`
}

// Terminal reports whether the event ends the task's stream.
func (e Event) Terminal() bool {
	return e.Type == TaskDone || e.Type == TaskFailed
}

// Publisher is what producers depend on.
type Publisher interface {
	Publish(ev Event) error
}

// Hub is the in-process event bus. Events published with no subscriber
// are dropped. Each subscriber sees events in publish order.
type Hub struct {
	pubsub *gochannel.GoChannel
	log    *zap.Logger
}

// NewHub creates an event hub.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            64,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: true,
		}, logging.Watermill(log.Named("watermill"))),
		log: log,
	}
}

// Publish sends ev to every current subscriber.
func (h *Hub) Publish(ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := message.NewMessage(ev.ID, payload)
	msg.Metadata.Set("type", string(ev.Type))
	return h.pubsub.Publish(Topic, msg)
}

// Subscribe streams events for taskID (0 = every task) until ctx ends.
func (h *Hub) Subscribe(ctx context.Context, taskID int64) (<-chan Event, error) {
	msgs, err := h.pubsub.Subscribe(ctx, Topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	out := make(chan Event, 16)
	go h.forward(ctx, msgs, out, taskID)
	return out, nil
}

// forward acks every message as soon as it is decoded, so Publish never
// waits on a slow reader, and queues matching events for out in order.
func (h *Hub) forward(ctx context.Context, msgs <-chan *message.Message, out chan<- Event, taskID int64) {
	defer close(out)
	var queue []Event
	in := msgs
	for {
		if in == nil && len(queue) == 0 {
			return
		}
		var (
			send chan<- Event
			next Event
		)
		if len(queue) > 0 {
			send, next = out, queue[0]
		}
		select {
		case <-ctx.Done():
			return
		case send <- next:
			queue = queue[1:]
		case msg, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			var ev Event
			err := json.Unmarshal(msg.Payload, &ev)
			msg.Ack()
			if err != nil {
				h.log.Warn("dropping undecodable event", zap.String("uuid", msg.UUID), zap.Error(err))
				continue
			}
			if taskID != 0 && ev.TaskID != taskID {
				continue
			}
			queue = append(queue, ev)
		}
	}
}

// Close stops the hub and closes every subscription.
func (h *Hub) Close() error {
	return h.pubsub.Close()
}
