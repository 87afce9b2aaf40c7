// Package notify delivers agent lifecycle notifications to external
// channels.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/vinayprograms/agentkit/logging"
)

// Event identifies what happened.
type Event string

const (
	EventCompleted        Event = "agent_completed"
	EventFeedbackRequired Event = "agent_feedback_required"
	EventError            Event = "agent_error"
	EventBudgetExceeded   Event = "agent_budget_exceeded"
)

// Notification is one message to deliver.
type Notification struct {
	Event     Event     `json:"event"`
	AgentID   string    `json:"agent_id"`
	AgentName string    `json:"agent_name,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ChannelResult reports delivery on one channel.
type ChannelResult struct {
	Channel string
	Err     error
}

// Dispatcher fans a notification out to configured channels. Delivery
// failures are reported per channel, never as a dispatch error: a dead
// channel must not fail the run.
type Dispatcher interface {
	Send(ctx context.Context, n Notification) []ChannelResult
	Close() error
}

// LogDispatcher writes notifications to the structured log. It is the
// fallback when no external channel is configured.
type LogDispatcher struct {
	logger *logging.Logger
}

// NewLogDispatcher creates the log-only dispatcher.
func NewLogDispatcher() *LogDispatcher {
	return &LogDispatcher{logger: logging.New().WithComponent("notify")}
}

func (d *LogDispatcher) Send(ctx context.Context, n Notification) []ChannelResult {
	d.logger.Info("notification", map[string]interface{}{
		"event":    string(n.Event),
		"agent_id": n.AgentID,
		"message":  n.Message,
	})
	return []ChannelResult{{Channel: "log"}}
}

func (d *LogDispatcher) Close() error { return nil }

// NATSDispatcher publishes notifications to a NATS subject, with the
// log as a secondary channel.
type NATSDispatcher struct {
	conn    *nats.Conn
	subject string
	logger  *logging.Logger
}

// NewNATSDispatcher connects to the NATS server at url and publishes to
// subject.
func NewNATSDispatcher(url, subject string) (*NATSDispatcher, error) {
	conn, err := nats.Connect(url,
		nats.Name("typedai-agent"),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}
	return &NATSDispatcher{
		conn:    conn,
		subject: subject,
		logger:  logging.New().WithComponent("notify"),
	}, nil
}

func (d *NATSDispatcher) Send(ctx context.Context, n Notification) []ChannelResult {
	results := []ChannelResult{{Channel: "log"}}
	d.logger.Info("notification", map[string]interface{}{
		"event":    string(n.Event),
		"agent_id": n.AgentID,
		"message":  n.Message,
	})

	data, err := json.Marshal(n)
	if err != nil {
		results = append(results, ChannelResult{Channel: "nats", Err: fmt.Errorf("failed to encode notification: %w", err)})
		return results
	}
	if err := d.conn.Publish(d.subject, data); err != nil {
		results = append(results, ChannelResult{Channel: "nats", Err: fmt.Errorf("failed to publish notification: %w", err)})
		return results
	}
	results = append(results, ChannelResult{Channel: "nats"})
	return results
}

func (d *NATSDispatcher) Close() error {
	return d.conn.Drain()
}
