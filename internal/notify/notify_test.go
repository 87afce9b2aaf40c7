package notify

import (
	"context"
	"testing"
	"time"
)

func TestLogDispatcherAlwaysSucceeds(t *testing.T) {
	d := NewLogDispatcher()
	defer d.Close()

	results := d.Send(context.Background(), Notification{
		Event:     EventCompleted,
		AgentID:   "agent-1",
		Message:   "task finished",
		Timestamp: time.Now(),
	})
	if len(results) != 1 {
		t.Fatalf("expected 1 channel result, got %d", len(results))
	}
	if results[0].Channel != "log" || results[0].Err != nil {
		t.Errorf("log channel should succeed, got %+v", results[0])
	}
}
