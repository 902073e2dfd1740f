package metadata

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/wilke-labs/gowe-engine/pkg/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestChannelPublisher_DeliversEvents(t *testing.T) {
	var mu sync.Mutex
	var received []Event

	pub := NewChannelPublisher(8, discardLogger(), func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, e)
	})

	stop := make(chan struct{})
	go pub.Run(stop)

	wfID := model.NewWorkflowID()
	pub.Publish(StatusEvent(wfID, nil, string(model.WorkflowRunning)))
	pub.Publish(StatusEvent(wfID, nil, string(model.WorkflowSucceeded)))

	close(stop)
	pub.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 {
		t.Fatalf("received %d events, want 2", len(received))
	}
	if received[0].Value != string(model.WorkflowRunning) {
		t.Errorf("events[0].Value = %v, want Running", received[0].Value)
	}
}

func TestChannelPublisher_DropsOnFullBuffer(t *testing.T) {
	block := make(chan struct{})
	pub := NewChannelPublisher(1, discardLogger(), func(e Event) {
		<-block // sink blocks, so the channel stays full after the first event
	})

	stop := make(chan struct{})
	go pub.Run(stop)

	wfID := model.NewWorkflowID()
	// First event is picked up by Run and blocks in sink; the buffer then
	// fills with the second, and the third must be dropped rather than
	// blocking this goroutine.
	pub.Publish(StatusEvent(wfID, nil, "1"))
	time.Sleep(10 * time.Millisecond)
	pub.Publish(StatusEvent(wfID, nil, "2"))

	done := make(chan struct{})
	go func() {
		pub.Publish(StatusEvent(wfID, nil, "3"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full buffer instead of dropping")
	}

	close(block)
	close(stop)
}

func TestStatusEvent_CarriesCallKey(t *testing.T) {
	wfID := model.NewWorkflowID()
	key := model.CallKey{WorkflowID: wfID, TaskName: "align", Attempt: 1}
	e := StatusEvent(wfID, &key, "Running")
	if e.CallKey == nil || e.CallKey.TaskName != "align" {
		t.Fatalf("expected call key to round-trip, got %+v", e.CallKey)
	}
	if e.Timestamp.IsZero() {
		t.Error("expected a stamped timestamp")
	}
}
