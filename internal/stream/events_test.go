package stream

import (
	"testing"
	"time"

	"loopcast/internal/models"
)

func TestHubFanOut(t *testing.T) {
	hub := NewHub(4)
	defer hub.Close()

	first, cancelFirst := hub.Subscribe()
	second, cancelSecond := hub.Subscribe()
	defer cancelFirst()
	defer cancelSecond()

	hub.Publish(models.Event{SessionID: "sess-1", Kind: models.EventProcessLine, Message: "frame=1"})

	for _, ch := range []<-chan models.Event{first, second} {
		select {
		case event := <-ch:
			if event.Message != "frame=1" {
				t.Errorf("message = %q", event.Message)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestHubPublishNeverBlocks(t *testing.T) {
	hub := NewHub(1)
	defer hub.Close()

	_, cancel := hub.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			hub.Publish(models.Event{SessionID: "sess-1", Kind: models.EventProcessLine})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestHubCancelClosesChannel(t *testing.T) {
	hub := NewHub(1)
	defer hub.Close()

	ch, cancel := hub.Subscribe()
	cancel()
	select {
	case _, open := <-ch:
		if open {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}

	// Publishing after cancel must not panic or deliver.
	hub.Publish(models.Event{SessionID: "sess-1"})
}

func TestHubClose(t *testing.T) {
	hub := NewHub(1)
	ch, _ := hub.Subscribe()
	hub.Close()

	if _, open := <-ch; open {
		t.Fatal("subscriber channel should close with the hub")
	}
	// Subscribe after close returns a closed channel.
	late, cancel := hub.Subscribe()
	defer cancel()
	if _, open := <-late; open {
		t.Fatal("late subscriber should get a closed channel")
	}
}
