package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"loopcast/internal/models"
	"loopcast/internal/youtube"
)

// fakeYouTube satisfies youtube.Client with scriptable failures and call
// accounting. Shared with the manager tests.
type fakeYouTube struct {
	mu sync.Mutex

	streamErr    error
	broadcastErr error
	bindErr      error
	statusErr    error
	liveErr      error

	active bool

	streamCalls  int
	statusCalls  int
	bindBcastID  string
	bindStreamID string
	broadcastReq youtube.BroadcastRequest
	transitions  []youtube.BroadcastState
}

func (f *fakeYouTube) CreateLiveStream(ctx context.Context, title, resolution, frameRate string) (youtube.LiveStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streamCalls++
	if f.streamErr != nil {
		return youtube.LiveStream{}, f.streamErr
	}
	return youtube.LiveStream{
		ID:        "ystream-1",
		IngestURL: "rtmp://x",
		IngestKey: "k1",
	}, nil
}

func (f *fakeYouTube) CreateBroadcast(ctx context.Context, req youtube.BroadcastRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broadcastErr != nil {
		return "", f.broadcastErr
	}
	f.broadcastReq = req
	return "bcast-1", nil
}

func (f *fakeYouTube) BindBroadcast(ctx context.Context, broadcastID, streamID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bindErr != nil {
		return f.bindErr
	}
	f.bindBcastID = broadcastID
	f.bindStreamID = streamID
	return nil
}

func (f *fakeYouTube) StreamStatus(ctx context.Context, streamID string) (youtube.IngestStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if f.statusErr != nil {
		return youtube.IngestStatus{}, f.statusErr
	}
	return youtube.IngestStatus{Active: f.active, Health: "good"}, nil
}

func (f *fakeYouTube) Transition(ctx context.Context, broadcastID string, target youtube.BroadcastState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if target == youtube.BroadcastLive && f.liveErr != nil {
		return f.liveErr
	}
	f.transitions = append(f.transitions, target)
	return nil
}

func (f *fakeYouTube) setActive(active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = active
}

func (f *fakeYouTube) statusCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls
}

func (f *fakeYouTube) transitionCount(target youtube.BroadcastState) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, got := range f.transitions {
		if got == target {
			count++
		}
	}
	return count
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSettings() models.BroadcastSettings {
	return models.BroadcastSettings{
		Title:          "Test Loop",
		Description:    "looping clip",
		ScheduledStart: time.Now(),
		PrivacyStatus:  "unlisted",
		Resolution:     "1080p",
		FrameRate:      "30fps",
	}
}

func TestBinderHandshakeHappyPath(t *testing.T) {
	client := &fakeYouTube{}
	binder := NewBinder(client, discardLogger())

	binding, err := binder.Handshake(context.Background(), testSettings())
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if binding.BroadcastID != "bcast-1" || binding.IngestStreamID != "ystream-1" {
		t.Errorf("binding = %+v", binding)
	}
	if binding.IngestURL != "rtmp://x" || binding.IngestKey != "k1" {
		t.Errorf("ingest coordinates = %q / %q", binding.IngestURL, models.RedactKey(binding.IngestKey))
	}
	if client.bindBcastID != "bcast-1" || client.bindStreamID != "ystream-1" {
		t.Errorf("bind used %q / %q", client.bindBcastID, client.bindStreamID)
	}
	if client.broadcastReq.Title != "Test Loop" {
		t.Errorf("broadcast title = %q", client.broadcastReq.Title)
	}
}

func TestBinderHandshakeStreamFailure(t *testing.T) {
	client := &fakeYouTube{streamErr: errors.New("quota exceeded")}
	binder := NewBinder(client, discardLogger())

	_, err := binder.Handshake(context.Background(), testSettings())
	var external *ExternalServiceError
	if !errors.As(err, &external) {
		t.Fatalf("err = %T, want *ExternalServiceError", err)
	}
	if external.Step != "create-stream" {
		t.Errorf("step = %q", external.Step)
	}
}

func TestBinderHandshakeBroadcastFailure(t *testing.T) {
	client := &fakeYouTube{broadcastErr: errors.New("invalid title")}
	binder := NewBinder(client, discardLogger())

	_, err := binder.Handshake(context.Background(), testSettings())
	var external *ExternalServiceError
	if !errors.As(err, &external) {
		t.Fatalf("err = %T, want *ExternalServiceError", err)
	}
	if external.Step != "create-broadcast" {
		t.Errorf("step = %q", external.Step)
	}
}

func TestBinderHandshakeBindFailure(t *testing.T) {
	client := &fakeYouTube{bindErr: errors.New("stream in use")}
	binder := NewBinder(client, discardLogger())

	_, err := binder.Handshake(context.Background(), testSettings())
	var bindErr *BindError
	if !errors.As(err, &bindErr) {
		t.Fatalf("err = %T, want *BindError", err)
	}
	var external *ExternalServiceError
	if errors.As(err, &external) {
		t.Error("bind failures must not read as handshake step failures")
	}
}

func TestBinderWaitReturnsOnActive(t *testing.T) {
	client := &fakeYouTube{active: true}
	binder := NewBinder(client, discardLogger(), WithPollSettings(10*time.Millisecond, time.Second))

	if err := binder.WaitForEncoderActive(context.Background(), "ystream-1"); err != nil {
		t.Fatalf("wait: %v", err)
	}
	// The active signal on the first probe ends the wait with one call.
	if got := client.statusCallCount(); got != 1 {
		t.Errorf("status calls = %d, want 1", got)
	}
}

func TestBinderWaitTimesOut(t *testing.T) {
	client := &fakeYouTube{}
	binder := NewBinder(client, discardLogger(), WithPollSettings(5*time.Millisecond, 30*time.Millisecond))

	err := binder.WaitForEncoderActive(context.Background(), "ystream-1")
	var timeout *TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("err = %T (%v), want *TimeoutError", err, err)
	}
	if client.statusCallCount() < 2 {
		t.Errorf("status calls = %d, want repeated polling", client.statusCallCount())
	}
}

func TestBinderWaitToleratesStatusErrors(t *testing.T) {
	client := &fakeYouTube{statusErr: errors.New("backend unavailable")}
	binder := NewBinder(client, discardLogger(), WithPollSettings(5*time.Millisecond, 500*time.Millisecond))

	done := make(chan error, 1)
	go func() { done <- binder.WaitForEncoderActive(context.Background(), "ystream-1") }()

	// Clear the fault mid-poll and flip active; the wait should recover.
	time.Sleep(15 * time.Millisecond)
	client.mu.Lock()
	client.statusErr = nil
	client.active = true
	client.mu.Unlock()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("wait did not return")
	}
}

func TestBinderWaitCancelStopsRemoteCalls(t *testing.T) {
	client := &fakeYouTube{}
	binder := NewBinder(client, discardLogger(), WithPollSettings(10*time.Millisecond, time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- binder.WaitForEncoderActive(ctx, "ystream-1") }()

	time.Sleep(25 * time.Millisecond)
	cancel()

	var err error
	select {
	case err = <-done:
	case <-time.After(time.Second):
		t.Fatal("wait did not return after cancel")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	after := client.statusCallCount()
	time.Sleep(50 * time.Millisecond)
	if got := client.statusCallCount(); got != after {
		t.Errorf("status calls kept arriving after cancel: %d -> %d", after, got)
	}
}

func TestBinderGoLive(t *testing.T) {
	client := &fakeYouTube{}
	binder := NewBinder(client, discardLogger())

	if err := binder.GoLive(context.Background(), "bcast-1"); err != nil {
		t.Fatalf("go live: %v", err)
	}
	if client.transitionCount(youtube.BroadcastLive) != 1 {
		t.Errorf("live transitions = %d", client.transitionCount(youtube.BroadcastLive))
	}

	client.liveErr = errors.New("encoder inactive")
	err := binder.GoLive(context.Background(), "bcast-1")
	var external *ExternalServiceError
	if !errors.As(err, &external) || external.Step != "transition-live" {
		t.Fatalf("err = %v, want transition-live step error", err)
	}
}

func TestBinderCompleteSwallowsRejection(t *testing.T) {
	client := &fakeYouTube{}
	binder := NewBinder(client, discardLogger())

	// No broadcast id means nothing to tear down remotely.
	binder.Complete(context.Background(), "")
	if client.transitionCount(youtube.BroadcastComplete) != 0 {
		t.Error("complete issued without a broadcast id")
	}

	binder.Complete(context.Background(), "bcast-1")
	if client.transitionCount(youtube.BroadcastComplete) != 1 {
		t.Errorf("complete transitions = %d", client.transitionCount(youtube.BroadcastComplete))
	}
}
