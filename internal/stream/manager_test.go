package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"loopcast/internal/models"
	"loopcast/internal/observability/metrics"
	"loopcast/internal/storage"
	"loopcast/internal/supervisor"
	"loopcast/internal/youtube"
)

// fakeSupervisor satisfies ProcessSupervisor without spawning processes.
type fakeSupervisor struct {
	mu       sync.Mutex
	startErr error
	started  map[string]supervisor.StartParams
	stopped  []string
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{started: make(map[string]supervisor.StartParams)}
}

func (f *fakeSupervisor) Start(params supervisor.StartParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	if _, ok := f.started[params.SessionID]; ok {
		return supervisor.ErrAlreadyActive
	}
	f.started[params.SessionID] = params
	return nil
}

func (f *fakeSupervisor) Stop(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.started[sessionID]; !ok {
		return supervisor.ErrNotActive
	}
	delete(f.started, sessionID)
	f.stopped = append(f.stopped, sessionID)
	return nil
}

func (f *fakeSupervisor) Status(sessionID string) (supervisor.Status, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	params, ok := f.started[sessionID]
	if !ok {
		return supervisor.Status{}, false
	}
	return supervisor.Status{Running: true, Elapsed: time.Second, VideoPath: params.VideoPath}, true
}

func (f *fakeSupervisor) ActiveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

func (f *fakeSupervisor) params(sessionID string) (supervisor.StartParams, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	params, ok := f.started[sessionID]
	return params, ok
}

func newTestManager(client *fakeYouTube, sup *fakeSupervisor, opts ...BinderOption) *Manager {
	return NewManager(ManagerConfig{
		Binder:     NewBinder(client, discardLogger(), opts...),
		Supervisor: sup,
		Store:      storage.NewMemoryRepository(),
		Metrics:    metrics.New(),
		Logger:     discardLogger(),
	})
}

func waitForState(t *testing.T, registry *Registry, sessionID string, want models.SessionState) models.StreamSession {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		session, ok := registry.Get(sessionID)
		if ok && session.State == want {
			return session
		}
		select {
		case <-deadline:
			t.Fatalf("session %s state = %s, want %s", sessionID, session.State, want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// countTerminalEvents drains the channel for the given window and counts
// state-change events announcing a terminal state.
func countTerminalEvents(events <-chan models.Event, window time.Duration) int {
	count := 0
	timeout := time.After(window)
	for {
		select {
		case event, open := <-events:
			if !open {
				return count
			}
			if event.Kind != models.EventStateChanged {
				continue
			}
			if state, err := models.ParseSessionState(event.Message); err == nil && state.Terminal() {
				count++
			}
		case <-timeout:
			return count
		}
	}
}

func TestManagerStartToLive(t *testing.T) {
	client := &fakeYouTube{active: true}
	sup := newFakeSupervisor()
	manager := newTestManager(client, sup, WithPollSettings(10*time.Millisecond, time.Second))

	session, err := manager.StartSession(context.Background(), StartRequest{
		SessionID: "sess-1",
		VideoPath: "clip.mp4",
		Broadcast: testSettings(),
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if session.BroadcastID != "bcast-1" || session.IngestStreamID != "ystream-1" {
		t.Errorf("session binding = %+v", session)
	}

	params, ok := sup.params("sess-1")
	if !ok {
		t.Fatal("transcoder not started")
	}
	if params.IngestURL != "rtmp://x" || params.IngestKey != "k1" {
		t.Errorf("transcoder params = %+v", params)
	}

	final := waitForState(t, manager.Registry(), "sess-1", models.StateLive)
	if !final.EncoderActive {
		t.Error("encoder-active flag not recorded")
	}
	if got := client.transitionCount(youtube.BroadcastLive); got != 1 {
		t.Errorf("live transitions = %d, want exactly 1", got)
	}
}

func TestManagerDuplicateSessionID(t *testing.T) {
	client := &fakeYouTube{active: true}
	manager := newTestManager(client, newFakeSupervisor(), WithPollSettings(10*time.Millisecond, time.Second))

	req := StartRequest{SessionID: "sess-1", VideoPath: "clip.mp4", Broadcast: testSettings()}
	if _, err := manager.StartSession(context.Background(), req); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := manager.StartSession(context.Background(), req); !errors.Is(err, ErrSessionExists) {
		t.Fatalf("second start err = %v, want ErrSessionExists", err)
	}
}

func TestManagerHandshakeFailureSkipsLaunch(t *testing.T) {
	client := &fakeYouTube{broadcastErr: errors.New("quota exceeded")}
	sup := newFakeSupervisor()
	manager := newTestManager(client, sup)

	events, cancelSub := manager.Hub().Subscribe()
	defer cancelSub()

	_, err := manager.StartSession(context.Background(), StartRequest{
		SessionID: "sess-1",
		VideoPath: "clip.mp4",
		Broadcast: testSettings(),
	})
	var external *ExternalServiceError
	if !errors.As(err, &external) || external.Step != "create-broadcast" {
		t.Fatalf("err = %v, want create-broadcast step error", err)
	}

	session := waitForState(t, manager.Registry(), "sess-1", models.StateFailed)
	if session.FailureReason == "" {
		t.Error("failure reason not recorded")
	}
	if sup.ActiveCount() != 0 {
		t.Error("transcoder launched despite handshake failure")
	}
	if got := countTerminalEvents(events, 50*time.Millisecond); got != 1 {
		t.Errorf("terminal events = %d, want exactly 1", got)
	}
}

func TestManagerLaunchFailure(t *testing.T) {
	client := &fakeYouTube{active: true}
	sup := newFakeSupervisor()
	sup.startErr = &supervisor.LaunchError{Err: errors.New("binary not found")}
	manager := newTestManager(client, sup)

	_, err := manager.StartSession(context.Background(), StartRequest{
		SessionID: "sess-1",
		VideoPath: "clip.mp4",
		Broadcast: testSettings(),
	})
	var launch *supervisor.LaunchError
	if !errors.As(err, &launch) {
		t.Fatalf("err = %T, want *supervisor.LaunchError", err)
	}
	session := waitForState(t, manager.Registry(), "sess-1", models.StateFailed)
	if session.FailureReason == "" {
		t.Error("failure reason not recorded")
	}
	if FailureReason(err) != "launch" {
		t.Errorf("failure label = %q, want launch", FailureReason(err))
	}
}

func TestManagerStopFromLive(t *testing.T) {
	client := &fakeYouTube{active: true}
	sup := newFakeSupervisor()
	manager := newTestManager(client, sup, WithPollSettings(10*time.Millisecond, time.Second))

	events, cancelSub := manager.Hub().Subscribe()
	defer cancelSub()

	if _, err := manager.StartSession(context.Background(), StartRequest{
		SessionID: "sess-1",
		VideoPath: "clip.mp4",
		Broadcast: testSettings(),
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForState(t, manager.Registry(), "sess-1", models.StateLive)

	if err := manager.StopSession(context.Background(), "sess-1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	session := waitForState(t, manager.Registry(), "sess-1", models.StateStopped)
	if session.EndedAt == nil {
		t.Error("EndedAt not stamped")
	}
	if sup.ActiveCount() != 0 {
		t.Error("transcoder still running after stop")
	}
	if got := client.transitionCount(youtube.BroadcastComplete); got != 1 {
		t.Errorf("complete transitions = %d, want 1", got)
	}
	if got := countTerminalEvents(events, 50*time.Millisecond); got != 1 {
		t.Errorf("terminal events = %d, want exactly 1", got)
	}
}

func TestManagerStopDuringPollNeverGoesLive(t *testing.T) {
	client := &fakeYouTube{} // encoder never becomes active
	sup := newFakeSupervisor()
	manager := newTestManager(client, sup, WithPollSettings(10*time.Millisecond, time.Minute))

	if _, err := manager.StartSession(context.Background(), StartRequest{
		SessionID: "sess-1",
		VideoPath: "clip.mp4",
		Broadcast: testSettings(),
	}); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Let the poll run a few rounds, then stop mid-wait.
	time.Sleep(35 * time.Millisecond)
	if err := manager.StopSession(context.Background(), "sess-1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitForState(t, manager.Registry(), "sess-1", models.StateStopped)

	// The cancelled poll must make no further remote calls.
	calls := client.statusCallCount()
	time.Sleep(50 * time.Millisecond)
	if got := client.statusCallCount(); got != calls {
		t.Errorf("status calls after stop: %d -> %d", calls, got)
	}
	if got := client.transitionCount(youtube.BroadcastLive); got != 0 {
		t.Errorf("live transitions = %d, want 0", got)
	}
}

func TestManagerPollTimeoutLeavesProcessRunning(t *testing.T) {
	client := &fakeYouTube{}
	sup := newFakeSupervisor()
	manager := newTestManager(client, sup, WithPollSettings(5*time.Millisecond, 30*time.Millisecond))

	if _, err := manager.StartSession(context.Background(), StartRequest{
		SessionID: "sess-1",
		VideoPath: "clip.mp4",
		Broadcast: testSettings(),
	}); err != nil {
		t.Fatalf("start: %v", err)
	}

	session := waitForState(t, manager.Registry(), "sess-1", models.StateFailed)
	if FailureReason(&TimeoutError{}) != "timeout" {
		t.Errorf("timeout label = %q", FailureReason(&TimeoutError{}))
	}
	if session.FailureReason == "" {
		t.Error("failure reason not recorded")
	}
	// The transcoder is left to the caller's explicit stop.
	if sup.ActiveCount() != 1 {
		t.Errorf("active transcoders = %d, want 1", sup.ActiveCount())
	}
	if err := manager.StopSession(context.Background(), "sess-1"); err != nil {
		t.Fatalf("stop after timeout: %v", err)
	}
	if sup.ActiveCount() != 0 {
		t.Error("transcoder not reaped by explicit stop")
	}
}

func TestManagerStopUnknownSession(t *testing.T) {
	manager := newTestManager(&fakeYouTube{}, newFakeSupervisor())
	if err := manager.StopSession(context.Background(), "ghost"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestManagerStopIsPerSession(t *testing.T) {
	client := &fakeYouTube{active: true}
	sup := newFakeSupervisor()
	manager := newTestManager(client, sup, WithPollSettings(10*time.Millisecond, time.Second))

	for _, id := range []string{"sess-1", "sess-2"} {
		if _, err := manager.StartSession(context.Background(), StartRequest{
			SessionID: id,
			VideoPath: id + ".mp4",
			Broadcast: testSettings(),
		}); err != nil {
			t.Fatalf("start %s: %v", id, err)
		}
		waitForState(t, manager.Registry(), id, models.StateLive)
	}

	if err := manager.StopSession(context.Background(), "sess-1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, running := sup.params("sess-2"); !running {
		t.Error("stopping sess-1 took down sess-2")
	}
	other, _ := manager.Registry().Get("sess-2")
	if other.State != models.StateLive {
		t.Errorf("sess-2 state = %s, want live", other.State)
	}
}

func TestManagerStopAll(t *testing.T) {
	client := &fakeYouTube{active: true}
	sup := newFakeSupervisor()
	manager := newTestManager(client, sup, WithPollSettings(10*time.Millisecond, time.Second))

	for _, id := range []string{"sess-1", "sess-2"} {
		if _, err := manager.StartSession(context.Background(), StartRequest{
			SessionID: id,
			VideoPath: "clip.mp4",
			Broadcast: testSettings(),
		}); err != nil {
			t.Fatalf("start %s: %v", id, err)
		}
		waitForState(t, manager.Registry(), id, models.StateLive)
	}

	manager.StopAll(context.Background())
	if sup.ActiveCount() != 0 {
		t.Errorf("active transcoders after StopAll = %d", sup.ActiveCount())
	}
	for _, session := range manager.Registry().List() {
		if session.State != models.StateStopped {
			t.Errorf("session %s state = %s", session.ID, session.State)
		}
	}
}

func TestManagerProcessEventsRecordLastLine(t *testing.T) {
	client := &fakeYouTube{active: true}
	sup := newFakeSupervisor()
	manager := newTestManager(client, sup, WithPollSettings(10*time.Millisecond, time.Second))

	if _, err := manager.StartSession(context.Background(), StartRequest{
		SessionID: "sess-1",
		VideoPath: "clip.mp4",
		Broadcast: testSettings(),
	}); err != nil {
		t.Fatalf("start: %v", err)
	}

	manager.HandleProcessEvent(models.Event{
		SessionID: "sess-1",
		Kind:      models.EventProcessLine,
		Message:   "frame= 120 fps=30",
		At:        time.Now(),
	})
	session, _ := manager.Registry().Get("sess-1")
	if session.LastOutputLine != "frame= 120 fps=30" {
		t.Errorf("last output line = %q", session.LastOutputLine)
	}
}

func TestManagerRequiresVideoPath(t *testing.T) {
	manager := newTestManager(&fakeYouTube{}, newFakeSupervisor())
	if _, err := manager.StartSession(context.Background(), StartRequest{Broadcast: testSettings()}); err == nil {
		t.Fatal("expected error for missing video path")
	}
}
