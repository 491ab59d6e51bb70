package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"loopcast/internal/models"
	"loopcast/internal/storage"
	"loopcast/internal/stream"
)

type fakeSessions struct {
	startErr error
	stopErr  error
	started  []stream.StartRequest
	stopped  []string
}

func (f *fakeSessions) StartSession(ctx context.Context, req stream.StartRequest) (models.StreamSession, error) {
	if f.startErr != nil {
		return models.StreamSession{}, f.startErr
	}
	f.started = append(f.started, req)
	return models.StreamSession{
		ID:        "sess-1",
		VideoPath: req.VideoPath,
		Title:     req.Broadcast.Title,
		State:     models.StateActive,
		IngestKey: "secret-key-value",
		StartedAt: time.Now(),
	}, nil
}

func (f *fakeSessions) StopSession(ctx context.Context, sessionID string) error {
	if f.stopErr != nil {
		return f.stopErr
	}
	f.stopped = append(f.stopped, sessionID)
	return nil
}

type fakeStatuses struct {
	views map[string]stream.StatusView
}

func (f *fakeStatuses) Status(sessionID string) (stream.StatusView, bool) {
	view, ok := f.views[sessionID]
	return view, ok
}

func (f *fakeStatuses) StatusAll() []stream.StatusView {
	out := make([]stream.StatusView, 0, len(f.views))
	for _, view := range f.views {
		out = append(out, view)
	}
	return out
}

func testRouter(handler *Handler) http.Handler {
	router := chi.NewRouter()
	router.Get("/healthz", handler.Health)
	router.Route("/api", func(r chi.Router) {
		r.Post("/sessions", handler.CreateSession)
		r.Get("/sessions", handler.ListSessions)
		r.Get("/sessions/{sessionID}", handler.GetSession)
		r.Delete("/sessions/{sessionID}", handler.StopSession)
		r.Get("/history", handler.ListHistory)
		r.Get("/events", handler.StreamEvents)
	})
	return router
}

func TestCreateSession(t *testing.T) {
	sessions := &fakeSessions{}
	handler := NewHandler(HandlerConfig{Sessions: sessions, Statuses: &fakeStatuses{}})
	router := testRouter(handler)

	body := `{"videoPath":"clip.mp4","title":"Loop","privacyStatus":"public"}`
	request := httptest.NewRequest(http.MethodPost, "/api/sessions", strings.NewReader(body))
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusCreated {
		t.Fatalf("status = %d body=%s", recorder.Code, recorder.Body.String())
	}
	if len(sessions.started) != 1 {
		t.Fatalf("started = %d", len(sessions.started))
	}
	if sessions.started[0].Broadcast.PrivacyStatus != "public" {
		t.Errorf("privacy = %q", sessions.started[0].Broadcast.PrivacyStatus)
	}
	if strings.Contains(recorder.Body.String(), "secret-key-value") {
		t.Error("ingest key leaked into the response body")
	}

	var decoded models.StreamSession
	if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ID != "sess-1" || decoded.State != models.StateActive {
		t.Errorf("session = %+v", decoded)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	handler := NewHandler(HandlerConfig{Sessions: &fakeSessions{}, Statuses: &fakeStatuses{}})
	router := testRouter(handler)

	cases := []string{
		`{"title":"Loop"}`,
		`{"videoPath":"clip.mp4"}`,
		`{"videoPath":"clip.mp4","title":"Loop","bogus":true}`,
		`not json`,
	}
	for _, body := range cases {
		request := httptest.NewRequest(http.MethodPost, "/api/sessions", strings.NewReader(body))
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, request)
		if recorder.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, recorder.Code)
		}
	}
}

func TestCreateSessionErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&stream.ExternalServiceError{Step: "create-broadcast", Err: context.DeadlineExceeded}, http.StatusBadGateway},
		{&stream.BindError{Err: context.DeadlineExceeded}, http.StatusBadGateway},
		{stream.ErrSessionExists, http.StatusConflict},
	}
	for _, tc := range cases {
		handler := NewHandler(HandlerConfig{Sessions: &fakeSessions{startErr: tc.err}, Statuses: &fakeStatuses{}})
		router := testRouter(handler)
		request := httptest.NewRequest(http.MethodPost, "/api/sessions",
			strings.NewReader(`{"videoPath":"clip.mp4","title":"Loop"}`))
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, request)
		if recorder.Code != tc.want {
			t.Errorf("%v: status = %d, want %d", tc.err, recorder.Code, tc.want)
		}
	}
}

func TestGetSession(t *testing.T) {
	statuses := &fakeStatuses{views: map[string]stream.StatusView{
		"sess-1": {SessionID: "sess-1", Status: "live", State: "live", ProcessRunning: true},
	}}
	handler := NewHandler(HandlerConfig{Sessions: &fakeSessions{}, Statuses: statuses})
	router := testRouter(handler)

	request := httptest.NewRequest(http.MethodGet, "/api/sessions/sess-1", nil)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d", recorder.Code)
	}
	var view stream.StatusView
	if err := json.Unmarshal(recorder.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Status != "live" {
		t.Errorf("status = %q", view.Status)
	}

	request = httptest.NewRequest(http.MethodGet, "/api/sessions/ghost", nil)
	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusNotFound {
		t.Errorf("missing session status = %d", recorder.Code)
	}
}

func TestStopSession(t *testing.T) {
	sessions := &fakeSessions{}
	statuses := &fakeStatuses{views: map[string]stream.StatusView{
		"sess-1": {SessionID: "sess-1", Status: "stopped", State: "stopped"},
	}}
	handler := NewHandler(HandlerConfig{Sessions: sessions, Statuses: statuses})
	router := testRouter(handler)

	request := httptest.NewRequest(http.MethodDelete, "/api/sessions/sess-1", nil)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d", recorder.Code)
	}
	if len(sessions.stopped) != 1 || sessions.stopped[0] != "sess-1" {
		t.Errorf("stopped = %v", sessions.stopped)
	}
}

func TestStopSessionNotFound(t *testing.T) {
	handler := NewHandler(HandlerConfig{
		Sessions: &fakeSessions{stopErr: stream.ErrSessionNotFound},
		Statuses: &fakeStatuses{},
	})
	router := testRouter(handler)

	request := httptest.NewRequest(http.MethodDelete, "/api/sessions/ghost", nil)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", recorder.Code)
	}
}

func TestListHistory(t *testing.T) {
	repo := storage.NewMemoryRepository()
	ctx := context.Background()
	repo.SaveSession(ctx, models.StreamSession{ID: "a", State: models.StateStopped, StartedAt: time.Now()})
	repo.SaveSession(ctx, models.StreamSession{ID: "b", State: models.StateFailed, StartedAt: time.Now()})

	handler := NewHandler(HandlerConfig{Sessions: &fakeSessions{}, Statuses: &fakeStatuses{}, History: repo})
	router := testRouter(handler)

	request := httptest.NewRequest(http.MethodGet, "/api/history?state=failed", nil)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d", recorder.Code)
	}
	var records []models.StreamSession
	if err := json.Unmarshal(recorder.Body.Bytes(), &records); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(records) != 1 || records[0].ID != "b" {
		t.Errorf("records = %+v", records)
	}

	request = httptest.NewRequest(http.MethodGet, "/api/history?state=bogus", nil)
	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusBadRequest {
		t.Errorf("bad state filter status = %d", recorder.Code)
	}
}

func TestStreamEvents(t *testing.T) {
	hub := stream.NewHub(8)
	defer hub.Close()
	handler := NewHandler(HandlerConfig{Sessions: &fakeSessions{}, Statuses: &fakeStatuses{}, Events: hub})

	server := httptest.NewServer(testRouter(handler))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/events", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer response.Body.Close()
	if got := response.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("content type = %q", got)
	}

	// Give the handler a moment to subscribe before publishing.
	time.Sleep(50 * time.Millisecond)
	hub.Publish(models.Event{SessionID: "sess-1", Kind: models.EventStateChanged, Message: "live", At: time.Now()})

	buf := make([]byte, 512)
	n, err := response.Body.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	payload := string(buf[:n])
	if !strings.HasPrefix(payload, "data: ") || !strings.Contains(payload, `"sess-1"`) {
		t.Errorf("payload = %q", payload)
	}
}

func TestHealth(t *testing.T) {
	handler := NewHandler(HandlerConfig{Sessions: &fakeSessions{}, Statuses: &fakeStatuses{}})
	router := testRouter(handler)

	request := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d", recorder.Code)
	}
}
