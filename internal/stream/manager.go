package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"loopcast/internal/models"
	"loopcast/internal/observability/metrics"
	"loopcast/internal/storage"
	"loopcast/internal/supervisor"
)

// ProcessSupervisor is the subprocess surface the manager drives. Satisfied
// by *supervisor.Supervisor; tests substitute fakes.
type ProcessSupervisor interface {
	Start(params supervisor.StartParams) error
	Stop(sessionID string) error
	Status(sessionID string) (supervisor.Status, bool)
	ActiveCount() int
}

// StartRequest carries everything needed to create and start a session.
type StartRequest struct {
	SessionID string
	VideoPath string
	Broadcast models.BroadcastSettings
}

// Manager drives sessions through their lifecycle: handshake, transcoder
// launch, go-live poll, and teardown. It owns the per-session background
// tasks; nothing it spawns outlives a stop request for that session.
type Manager struct {
	registry   *Registry
	binder     *Binder
	supervisor ProcessSupervisor
	store      storage.Repository
	hub        *Hub
	metrics    *metrics.Recorder
	logger     *slog.Logger

	// admission bounds concurrent handshakes against the remote API quota.
	admission *semaphore.Weighted
}

// ManagerConfig assembles manager collaborators.
type ManagerConfig struct {
	Registry      *Registry
	Binder        *Binder
	Supervisor    ProcessSupervisor
	Store         storage.Repository
	Hub           *Hub
	Metrics       *metrics.Recorder
	Logger        *slog.Logger
	MaxHandshakes int64
}

// NewManager wires a manager from its collaborators.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Hub == nil {
		cfg.Hub = NewHub(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxHandshakes <= 0 {
		cfg.MaxHandshakes = 4
	}
	return &Manager{
		registry:   cfg.Registry,
		binder:     cfg.Binder,
		supervisor: cfg.Supervisor,
		store:      cfg.Store,
		hub:        cfg.Hub,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		admission:  semaphore.NewWeighted(cfg.MaxHandshakes),
	}
}

// Registry exposes the session registry for read-side consumers.
func (m *Manager) Registry() *Registry { return m.registry }

// Hub exposes the event hub so observers (loggers, UI, persistence) can
// subscribe without the supervisor knowing about them.
func (m *Manager) Hub() *Hub { return m.hub }

// HandleProcessEvent is the supervisor observer: it forwards subprocess
// output to the hub and records diagnostics on the session.
func (m *Manager) HandleProcessEvent(event models.Event) {
	switch event.Kind {
	case models.EventProcessLine:
		m.registry.Update(event.SessionID, func(s *models.StreamSession) {
			s.LastOutputLine = event.Message
		})
	case models.EventProcessExit:
		m.registry.Update(event.SessionID, func(s *models.StreamSession) {
			s.LastOutputLine = event.Message
		})
	}
	m.hub.Publish(event)
	if m.metrics != nil {
		m.metrics.SetActiveSessions(m.supervisor.ActiveCount())
	}
}

// StartSession creates a session, performs the broadcast handshake, launches
// the transcoder, and schedules the go-live poll. It returns once the
// subprocess is running; reaching live happens in the background.
func (m *Manager) StartSession(ctx context.Context, req StartRequest) (models.StreamSession, error) {
	if req.VideoPath == "" {
		return models.StreamSession{}, fmt.Errorf("video path is required")
	}
	settings := req.Broadcast
	if settings.PrivacyStatus == "" {
		settings.PrivacyStatus = "unlisted"
	}
	if settings.ScheduledStart.IsZero() {
		settings.ScheduledStart = time.Now()
	}

	session, err := m.registry.Create(models.StreamSession{
		ID:        req.SessionID,
		VideoPath: req.VideoPath,
		Title:     settings.Title,
		StartedAt: time.Now(),
	})
	if err != nil {
		return models.StreamSession{}, err
	}
	logger := m.logger.With("session_id", session.ID)

	if err := m.advance(session.ID, models.StateBinding); err != nil {
		return models.StreamSession{}, err
	}

	if err := m.admission.Acquire(ctx, 1); err != nil {
		return models.StreamSession{}, m.fail(session.ID, fmt.Errorf("admission: %w", err))
	}
	handshakeStart := time.Now()
	binding, err := m.binder.Handshake(ctx, settings)
	m.admission.Release(1)
	if err != nil {
		return models.StreamSession{}, m.fail(session.ID, err)
	}
	if m.metrics != nil {
		m.metrics.ObserveHandshake(time.Since(handshakeStart))
	}

	session, _ = m.registry.Update(session.ID, func(s *models.StreamSession) {
		s.BroadcastID = binding.BroadcastID
		s.IngestStreamID = binding.IngestStreamID
		s.IngestURL = binding.IngestURL
		s.IngestKey = binding.IngestKey
	})

	if err := m.advance(session.ID, models.StateStarting); err != nil {
		return models.StreamSession{}, err
	}

	err = m.supervisor.Start(supervisor.StartParams{
		SessionID: session.ID,
		VideoPath: session.VideoPath,
		IngestURL: binding.IngestURL,
		IngestKey: binding.IngestKey,
	})
	if err != nil {
		return models.StreamSession{}, m.fail(session.ID, err)
	}

	if err := m.advance(session.ID, models.StateActive); err != nil {
		return models.StreamSession{}, err
	}
	if m.metrics != nil {
		m.metrics.SessionStarted()
		m.metrics.SetActiveSessions(m.supervisor.ActiveCount())
	}
	logger.Info("session active",
		"broadcast_id", binding.BroadcastID,
		"ingest_url", binding.IngestURL,
		"ingest_key", models.RedactKey(binding.IngestKey),
	)

	// The go-live poll is owned by the registry entry: a stop request cancels
	// it through CancelPoll, so it can never outlive the session.
	pollCtx, pollCancel := context.WithCancel(context.Background())
	m.registry.SetPollCancel(session.ID, pollCancel)
	go m.runGoLive(pollCtx, session.ID, binding)

	session, _ = m.registry.Get(session.ID)
	return session, nil
}

// runGoLive waits for the encoder-active signal and transitions the
// broadcast to live exactly once.
func (m *Manager) runGoLive(ctx context.Context, sessionID string, binding models.BroadcastBinding) {
	defer m.registry.CancelPoll(sessionID)
	logger := m.logger.With("session_id", sessionID)

	waitStart := time.Now()
	err := m.binder.WaitForEncoderActive(ctx, binding.IngestStreamID)
	if errors.Is(err, context.Canceled) {
		logger.Info("go-live poll cancelled")
		return
	}
	if err != nil {
		logger.Error("encoder never became active", "error", err)
		m.fail(sessionID, err)
		return
	}
	if m.metrics != nil {
		m.metrics.ObserveEncoderWait(time.Since(waitStart))
	}
	m.registry.Update(sessionID, func(s *models.StreamSession) {
		s.EncoderActive = true
	})

	if err := m.advance(sessionID, models.StateGoingLive); err != nil {
		// Stop raced in; the broadcast is no longer ours to transition.
		logger.Info("skipping go-live transition", "error", err)
		return
	}
	if err := m.binder.GoLive(ctx, binding.BroadcastID); err != nil {
		logger.Error("transition to live failed", "error", err)
		m.fail(sessionID, err)
		return
	}
	if err := m.advance(sessionID, models.StateLive); err != nil {
		logger.Warn("session not marked live", "error", err)
		return
	}
	logger.Info("broadcast live", "broadcast_id", binding.BroadcastID)
}

// StopSession cancels the go-live poll, terminates the transcoder, and
// transitions the broadcast to complete (best-effort), in that order. Other
// sessions are unaffected.
func (m *Manager) StopSession(ctx context.Context, sessionID string) error {
	session, ok := m.registry.Get(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	logger := m.logger.With("session_id", sessionID)

	stopping := false
	if session.State.CanTransition(models.StateStopping) {
		if err := m.advance(sessionID, models.StateStopping); err != nil {
			return err
		}
		stopping = true
	} else if !session.State.Terminal() {
		return fmt.Errorf("cannot stop session in state %s", session.State)
	}

	m.registry.CancelPoll(sessionID)

	if err := m.supervisor.Stop(sessionID); err != nil && !errors.Is(err, supervisor.ErrNotActive) {
		logger.Warn("transcoder stop reported error", "error", err)
	}
	m.binder.Complete(ctx, session.BroadcastID)

	if stopping {
		if err := m.advance(sessionID, models.StateStopped); err != nil {
			return err
		}
		if m.metrics != nil {
			m.metrics.SessionStopped()
			m.metrics.SetActiveSessions(m.supervisor.ActiveCount())
		}
		logger.Info("session stopped")
	}
	m.persist(sessionID)
	return nil
}

// StopAll stops every non-terminal session; used at shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	for _, session := range m.registry.List() {
		if session.State.Terminal() {
			continue
		}
		if err := m.StopSession(ctx, session.ID); err != nil {
			m.logger.Warn("session stop during shutdown failed", "session_id", session.ID, "error", err)
		}
	}
}

// advance applies a validated transition and emits the corresponding
// observer event and metric.
func (m *Manager) advance(sessionID string, next models.SessionState) error {
	if _, err := m.registry.Advance(sessionID, next); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.StateTransition(string(next))
	}
	m.hub.Publish(models.Event{
		SessionID: sessionID,
		Kind:      models.EventStateChanged,
		Message:   string(next),
		At:        time.Now(),
	})
	return nil
}

// fail marks the session failed with a reason derived from the error and
// returns the original error for the caller.
func (m *Manager) fail(sessionID string, cause error) error {
	reason := FailureReason(cause)
	m.registry.Update(sessionID, func(s *models.StreamSession) {
		s.FailureReason = cause.Error()
	})
	if err := m.advance(sessionID, models.StateFailed); err != nil {
		m.logger.Warn("session could not be marked failed", "session_id", sessionID, "error", err)
	}
	if m.metrics != nil {
		m.metrics.SessionFailed(reason)
	}
	m.persist(sessionID)
	return cause
}

// persist saves a history snapshot of the session; the registry remains the
// live source of truth.
func (m *Manager) persist(sessionID string) {
	if m.store == nil {
		return
	}
	session, ok := m.registry.Get(sessionID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.SaveSession(ctx, session); err != nil {
		m.logger.Warn("session history save failed", "session_id", sessionID, "error", err)
	}
}
