package stream

import (
	"context"
	"log/slog"
	"time"

	"loopcast/internal/models"
	"loopcast/internal/youtube"
)

const (
	defaultPollInterval = 3 * time.Second
	defaultPollTimeout  = 90 * time.Second
)

// Binder executes the remote-service handshake and the encoder-readiness
// poll. It holds no per-session state; all results flow back to the registry
// through the manager.
type Binder struct {
	client       youtube.Client
	logger       *slog.Logger
	pollInterval time.Duration
	pollTimeout  time.Duration
}

// BinderOption mutates binder configuration.
type BinderOption func(*Binder)

// WithPollSettings overrides the encoder-readiness poll interval and timeout.
func WithPollSettings(interval, timeout time.Duration) BinderOption {
	return func(b *Binder) {
		if interval > 0 {
			b.pollInterval = interval
		}
		if timeout > 0 {
			b.pollTimeout = timeout
		}
	}
}

// NewBinder constructs a binder over the given API client.
func NewBinder(client youtube.Client, logger *slog.Logger, opts ...BinderOption) *Binder {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Binder{
		client:       client,
		logger:       logger,
		pollInterval: defaultPollInterval,
		pollTimeout:  defaultPollTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Handshake performs, in strict order: create ingest stream, create
// broadcast, bind. Failures are not unwound; a step-2 or step-3 failure
// leaves earlier remote resources orphaned, and the returned error names the
// failed step so they can be cleaned up manually.
func (b *Binder) Handshake(ctx context.Context, settings models.BroadcastSettings) (models.BroadcastBinding, error) {
	stream, err := b.client.CreateLiveStream(ctx, settings.Title, settings.Resolution, settings.FrameRate)
	if err != nil {
		return models.BroadcastBinding{}, &ExternalServiceError{Step: "create-stream", Err: err}
	}
	b.logger.Info("ingest stream created",
		"ingest_stream_id", stream.ID,
		"ingest_url", stream.IngestURL,
		"ingest_key", models.RedactKey(stream.IngestKey),
	)

	broadcastID, err := b.client.CreateBroadcast(ctx, youtube.BroadcastRequest{
		Title:          settings.Title,
		Description:    settings.Description,
		ScheduledStart: settings.ScheduledStart,
		PrivacyStatus:  settings.PrivacyStatus,
	})
	if err != nil {
		b.logger.Error("broadcast creation failed, ingest stream orphaned", "ingest_stream_id", stream.ID)
		return models.BroadcastBinding{}, &ExternalServiceError{Step: "create-broadcast", Err: err}
	}

	if err := b.client.BindBroadcast(ctx, broadcastID, stream.ID); err != nil {
		b.logger.Error("bind failed, broadcast and ingest stream orphaned",
			"broadcast_id", broadcastID, "ingest_stream_id", stream.ID)
		return models.BroadcastBinding{}, &BindError{Err: err}
	}

	b.logger.Info("broadcast bound", "broadcast_id", broadcastID, "ingest_stream_id", stream.ID)
	return models.BroadcastBinding{
		BroadcastID:    broadcastID,
		IngestStreamID: stream.ID,
		IngestURL:      stream.IngestURL,
		IngestKey:      stream.IngestKey,
		PrivacyStatus:  settings.PrivacyStatus,
		ScheduledStart: settings.ScheduledStart,
	}, nil
}

// WaitForEncoderActive polls the ingest stream status at a fixed interval
// until the remote service reports media flowing, the timeout elapses, or the
// context is cancelled. Remote read errors are tolerated; only the active
// signal ends the wait early.
func (b *Binder) WaitForEncoderActive(ctx context.Context, ingestStreamID string) error {
	deadline := time.NewTimer(b.pollTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	started := time.Now()
	for {
		status, err := b.client.StreamStatus(ctx, ingestStreamID)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			b.logger.Warn("ingest status check failed", "ingest_stream_id", ingestStreamID, "error", err)
		case status.Active:
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return &TimeoutError{Waited: time.Since(started).Round(time.Second)}
		case <-ticker.C:
		}
	}
}

// GoLive issues the transition-to-live call. The caller invokes it exactly
// once, after WaitForEncoderActive succeeds.
func (b *Binder) GoLive(ctx context.Context, broadcastID string) error {
	if err := b.client.Transition(ctx, broadcastID, youtube.BroadcastLive); err != nil {
		return &ExternalServiceError{Step: "transition-live", Err: err}
	}
	return nil
}

// Complete issues the transition-to-complete call. Best-effort: a rejection
// (broadcast already ended, never went live) is logged and swallowed so local
// teardown is never blocked on the remote side.
func (b *Binder) Complete(ctx context.Context, broadcastID string) {
	if broadcastID == "" {
		return
	}
	if err := b.client.Transition(ctx, broadcastID, youtube.BroadcastComplete); err != nil {
		b.logger.Warn("transition to complete rejected", "broadcast_id", broadcastID, "error", err)
	}
}
