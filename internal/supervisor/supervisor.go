// Package supervisor owns the transcoder subprocesses: one ffmpeg process
// per active session, launched against the session's ingest coordinates and
// monitored until exit.
package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"loopcast/internal/models"
)

// ErrAlreadyActive is returned when a session already holds a running
// transcoder process.
var ErrAlreadyActive = errors.New("session already has an active process")

// ErrNotActive is returned when stop is requested for a session without a
// process handle.
var ErrNotActive = errors.New("session has no active process")

// LaunchError reports that the transcoder process could not be started; no
// process handle exists when it is returned.
type LaunchError struct {
	Err error
}

func (e *LaunchError) Error() string { return fmt.Sprintf("launch transcoder: %v", e.Err) }
func (e *LaunchError) Unwrap() error { return e.Err }

// Observer receives subprocess output lines and the terminal exit event.
type Observer func(event models.Event)

// Config fixes the encoding parameters of the transcoder command template.
type Config struct {
	BinaryPath       string
	VideoBitrate     string
	MaxBitrate       string
	BufferSize       string
	KeyframeInterval int
	AudioBitrate     string
	AudioSampleRate  int
	GracePeriod      time.Duration
}

func (c Config) withDefaults() Config {
	if c.BinaryPath == "" {
		c.BinaryPath = "ffmpeg"
	}
	if c.VideoBitrate == "" {
		c.VideoBitrate = "3000k"
	}
	if c.MaxBitrate == "" {
		c.MaxBitrate = "3000k"
	}
	if c.BufferSize == "" {
		c.BufferSize = "6000k"
	}
	if c.KeyframeInterval <= 0 {
		c.KeyframeInterval = 60
	}
	if c.AudioBitrate == "" {
		c.AudioBitrate = "128k"
	}
	if c.AudioSampleRate <= 0 {
		c.AudioSampleRate = 44100
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 10 * time.Second
	}
	return c
}

// StartParams identifies the session and the media it should stream.
type StartParams struct {
	SessionID string
	VideoPath string
	IngestURL string
	IngestKey string
}

// Status is a non-blocking snapshot of one session's process.
type Status struct {
	Running   bool
	Elapsed   time.Duration
	VideoPath string
}

type processHandle struct {
	sessionID string
	videoPath string
	cmd       *exec.Cmd
	startedAt time.Time
	done      chan struct{}

	mu       sync.Mutex
	lastLine string
	exitCode *int
}

// Supervisor launches and tracks transcoder processes keyed by session ID.
type Supervisor struct {
	cfg      Config
	logger   *slog.Logger
	observer Observer

	mu      sync.RWMutex
	handles map[string]*processHandle
}

// New constructs a supervisor. A nil observer discards events.
func New(cfg Config, logger *slog.Logger, observer Observer) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = func(models.Event) {}
	}
	return &Supervisor{
		cfg:      cfg.withDefaults(),
		logger:   logger,
		observer: observer,
		handles:  make(map[string]*processHandle),
	}
}

// commandArgs builds the fixed transcoding template: real-time pacing, input
// looping, H.264 + AAC, FLV muxing for RTMP ingest.
func (s *Supervisor) commandArgs(params StartParams) []string {
	destination := params.IngestURL + "/" + params.IngestKey
	return []string{
		"-re",
		"-stream_loop", "-1",
		"-i", params.VideoPath,
		"-c:v", "libx264",
		"-preset", "fast",
		"-b:v", s.cfg.VideoBitrate,
		"-maxrate", s.cfg.MaxBitrate,
		"-bufsize", s.cfg.BufferSize,
		"-g", strconv.Itoa(s.cfg.KeyframeInterval),
		"-c:a", "aac",
		"-b:a", s.cfg.AudioBitrate,
		"-ac", "2",
		"-ar", strconv.Itoa(s.cfg.AudioSampleRate),
		"-f", "flv",
		destination,
	}
}

// Start launches the transcoder for the session. Exactly one process may
// exist per session; a second start is rejected with ErrAlreadyActive.
func (s *Supervisor) Start(params StartParams) error {
	s.mu.Lock()
	if _, exists := s.handles[params.SessionID]; exists {
		s.mu.Unlock()
		return ErrAlreadyActive
	}
	// Reserve the slot before the (slow) launch so concurrent starts for the
	// same session cannot both proceed.
	s.handles[params.SessionID] = nil
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		delete(s.handles, params.SessionID)
		s.mu.Unlock()
	}

	if _, err := os.Stat(params.VideoPath); err != nil {
		release()
		return &LaunchError{Err: fmt.Errorf("video file %s: %w", params.VideoPath, err)}
	}

	cmd := exec.Command(s.cfg.BinaryPath, s.commandArgs(params)...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		release()
		return &LaunchError{Err: err}
	}
	if err := cmd.Start(); err != nil {
		release()
		return &LaunchError{Err: err}
	}

	handle := &processHandle{
		sessionID: params.SessionID,
		videoPath: params.VideoPath,
		cmd:       cmd,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	s.mu.Lock()
	s.handles[params.SessionID] = handle
	s.mu.Unlock()

	s.logger.Info("transcoder started",
		"session_id", params.SessionID,
		"video", params.VideoPath,
		"ingest_url", params.IngestURL,
		"ingest_key", models.RedactKey(params.IngestKey),
		"pid", cmd.Process.Pid,
	)

	go s.monitor(handle, stderr)
	return nil
}

// monitor drains the diagnostic stream line by line. The drain must never
// stall: an unread pipe buffer blocks ffmpeg and corrupts the stream.
func (s *Supervisor) monitor(handle *processHandle, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		handle.mu.Lock()
		handle.lastLine = line
		handle.mu.Unlock()
		s.observer(models.Event{
			SessionID: handle.sessionID,
			Kind:      models.EventProcessLine,
			Message:   line,
			At:        time.Now(),
		})
	}

	err := handle.cmd.Wait()
	exitCode := 0
	if err != nil {
		exitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
	}
	handle.mu.Lock()
	handle.exitCode = &exitCode
	lastLine := handle.lastLine
	handle.mu.Unlock()

	s.mu.Lock()
	delete(s.handles, handle.sessionID)
	s.mu.Unlock()

	s.logger.Info("transcoder exited", "session_id", handle.sessionID, "exit_code", exitCode)
	message := fmt.Sprintf("transcoder exited with code %d", exitCode)
	if exitCode != 0 && lastLine != "" {
		message = fmt.Sprintf("%s: %s", message, lastLine)
	}
	// Exactly one terminal event per process, emitted from the monitor.
	s.observer(models.Event{
		SessionID: handle.sessionID,
		Kind:      models.EventProcessExit,
		Message:   message,
		At:        time.Now(),
	})
	close(handle.done)
}

// Stop requests graceful termination, escalating to SIGKILL after the grace
// period. The handle is always released by the time Stop returns.
func (s *Supervisor) Stop(sessionID string) error {
	s.mu.RLock()
	handle := s.handles[sessionID]
	s.mu.RUnlock()
	if handle == nil {
		return ErrNotActive
	}

	if err := handle.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Process already gone; the monitor will finish the bookkeeping.
		s.logger.Debug("terminate signal failed", "session_id", sessionID, "error", err)
	}

	select {
	case <-handle.done:
		return nil
	case <-time.After(s.cfg.GracePeriod):
	}

	s.logger.Warn("transcoder did not exit within grace period, killing", "session_id", sessionID)
	if err := handle.cmd.Process.Kill(); err != nil {
		s.logger.Debug("kill failed", "session_id", sessionID, "error", err)
	}
	<-handle.done
	return nil
}

// Status reports liveness and elapsed time without touching subprocess I/O.
func (s *Supervisor) Status(sessionID string) (Status, bool) {
	s.mu.RLock()
	handle := s.handles[sessionID]
	s.mu.RUnlock()
	if handle == nil {
		return Status{}, false
	}
	return Status{
		Running:   true,
		Elapsed:   time.Since(handle.startedAt),
		VideoPath: handle.videoPath,
	}, true
}

// LastOutputLine returns the most recent diagnostic line for troubleshooting.
func (s *Supervisor) LastOutputLine(sessionID string) string {
	s.mu.RLock()
	handle := s.handles[sessionID]
	s.mu.RUnlock()
	if handle == nil {
		return ""
	}
	handle.mu.Lock()
	defer handle.mu.Unlock()
	return handle.lastLine
}

// ActiveCount reports how many sessions currently hold a process.
func (s *Supervisor) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, handle := range s.handles {
		if handle != nil {
			count++
		}
	}
	return count
}
