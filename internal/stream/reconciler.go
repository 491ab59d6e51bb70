package stream

import (
	"time"

	"loopcast/internal/models"
)

// StatusView is the merged, human-facing view of one session.
type StatusView struct {
	SessionID      string     `json:"sessionId"`
	Status         string     `json:"status"`
	State          string     `json:"state"`
	VideoPath      string     `json:"videoPath"`
	BroadcastID    string     `json:"broadcastId,omitempty"`
	ProcessRunning bool       `json:"processRunning"`
	EncoderActive  bool       `json:"encoderActive"`
	ElapsedSeconds int        `json:"elapsedSeconds"`
	FailureReason  string     `json:"failureReason,omitempty"`
	LastOutputLine string     `json:"lastOutputLine,omitempty"`
	StartedAt      time.Time  `json:"startedAt"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
}

// Reconciler merges session state, subprocess liveness, and the cached
// encoder status into one user-facing status per session. It is purely a
// read-side view: it never advances session state, so it is safe to query
// from any number of observers concurrently.
type Reconciler struct {
	registry   *Registry
	supervisor ProcessSupervisor
}

// NewReconciler builds a reconciler over the registry and supervisor.
func NewReconciler(registry *Registry, sup ProcessSupervisor) *Reconciler {
	return &Reconciler{registry: registry, supervisor: sup}
}

// Status returns the merged view for one session.
func (r *Reconciler) Status(sessionID string) (StatusView, bool) {
	session, ok := r.registry.Get(sessionID)
	if !ok {
		return StatusView{}, false
	}
	return r.merge(session), true
}

// StatusAll returns merged views for every known session, newest first.
func (r *Reconciler) StatusAll() []StatusView {
	sessions := r.registry.List()
	views := make([]StatusView, 0, len(sessions))
	for _, session := range sessions {
		views = append(views, r.merge(session))
	}
	return views
}

func (r *Reconciler) merge(session models.StreamSession) StatusView {
	view := StatusView{
		SessionID:      session.ID,
		State:          string(session.State),
		VideoPath:      session.VideoPath,
		BroadcastID:    session.BroadcastID,
		EncoderActive:  session.EncoderActive,
		FailureReason:  session.FailureReason,
		LastOutputLine: session.LastOutputLine,
		StartedAt:      session.StartedAt,
		EndedAt:        session.EndedAt,
	}

	status, running := r.supervisor.Status(session.ID)
	view.ProcessRunning = running && status.Running
	if view.ProcessRunning {
		view.ElapsedSeconds = int(status.Elapsed.Seconds())
	} else if session.EndedAt != nil {
		view.ElapsedSeconds = int(session.EndedAt.Sub(session.StartedAt).Seconds())
	}

	view.Status = deriveStatus(session, view.ProcessRunning)
	return view
}

// deriveStatus folds the state machine and subprocess liveness into the
// status string shown to users. A transcoder that died underneath an
// active-ish session is reported as failed even though only the binder and
// supervisor may move the recorded state.
func deriveStatus(session models.StreamSession, processRunning bool) string {
	switch session.State {
	case models.StateCreated, models.StateBinding, models.StateStarting:
		return "starting"
	case models.StateActive:
		if !processRunning {
			return "failed"
		}
		return "active"
	case models.StateGoingLive:
		if !processRunning {
			return "failed"
		}
		return "going_live"
	case models.StateLive:
		if !processRunning {
			return "failed"
		}
		return "live"
	case models.StateStopping:
		return "stopping"
	case models.StateStopped:
		return "stopped"
	default:
		return "failed"
	}
}
