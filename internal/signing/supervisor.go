// Package signing - Timeout supervision for signing sessions.
package signing

import (
	"context"
	"time"

	"github.com/klingon-exchange/kosign/internal/config"
	"github.com/klingon-exchange/kosign/internal/storage"
	"github.com/klingon-exchange/kosign/pkg/logging"
)

// TimeoutSupervisor expires stale sessions and emits one-time warnings for
// sessions nearing their deadline. It evaluates wall-clock time against the
// persisted store on every tick, so a suspended process catches up on resume
// instead of assuming evenly spaced ticks.
type TimeoutSupervisor struct {
	coordinator *Coordinator
	store       *storage.Storage
	cfg         config.SessionConfig
	log         *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTimeoutSupervisor creates a supervisor over the coordinator's sessions.
func NewTimeoutSupervisor(coordinator *Coordinator, store *storage.Storage, cfg config.SessionConfig) *TimeoutSupervisor {
	ctx, cancel := context.WithCancel(context.Background())
	if cfg.SupervisorInterval == 0 {
		cfg = config.DefaultSessionConfig()
	}
	return &TimeoutSupervisor{
		coordinator: coordinator,
		store:       store,
		cfg:         cfg,
		log:         logging.GetDefault().Component("supervisor"),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

// Start runs the supervision loop in the background.
func (s *TimeoutSupervisor) Start() {
	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.cfg.SupervisorInterval)
		defer ticker.Stop()

		// Catch up immediately on start, not a tick later
		s.Tick(time.Now())

		for {
			select {
			case <-s.ctx.Done():
				return
			case now := <-ticker.C:
				s.Tick(now)
			}
		}
	}()
}

// Stop halts the supervision loop and waits for it to exit.
func (s *TimeoutSupervisor) Stop() {
	s.cancel()
	<-s.done
}

// Tick runs one supervision pass against wall-clock time.
func (s *TimeoutSupervisor) Tick(now time.Time) {
	s.expireStale(now)
	s.warnExpiring(now)
	s.collectGarbage(now)
}

// expireStale moves every session past its deadline to expired.
func (s *TimeoutSupervisor) expireStale(now time.Time) {
	records, err := s.store.GetExpiredSessions(now)
	if err != nil {
		s.log.Warn("failed to query expired sessions", "error", err)
		return
	}

	for _, record := range records {
		if err := s.coordinator.ExpireSession(record.SessionID); err != nil {
			s.log.Warn("failed to expire session",
				"session_id", record.SessionID, "error", err)
		}
	}
}

// warnExpiring emits a one-time warning for sessions inside the warning
// window. MarkSessionWarned only succeeds once per session, so a warning is
// never emitted twice even across restarts.
func (s *TimeoutSupervisor) warnExpiring(now time.Time) {
	records, err := s.store.GetSessionsNearingExpiry(now, s.cfg.WarningWindow)
	if err != nil {
		s.log.Warn("failed to query expiring sessions", "error", err)
		return
	}

	for _, record := range records {
		if err := s.store.MarkSessionWarned(record.SessionID, now); err != nil {
			continue
		}

		s.log.Info("session expiring soon",
			"session_id", record.SessionID,
			"expires_at", record.ExpiresAt.Format(time.RFC3339))

		s.coordinator.mu.RLock()
		s.coordinator.emitEvent(record.SessionID, "expiring", map[string]interface{}{
			"expires_at": record.ExpiresAt.Unix(),
		})
		s.coordinator.mu.RUnlock()
	}
}

// collectGarbage removes terminal sessions past the retention window.
func (s *TimeoutSupervisor) collectGarbage(now time.Time) {
	if s.cfg.Retention == 0 {
		return
	}

	removed, err := s.store.DeleteSessionsBefore(now.Add(-s.cfg.Retention))
	if err != nil {
		s.log.Warn("session garbage collection failed", "error", err)
		return
	}
	if removed > 0 {
		s.log.Debug("collected old sessions", "count", removed)
	}
}
