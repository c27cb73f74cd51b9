package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// refreshAttempts bounds one sync cycle: each failed refresh is followed by
// a full re-authentication before the next try.
const refreshAttempts = 3

// SyncError is the terminal failure of one bounded refresh cycle. The
// thermostat's fields are left at their last successfully refreshed values.
type SyncError struct {
	ThermostatID int64
	Attempts     int
	Cause        error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync of thermostat %d failed after %d attempts: %v", e.ThermostatID, e.Attempts, e.Cause)
}

func (e *SyncError) Unwrap() error { return e.Cause }

type Credentials struct {
	Username string
	Password string
}

// Monitor keeps a set of thermostats in sync with the service, recovering
// from token expiry by re-running the authentication handshake.
type Monitor struct {
	auth        Authenticator
	creds       Credentials
	thermostats []Syncable
	notifier    Notifier
	logger      *slog.Logger

	degraded bool
}

func NewMonitor(
	auth Authenticator,
	creds Credentials,
	thermostats []Syncable,
	notifier Notifier,
	logger *slog.Logger,
) *Monitor {
	return &Monitor{
		auth:        auth,
		creds:       creds,
		thermostats: thermostats,
		notifier:    notifier,
		logger:      logger,
	}
}

// Run refreshes every thermostat on a fixed interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.SyncAll(ctx)
		}
	}
}

// SyncAll runs one cycle over all thermostats and sends a notification on
// the transition into or out of a degraded state.
func (m *Monitor) SyncAll(ctx context.Context) {
	var failed int
	for _, t := range m.thermostats {
		if err := m.SyncOnce(ctx, t); err != nil {
			failed++
			m.logger.Error("thermostat sync failed", "thermostat", t.ID(), "error", err)
		}
	}

	switch {
	case failed > 0 && !m.degraded:
		m.degraded = true
		m.notify(ctx, fmt.Sprintf("thermostat sync failing (%d of %d thermostats)", failed, len(m.thermostats)))
	case failed == 0 && m.degraded:
		m.degraded = false
		m.notify(ctx, "thermostat sync recovered")
	}
}

// SyncOnce refreshes a single thermostat. Each failed attempt is followed
// by a full re-authentication; after refreshAttempts failures the cycle is
// terminal and a *SyncError carrying the last underlying error is returned.
func (m *Monitor) SyncOnce(ctx context.Context, t Syncable) error {
	var lastErr error
	for attempt := 1; attempt <= refreshAttempts; attempt++ {
		err := t.Refresh(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			break
		}

		m.logger.Warn("refresh failed, re-authenticating",
			"thermostat", t.ID(),
			"attempt", attempt,
			"error", err,
		)

		if authErr := m.auth.Authenticate(ctx, m.creds.Username, m.creds.Password); authErr != nil {
			lastErr = authErr
			m.logger.Warn("re-authentication failed",
				"thermostat", t.ID(),
				"attempt", attempt,
				"error", authErr,
			)
		}
	}

	return &SyncError{ThermostatID: t.ID(), Attempts: refreshAttempts, Cause: lastErr}
}

func (m *Monitor) notify(ctx context.Context, message string) {
	if err := m.notifier.Notify(ctx, message); err != nil {
		m.logger.Error("sending notification", "error", err)
	}
}
