// Package engine orchestrates the liveness state transitions: check-in,
// declare-deceased, resume, status, enrollment and verification. It composes
// the persistent store, the deadline tracker channel and the audit log; the
// HTTP layer stays free of business rules.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"vigil/internal/audit"
	"vigil/internal/platform/apperr"
	"vigil/internal/platform/metrics"
	"vigil/internal/platform/sentinel"
	"vigil/internal/principal/models"
	"vigil/internal/principal/store"
	"vigil/internal/tracker"
)

// DeadlineSender is the tracker's inbound channel surface.
type DeadlineSender interface {
	Send(ctx context.Context, principalID string, deadline uint32) error
}

// AuditLog is the slice of the audit writer the engine needs.
type AuditLog interface {
	Append(principalID string, e audit.Entry) error
}

// Engine exposes the operations the boundary layer calls.
type Engine struct {
	principals    store.PrincipalStore
	verifications store.VerificationStore
	deadlines     DeadlineSender
	auditLog      AuditLog
	metrics       *metrics.Metrics
	logger        *slog.Logger
	clock         tracker.Clock
	startedAt     time.Time
}

// Config wires the engine's collaborators.
type Config struct {
	Principals    store.PrincipalStore
	Verifications store.VerificationStore
	Deadlines     DeadlineSender
	AuditLog      AuditLog
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
	Clock         tracker.Clock
}

func New(cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = tracker.SystemClock{}
	}
	return &Engine{
		principals:    cfg.Principals,
		verifications: cfg.Verifications,
		deadlines:     cfg.Deadlines,
		auditLog:      cfg.AuditLog,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
		clock:         cfg.Clock,
		startedAt:     cfg.Clock.Now(),
	}
}

// Resolve looks up the principal for a bearer token. Unknown tokens yield
// CodeUnauthorized.
func (e *Engine) Resolve(ctx context.Context, bearerID string) (models.Principal, error) {
	p, err := e.principals.GetByID(ctx, bearerID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return models.Principal{}, apperr.New(apperr.CodeUnauthorized, "auth token invalid")
	}
	if err != nil {
		return models.Principal{}, apperr.Wrap(apperr.CodeInternal, "resolve principal", err)
	}
	return p, nil
}

// AuthTest is the trivial authenticated probe: reaching it at all proves the
// bearer token resolved.
func (e *Engine) AuthTest(models.Principal) {}

// CheckIn records a proof of liveness and arms the next deadline at
// now + payload.Td. The deadline is armed once the sweep goroutine drains the
// channel, not synchronously with this call.
func (e *Engine) CheckIn(ctx context.Context, p models.Principal, payload models.Payload) error {
	now := e.clock.Now()
	if err := rejectFutureTimestamp(now, payload); err != nil {
		return err
	}
	if p.State.Terminal() {
		return apperr.New(apperr.CodeConflict, "you are marked as deceased")
	}

	deadline := uint32(now.Unix()) + payload.DeadlineOffset()
	if err := e.deadlines.Send(ctx, p.ID, deadline); err != nil {
		return apperr.Wrap(apperr.CodeInternal, "arm deadline", err)
	}
	if err := e.appendAudit(p.ID, now, payload); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.CheckIns.Inc()
	}
	return nil
}

// DeclareDeceased is the principal's own "I am no longer checking in"
// declaration, distinct from a timeout-driven transition.
func (e *Engine) DeclareDeceased(ctx context.Context, p models.Principal, payload models.Payload) error {
	now := e.clock.Now()
	if err := rejectFutureTimestamp(now, payload); err != nil {
		return err
	}

	ok, err := e.principals.SetState(ctx, p.ID, models.StateDeceased)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "declare deceased", err)
	}
	if !ok {
		return apperr.New(apperr.CodeConflict, "you are marked as deceased")
	}
	if err := e.appendAudit(p.ID, now, payload); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.DeceasedTransitions.WithLabelValues("declared").Inc()
	}
	return nil
}

// Resume rearms a silent-but-alive principal: state back to normal plus a
// fresh deadline. Terminal principals stay terminal.
func (e *Engine) Resume(ctx context.Context, p models.Principal, payload models.Payload) error {
	now := e.clock.Now()
	if err := rejectFutureTimestamp(now, payload); err != nil {
		return err
	}

	ok, err := e.principals.SetState(ctx, p.ID, models.StateNormal)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "resume principal", err)
	}
	if !ok {
		return apperr.New(apperr.CodeConflict, "you are marked as deceased")
	}

	deadline := uint32(now.Unix()) + payload.DeadlineOffset()
	if err := e.deadlines.Send(ctx, p.ID, deadline); err != nil {
		return apperr.Wrap(apperr.CodeInternal, "arm deadline", err)
	}
	return e.appendAudit(p.ID, now, payload)
}

// Status reports server uptime and the account email. Read-only.
func (e *Engine) Status(ctx context.Context, p models.Principal) models.ServerStatus {
	hostname, _ := os.Hostname()
	uptime := e.clock.Now().Sub(e.startedAt)
	return models.ServerStatus{
		Hostname:    hostname,
		Account:     p.Email,
		Uptime:      uint32(uptime.Seconds()),
		Maintenance: -1,
	}
}

// Enroll issues a verification code for the email, suppressing duplicates
// while a live entry exists.
func (e *Engine) Enroll(ctx context.Context, email string) (*models.VerificationEntry, error) {
	now := uint32(e.clock.Now().Unix())
	entry, err := e.verifications.Create(ctx, email, now, true)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "create verification", err)
	}
	if entry == nil {
		return nil, apperr.New(apperr.CodeConflict, "a verification for this email is already pending")
	}
	if e.metrics != nil {
		e.metrics.Enrollments.Inc()
	}
	return entry, nil
}

// Verify consumes a verification code and creates the principal. The stored
// entry for the email must carry exactly this code, so a code leaked from a
// different email cannot complete someone else's enrollment.
func (e *Engine) Verify(ctx context.Context, email string, code uint64) (models.Principal, error) {
	entry, err := e.verifications.GetByEmail(ctx, email)
	if err != nil {
		return models.Principal{}, apperr.Wrap(apperr.CodeInternal, "look up verification", err)
	}
	if entry == nil || entry.Code != code {
		return models.Principal{}, apperr.New(apperr.CodeUnauthorized, "invalid email or verification code")
	}

	now := uint32(e.clock.Now().Unix())
	consumedEmail, err := e.verifications.ConsumeByCode(ctx, code, now)
	if errors.Is(err, sentinel.ErrNotFound) || errors.Is(err, sentinel.ErrExpired) {
		return models.Principal{}, apperr.New(apperr.CodeUnauthorized, "invalid email or verification code")
	}
	if err != nil {
		return models.Principal{}, apperr.Wrap(apperr.CodeInternal, "consume verification", err)
	}

	p, err := e.principals.Create(ctx, consumedEmail)
	if err != nil {
		return models.Principal{}, apperr.Wrap(apperr.CodeInternal, "create principal", err)
	}
	if e.metrics != nil {
		e.metrics.Verifications.Inc()
	}
	e.logger.InfoContext(ctx, "principal enrolled", "email", consumedEmail)
	return p, nil
}

func (e *Engine) appendAudit(principalID string, now time.Time, payload models.Payload) error {
	err := e.auditLog.Append(principalID, audit.Entry{
		Time:         now,
		ClientTime:   payload.Timestamp(),
		Locations:    payload.L,
		Observations: payload.O,
	})
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "append audit entry", err)
	}
	return nil
}

func rejectFutureTimestamp(now time.Time, payload models.Payload) error {
	if int64(payload.Timestamp()) > now.Unix() {
		return apperr.New(apperr.CodeInvalidTimestamp, "timestamp can't be from the future")
	}
	return nil
}
