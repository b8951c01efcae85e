// Package tracker owns the in-memory map of per-principal check-in deadlines
// and the sweep loop that declares overdue principals deceased.
//
// The map is touched only by the goroutine running Run; every other component
// talks to the tracker through a bounded update channel. A check-in is armed
// once the sweep goroutine drains it, not synchronously with the request.
package tracker

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"vigil/internal/platform/metrics"
	"vigil/internal/principal/models"
)

// Update arms or rearms one principal's deadline. A later update for the same
// principal replaces the earlier one regardless of deadline value.
type Update struct {
	PrincipalID string
	Deadline    uint32
}

// Clock abstracts wall-clock time so sweeps are testable.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// PrincipalStore is the slice of the store the sweep needs.
type PrincipalStore interface {
	GetByID(ctx context.Context, id string) (models.Principal, error)
	SetState(ctx context.Context, id string, newState models.State) (bool, error)
}

// VerificationPurger reclaims expired verification entries.
type VerificationPurger interface {
	PurgeExpired(ctx context.Context, now uint32) error
}

// AuditLogger records the timeout transition in the principal's audit trail.
type AuditLogger interface {
	System(principalID, message string, now time.Time) error
}

// Config wires the tracker's collaborators and tuning knobs.
type Config struct {
	Store         PrincipalStore
	Verifications VerificationPurger
	AuditLog      AuditLogger
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
	Clock         Clock

	// SweepInterval is the tick cadence of the sweep loop.
	SweepInterval time.Duration
	// ChannelCap bounds the update channel; producers block when it is
	// full.
	ChannelCap int
	// PurgeDenominator is N in the 1-in-N chance per cycle that expired
	// verifications are purged. Zero disables the purge.
	PurgeDenominator int
}

// Tracker is the single sweep authority.
type Tracker struct {
	updates   chan Update
	deadlines map[string]uint32

	store         PrincipalStore
	verifications VerificationPurger
	auditLog      AuditLogger
	metrics       *metrics.Metrics
	logger        *slog.Logger
	clock         Clock

	interval         time.Duration
	purgeDenominator int
}

func New(cfg Config) *Tracker {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	if cfg.ChannelCap <= 0 {
		cfg.ChannelCap = 1024
	}
	return &Tracker{
		updates:          make(chan Update, cfg.ChannelCap),
		deadlines:        make(map[string]uint32),
		store:            cfg.Store,
		verifications:    cfg.Verifications,
		auditLog:         cfg.AuditLog,
		metrics:          cfg.Metrics,
		logger:           cfg.Logger,
		clock:            cfg.Clock,
		interval:         cfg.SweepInterval,
		purgeDenominator: cfg.PurgeDenominator,
	}
}

// Send queues a deadline update. It blocks when the channel is full and
// returns early if ctx is cancelled, so a stalled sweep loop exerts
// backpressure on producers instead of growing memory without bound.
func (t *Tracker) Send(ctx context.Context, principalID string, deadline uint32) error {
	select {
	case t.updates <- Update{PrincipalID: principalID, Deadline: deadline}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes sweep cycles on a fixed tick until ctx is cancelled. Store
// failures are logged and retried on the next cycle; Run only returns on
// cancellation.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.SweepOnce(ctx)
		}
	}
}

// SweepOnce drains all queued updates without blocking, then sweeps the map
// against the current time. Exported so tests can drive cycles directly with
// a fake clock; outside tests only the Run goroutine may call it.
func (t *Tracker) SweepOnce(ctx context.Context) {
	t.drain()

	now := uint32(t.clock.Now().Unix())
	for id, deadline := range t.deadlines {
		if now <= deadline {
			continue
		}
		ok, err := t.store.SetState(ctx, id, models.StateDeceased)
		if err != nil {
			// Keep the entry; next cycle retries.
			if t.metrics != nil {
				t.metrics.SweepStoreErrors.Inc()
			}
			t.logger.ErrorContext(ctx, "failed to mark overdue principal deceased",
				"principal_id", id,
				"error", err,
			)
			continue
		}
		delete(t.deadlines, id)
		if !ok {
			// Already terminal, e.g. the principal declared deceased
			// after this deadline was armed. Nothing to record.
			continue
		}
		if t.metrics != nil {
			t.metrics.DeceasedTransitions.WithLabelValues("timeout").Inc()
		}
		t.logger.InfoContext(ctx, "principal marked deceased due to timeout", "principal_id", id)
		if err := t.auditLog.System(id, "marked as deceased due to timeout", t.clock.Now()); err != nil {
			t.logger.ErrorContext(ctx, "failed to write timeout audit entry",
				"principal_id", id,
				"error", err,
			)
		}
	}

	t.maybePurge(ctx, now)

	if t.metrics != nil {
		t.metrics.SweepCycles.Inc()
		t.metrics.ArmedDeadlines.Set(float64(len(t.deadlines)))
	}
}

// drain consumes every currently-queued update and stops as soon as the
// channel reports empty.
func (t *Tracker) drain() {
	for {
		select {
		case u := <-t.updates:
			t.deadlines[u.PrincipalID] = u.Deadline
		default:
			return
		}
	}
}

// maybePurge reclaims expired verification entries with probability
// 1/purgeDenominator. This only bounds storage growth; expiry correctness is
// enforced at consume time.
func (t *Tracker) maybePurge(ctx context.Context, now uint32) {
	if t.verifications == nil || t.purgeDenominator <= 0 {
		return
	}
	if rand.IntN(t.purgeDenominator) != 0 {
		return
	}
	if err := t.verifications.PurgeExpired(ctx, now); err != nil {
		t.logger.ErrorContext(ctx, "failed to purge expired verifications", "error", err)
		return
	}
	if t.metrics != nil {
		t.metrics.VerificationPurges.Inc()
	}
}

// Armed reports how many deadlines are currently held. Only safe from the
// goroutine driving sweeps.
func (t *Tracker) Armed() int { return len(t.deadlines) }
