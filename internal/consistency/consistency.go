// Package consistency decides, once at startup, how state-transition units
// are executed against the store, and runs them.
//
// Strict runs every unit inside one store transaction. BestEffort runs the
// same unit without isolation; it exists for single-node development
// databases that cannot do multi-statement transactions and must never face
// concurrent production load. Engines stay correct-by-construction against
// double payment in both modes because every unit claims its row with a
// conditional status update before it moves money.
package consistency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/store"
)

var (
	// ErrBestEffortNotAllowed is returned when the store cannot run
	// transactions and the deployment did not opt into BestEffort.
	ErrBestEffortNotAllowed = errors.New("consistency: store has no transaction support and best-effort mode is not allowed")

	// ErrUnknownMode is returned for an unrecognised mode setting.
	ErrUnknownMode = errors.New("consistency: unknown mode")
)

// Mode is the consistency guarantee of state-transition units.
type Mode int

const (
	Strict Mode = iota
	BestEffort
)

func (m Mode) String() string {
	if m == BestEffort {
		return "best-effort"
	}
	return "strict"
}

// Detect checks the store once. Stores with transaction support get Strict;
// others get BestEffort only when allowBestEffort is set.
func Detect(ctx context.Context, s store.Store, allowBestEffort bool) (Mode, error) {
	if s.SupportsTransactions(ctx) {
		return Strict, nil
	}
	if !allowBestEffort {
		return Strict, ErrBestEffortNotAllowed
	}
	return BestEffort, nil
}

// Select resolves a configured setting ("auto", "strict", "best-effort").
// "strict" fails if the store cannot honour it; "best-effort" still requires
// allowBestEffort.
func Select(ctx context.Context, s store.Store, setting string, allowBestEffort bool) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(setting)) {
	case "", "auto":
		return Detect(ctx, s, allowBestEffort)
	case "strict":
		if !s.SupportsTransactions(ctx) {
			return Strict, fmt.Errorf("strict mode requested: %w", store.ErrTransactionsUnsupported)
		}
		return Strict, nil
	case "best-effort", "besteffort":
		if !allowBestEffort {
			return Strict, ErrBestEffortNotAllowed
		}
		return BestEffort, nil
	}
	return Strict, fmt.Errorf("%w: %q", ErrUnknownMode, setting)
}

// Runner executes state-transition units in a fixed Mode.
type Runner struct {
	store  store.Store
	mode   Mode
	logger *slog.Logger
}

// NewRunner creates a runner. BestEffort is announced once, at Error level.
func NewRunner(s store.Store, mode Mode, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if mode == BestEffort {
		logger.Error("consistency mode is best-effort: units run without transactional isolation; development use only")
	}
	return &Runner{store: s, mode: mode, logger: logger}
}

// Mode returns the mode the runner was built with.
func (r *Runner) Mode() Mode { return r.mode }

// Store returns the underlying store for reads outside a unit.
func (r *Runner) Store() store.Store { return r.store }

// Run executes fn as one unit named op.
func (r *Runner) Run(ctx context.Context, op string, fn func(ctx context.Context, tx store.Tx) error) error {
	start := time.Now()

	var err error
	if r.mode == Strict {
		err = r.store.Atomic(ctx, fn)
	} else {
		err = fn(ctx, r.store)
	}

	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.AtomicUnits.WithLabelValues(op, r.mode.String(), result).Inc()
	metrics.AtomicUnitLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	return err
}
