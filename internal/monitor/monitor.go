// Package monitor is the delegation monitor: it detects stuck delegations
// and zombie locks, one-shot or under a supervising watch loop. A cycle
// joins persisted registry state against live filesystem and process
// facts; the watch loop is cooperative, cancellable, and backs off
// exponentially on consecutive failures.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/hellmai/lumenflow/internal/delegation"
	"github.com/hellmai/lumenflow/internal/escalation"
	"github.com/hellmai/lumenflow/internal/lanes"
	"github.com/hellmai/lumenflow/internal/lflog"
	"github.com/hellmai/lumenflow/internal/signalbus"
)

// DefaultThreshold is the default staleness age for a pending delegation to
// be considered stuck.
const DefaultThreshold = 30 * time.Minute

// MaxBackoff caps the watch loop's exponential backoff on consecutive
// failures.
const MaxBackoff = time.Hour

// Suggestion is a copy-paste remediation the operator or agent can run.
type Suggestion struct {
	Command string
	Reason  string
}

// RecoveryPolicy is the declarative ladder applied to each stuck
// delegation, in order: up to MaxRetries re-arms of the handoff, then a
// release of the target WU, then a handoff to the escalation engine.
type RecoveryPolicy struct {
	MaxRetries int
}

// Releaser is the subset of internal/engine.Engine the recovery ladder
// needs to revert a stuck delegation's target WU to ready.
type Releaser interface {
	Release(ctx context.Context, wuID, reason string) error
}

// RecoveryOutcome records what the ladder did for one stuck delegation.
type RecoveryOutcome struct {
	DelegationID string
	TargetWUID   string
	Outcome      string
}

// CycleResult is the outcome of one monitor pass.
type CycleResult struct {
	StatusCounts       map[delegation.Status]int
	Stuck              []*delegation.Record
	Zombies            map[string]lanes.LockRecord
	Suggestions        []Suggestion
	RecoveryOutcomes   []RecoveryOutcome
	EscalationOutcomes []escalation.Outcome
}

// Monitor runs one-shot and watch-mode cycles over a delegation registry
// and lock manager.
type Monitor struct {
	registry   *delegation.Registry
	locks      *lanes.LockManager
	logger     *lflog.Logger
	threshold  time.Duration
	escalation *escalation.Engine
	policy     RecoveryPolicy
	bus        *signalbus.Bus
	releaser   Releaser
}

// New builds a Monitor with the default stuck-delegation threshold.
func New(registry *delegation.Registry, locks *lanes.LockManager, logger *lflog.Logger) *Monitor {
	return &Monitor{registry: registry, locks: locks, logger: logger, threshold: DefaultThreshold}
}

// WithThreshold overrides the stuck-delegation age threshold.
func (m *Monitor) WithThreshold(d time.Duration) *Monitor {
	m.threshold = d
	return m
}

// WithEscalation attaches the escalation ladder so each housekeeping cycle
// also drains the signal bus under the same supervising loop.
func (m *Monitor) WithEscalation(e *escalation.Engine) *Monitor {
	m.escalation = e
	return m
}

// WithRecovery enables autonomous recovery of stuck delegations: each
// cycle applies policy per stuck record, records the outcome in the
// registry, and hands policy-exhausted delegations to the escalation
// engine via an ESCALATED_STUCK signal on bus.
func (m *Monitor) WithRecovery(policy RecoveryPolicy, bus *signalbus.Bus, releaser Releaser) *Monitor {
	m.policy = policy
	m.bus = bus
	m.releaser = releaser
	return m
}

// RunCycle performs a single monitor pass: load the registry, compute
// per-status counts, detect stuck delegations and zombie locks, apply the
// recovery ladder to each stuck delegation, run the escalation ladder over
// pending signals, and generate suggestions.
func (m *Monitor) RunCycle(ctx context.Context) (*CycleResult, error) {
	state, err := m.registry.LoadState()
	if err != nil {
		return nil, fmt.Errorf("monitor: load registry: %w", err)
	}

	result := &CycleResult{
		StatusCounts: map[delegation.Status]int{},
		Zombies:      map[string]lanes.LockRecord{},
	}
	for _, rec := range state {
		result.StatusCounts[rec.Status]++
		if rec.Status == delegation.Pending && rec.Age() >= m.threshold {
			result.Stuck = append(result.Stuck, rec)
			result.Suggestions = append(result.Suggestions, Suggestion{
				Command: fmt.Sprintf("lumenflow recover --delegation %s", rec.ID),
				Reason:  fmt.Sprintf("delegation %s pending for %s (threshold %s)", rec.ID, rec.Age().Round(time.Second), m.threshold),
			})
		}
	}

	locks, err := m.locks.ListLocks()
	if err != nil {
		return nil, fmt.Errorf("monitor: list locks: %w", err)
	}
	for lane, rec := range locks {
		if m.locks.IsZombie(rec) {
			result.Zombies[lane] = rec
			result.Suggestions = append(result.Suggestions, Suggestion{
				Command: fmt.Sprintf("lumenflow unlock --lane %s --reason zombie", lane),
				Reason:  fmt.Sprintf("lane %s lock held by pid %d appears zombie", lane, rec.PID),
			})
		}
	}

	if m.bus != nil {
		for _, rec := range result.Stuck {
			outcome, err := m.recoverStuck(ctx, rec)
			if err != nil {
				m.logger.Error("recovery step failed",
					lflog.String("delegation", rec.ID), lflog.Err(err))
				continue
			}
			if outcome == "" {
				continue
			}
			result.RecoveryOutcomes = append(result.RecoveryOutcomes, RecoveryOutcome{
				DelegationID: rec.ID, TargetWUID: rec.TargetWUID, Outcome: outcome,
			})
		}
	}

	if m.escalation != nil {
		outcomes, err := m.escalation.Run(ctx, false)
		if err != nil {
			return nil, fmt.Errorf("monitor: run escalation ladder: %w", err)
		}
		result.EscalationOutcomes = outcomes
	}
	return result, nil
}

// recoverStuck applies the recovery ladder to one stuck delegation and
// records the outcome in the registry. Returns "" when the delegation was
// already escalated and nothing more can be done here.
func (m *Monitor) recoverStuck(ctx context.Context, rec *delegation.Record) (string, error) {
	switch {
	case rec.LastRecovery == delegation.RecoveryEscalatedStuck:
		// The escalation engine owns this delegation now.
		return "", nil

	case rec.RecoveryAttempts < m.policy.MaxRetries:
		// Re-arm the handoff; spawning a fresh child session is the
		// delegating collaborator's job, the registry just restarts the
		// stuck clock so it gets the chance.
		if err := m.registry.RecordRecovery(rec.ID, delegation.RecoveryRetried); err != nil {
			return "", err
		}
		m.logger.Warn("stuck delegation retried",
			lflog.String("delegation", rec.ID), lflog.Int("attempt", rec.RecoveryAttempts+1))
		return delegation.RecoveryRetried, nil

	case rec.LastRecovery != delegation.RecoveryReleased:
		if m.releaser != nil && rec.TargetWUID != "" {
			reason := fmt.Sprintf("delegation %s stuck past retry budget", rec.ID)
			if err := m.releaser.Release(ctx, rec.TargetWUID, reason); err != nil {
				// The WU may already be ready or gone; the release rung
				// still counts as spent.
				m.logger.Warn("recovery release failed",
					lflog.String("delegation", rec.ID), lflog.String("wu", rec.TargetWUID), lflog.Err(err))
			}
		}
		if err := m.registry.RecordRecovery(rec.ID, delegation.RecoveryReleased); err != nil {
			return "", err
		}
		return delegation.RecoveryReleased, nil

	default:
		_, err := m.bus.Append(signalbus.Signal{
			Message:         fmt.Sprintf("delegation %s for %s stuck after retry and release", rec.ID, rec.TargetWUID),
			WUID:            rec.TargetWUID,
			Class:           "delegation_failure",
			DelegationID:    rec.ID,
			Severity:        "critical",
			SuggestedAction: "human_escalate",
		})
		if err != nil {
			return "", err
		}
		if err := m.registry.RecordRecovery(rec.ID, delegation.RecoveryEscalatedStuck); err != nil {
			return "", err
		}
		return delegation.RecoveryEscalatedStuck, nil
	}
}

// Watch runs RunCycle every interval until ctx is cancelled, invoking
// onCycle after every pass. Consecutive RunCycle failures back off
// exponentially, capped at MaxBackoff; a success resets the backoff.
func (m *Monitor) Watch(ctx context.Context, interval time.Duration, onCycle func(*CycleResult, error)) error {
	backoff := interval
	for {
		result, err := m.RunCycle(ctx)
		onCycle(result, err)
		if err != nil {
			m.logger.Error("monitor cycle failed", lflog.Err(err))
			backoff *= 2
			if backoff > MaxBackoff {
				backoff = MaxBackoff
			}
		} else {
			backoff = interval
		}

		select {
		case <-ctx.Done():
			m.logger.Info("monitor watch loop stopping")
			return nil
		case <-time.After(backoff):
		}
	}
}
