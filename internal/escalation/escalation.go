// Package escalation is the ladder from retry -> block -> bug-WU. It
// consumes unread signals from the signal bus and, per each signal's
// suggested_action, performs the corresponding remediation against the WU
// lifecycle engine.
package escalation

import (
	"context"
	"fmt"
	"time"

	"github.com/hellmai/lumenflow/internal/lflog"
	"github.com/hellmai/lumenflow/internal/signalbus"
)

const (
	ActionRetry         = "retry"
	ActionBlock         = "block"
	ActionHumanEscalate = "human_escalate"

	SeverityCritical = "critical"
)

// BugWUSpec is the synthesised work-unit spec for a human_escalate or
// unknown-critical outcome.
type BugWUSpec struct {
	Title       string
	Lane        string
	Description string
	Type        string
	Priority    string
}

// Outcome records what the engine did for one signal.
type Outcome struct {
	SignalID string
	Action   string
	BugWU    *BugWUSpec
}

// Blocker is the subset of internal/engine.Engine the ladder needs to carry
// out a "block" outcome. Routing through it (rather than writing the WU
// record and event log directly) keeps every mutation funnelled through
// the micro-worktree merger.
type Blocker interface {
	Block(ctx context.Context, wuID, reason string) error
}

// Engine drives the escalation ladder.
type Engine struct {
	bus     *signalbus.Bus
	blocker Blocker
	logger  *lflog.Logger
}

// New builds an Engine over the given collaborators.
func New(bus *signalbus.Bus, blocker Blocker, logger *lflog.Logger) *Engine {
	return &Engine{bus: bus, blocker: blocker, logger: logger}
}

// Run processes every currently-unread signal and, unless dryRun, appends
// a read receipt for each one processed.
func (e *Engine) Run(ctx context.Context, dryRun bool) ([]Outcome, error) {
	signals, err := e.bus.LoadSignals()
	if err != nil {
		return nil, err
	}

	var outcomes []Outcome
	var processedIDs []string
	for _, sig := range signals {
		if sig.Read {
			continue
		}
		outcome, err := e.handle(ctx, sig, dryRun)
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, outcome)
		processedIDs = append(processedIDs, sig.ID)
	}

	if !dryRun && len(processedIDs) > 0 {
		if _, err := e.bus.MarkAsRead(processedIDs); err != nil {
			return outcomes, err
		}
	}
	return outcomes, nil
}

func (e *Engine) handle(ctx context.Context, sig signalbus.Signal, dryRun bool) (Outcome, error) {
	action := sig.SuggestedAction
	if sig.Severity == SeverityCritical && !isKnownAction(action) {
		action = ActionHumanEscalate
	}

	switch action {
	case ActionRetry:
		e.logger.Warn("escalation: retry suggested", lflog.String("signal", sig.ID), lflog.String("wu", sig.WUID))
		return Outcome{SignalID: sig.ID, Action: ActionRetry}, nil

	case ActionBlock:
		if !dryRun && sig.WUID != "" {
			if err := e.blocker.Block(ctx, sig.WUID, sig.Message); err != nil {
				return Outcome{}, err
			}
		}
		return Outcome{SignalID: sig.ID, Action: ActionBlock}, nil

	case ActionHumanEscalate:
		bugSpec := synthesizeBugWU(sig)
		return Outcome{SignalID: sig.ID, Action: ActionHumanEscalate, BugWU: &bugSpec}, nil

	default:
		bugSpec := synthesizeBugWU(sig)
		return Outcome{SignalID: sig.ID, Action: ActionHumanEscalate, BugWU: &bugSpec}, nil
	}
}

func isKnownAction(action string) bool {
	switch action {
	case ActionRetry, ActionBlock, ActionHumanEscalate:
		return true
	}
	return false
}

func synthesizeBugWU(sig signalbus.Signal) BugWUSpec {
	lane := "unassigned"
	return BugWUSpec{
		Title:       fmt.Sprintf("Escalated: %s", sig.Message),
		Lane:        lane,
		Description: fmt.Sprintf("Auto-escalated from signal %s at %s: %s", sig.ID, sig.CreatedAt.Format(time.RFC3339), sig.Message),
		Type:        "bug",
		Priority:    "P1",
	}
}
