// Command lumenflowd is the thin process bootstrap for LumenFlow's
// housekeeping loop: it wires config, layout, and the delegation registry
// into a monitor.Monitor and runs Watch until signalled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hellmai/lumenflow/internal/audit"
	"github.com/hellmai/lumenflow/internal/config"
	"github.com/hellmai/lumenflow/internal/delegation"
	"github.com/hellmai/lumenflow/internal/engine"
	"github.com/hellmai/lumenflow/internal/escalation"
	"github.com/hellmai/lumenflow/internal/eventlog"
	"github.com/hellmai/lumenflow/internal/gitrepo"
	"github.com/hellmai/lumenflow/internal/lanes"
	"github.com/hellmai/lumenflow/internal/layout"
	"github.com/hellmai/lumenflow/internal/lfcontext"
	"github.com/hellmai/lumenflow/internal/lflog"
	"github.com/hellmai/lumenflow/internal/merge"
	"github.com/hellmai/lumenflow/internal/monitor"
	"github.com/hellmai/lumenflow/internal/procprobe"
	"github.com/hellmai/lumenflow/internal/signalbus"
	"github.com/hellmai/lumenflow/internal/wu"
)

func main() {
	projectDir := flag.String("project", "", "path to the repository root (defaults to cwd)")
	interval := flag.Duration("interval", 60*time.Second, "housekeeping cycle interval")
	threshold := flag.Duration("stuck-threshold", monitor.DefaultThreshold, "delegation age after which a pending handoff is flagged stuck")
	recoveryRetries := flag.Int("recovery-retries", 1, "stuck-delegation retries before the release and escalate rungs")
	tee := flag.Bool("tee-stderr", true, "also write log lines to stderr")
	flag.Parse()

	project := *projectDir
	if project == "" {
		var err error
		project, err = os.Getwd()
		if err != nil {
			die("determine working directory: %v", err)
		}
	}
	absoluteProject, err := filepath.Abs(project)
	if err != nil {
		die("resolve project dir: %v", err)
	}

	cfg, err := config.Load(absoluteProject)
	if err != nil {
		die("load config: %v", err)
	}
	lay := layout.New(cfg)
	if err := lay.EnsureDirs(); err != nil {
		die("ensure state directories: %v", err)
	}

	logger, err := lflog.New(lay.LogsDirPath(), *tee)
	if err != nil {
		die("init logger: %v", err)
	}
	defer logger.Close()

	registry, err := delegation.Open(lay.DelegationRegistryPath())
	if err != nil {
		die("open delegation registry: %v", err)
	}
	locks := lanes.NewLockManager(lay.LocksDirPath(), procprobe.New())

	mon := monitor.New(registry, locks, logger).WithThreshold(*threshold)

	// Wire C7/C4/C3/C1 into an Engine so the escalation ladder's "block"
	// outcome can fund a real micro-worktree mutation instead of touching
	// the WU record or event log directly.
	lfCtx, err := lfcontext.New(cfg, logger)
	if err != nil {
		die("build context: %v", err)
	}
	laneRegistry, err := lanes.NewRegistry(cfg)
	if err != nil {
		die("load lane registry: %v", err)
	}
	events, err := eventlog.Open(lay.EventLogPath())
	if err != nil {
		die("open event log: %v", err)
	}
	auditLog, err := audit.Open(lay.AuditLogPath())
	if err != nil {
		die("open audit log: %v", err)
	}
	gitRepo, err := gitrepo.Open(absoluteProject)
	if err != nil {
		die("open git repo: %v", err)
	}
	merger := merge.New(gitRepo, cfg, logger, auditLog)
	store := wu.NewStore(lay.WUDir())
	eng := engine.New(lfCtx, store, events, laneRegistry, locks, merger)

	bus, err := signalbus.Open(lay.SignalsPath(), lay.SignalReceiptsPath())
	if err != nil {
		die("open signal bus: %v", err)
	}
	mon = mon.WithEscalation(escalation.New(bus, eng, logger)).
		WithRecovery(monitor.RecoveryPolicy{MaxRetries: *recoveryRetries}, bus, eng)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("lumenflowd: starting housekeeping loop",
		lflog.String("project", absoluteProject), lflog.Int("interval_s", int(interval.Seconds())))

	err = mon.Watch(ctx, *interval, func(result *monitor.CycleResult, cycleErr error) {
		if cycleErr != nil {
			logger.Error("housekeeping cycle failed", lflog.Err(cycleErr))
			return
		}
		if len(result.Stuck) > 0 || len(result.Zombies) > 0 {
			logger.Warn("housekeeping cycle found issues",
				lflog.Int("stuck", len(result.Stuck)), lflog.Int("zombie_locks", len(result.Zombies)))
			for _, s := range result.Suggestions {
				fmt.Fprintf(os.Stderr, "suggested: %s — %s\n", s.Command, s.Reason)
			}
		}
		for _, r := range result.RecoveryOutcomes {
			logger.Info("recovery action applied",
				lflog.String("delegation", r.DelegationID), lflog.String("wu", r.TargetWUID),
				lflog.String("outcome", r.Outcome))
		}
		createBugWUs(ctx, eng, laneRegistry, logger, result.EscalationOutcomes)
	})
	if err != nil && ctx.Err() == nil {
		die("housekeeping loop exited: %v", err)
	}
	logger.Info("lumenflowd: shutting down")
}

// createBugWUs turns every Bug-WU spec the escalation ladder synthesised
// this cycle into a real ready-status WU. A spec whose lane is not
// configured falls back to the first defined lane; with no lanes at all,
// the spec is logged so an operator can file it by hand.
func createBugWUs(ctx context.Context, eng *engine.Engine, laneRegistry *lanes.Registry, logger *lflog.Logger, outcomes []escalation.Outcome) {
	for _, o := range outcomes {
		if o.BugWU == nil {
			continue
		}
		lane := o.BugWU.Lane
		if _, ok := laneRegistry.Get(lane); !ok {
			names := laneRegistry.Names()
			if len(names) == 0 {
				logger.Error("no lanes configured, cannot file bug WU",
					lflog.String("signal", o.SignalID), lflog.String("title", o.BugWU.Title),
					lflog.String("description", o.BugWU.Description))
				continue
			}
			lane = names[0]
		}
		id, err := eng.NextID()
		if err != nil {
			logger.Error("allocate bug WU id", lflog.String("signal", o.SignalID), lflog.Err(err))
			continue
		}
		if err := eng.Create(ctx, id, lane, o.BugWU.Title); err != nil {
			logger.Error("create bug WU", lflog.String("signal", o.SignalID),
				lflog.String("wu", id), lflog.Err(err))
			continue
		}
		logger.Info("bug WU filed from escalation",
			lflog.String("wu", id), lflog.String("lane", lane), lflog.String("signal", o.SignalID))
	}
}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
