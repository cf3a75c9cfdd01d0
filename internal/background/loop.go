// Package background runs the long-lived inspection/defrag worker: a
// periodic timer that, on its own schedule, triggers a full checksum
// sweep and/or a defrag pass over the backend, plus a daily jittered
// slot reserved for defrag.
package background

import (
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/go-co-op/gocron/v2"

	"github.com/shaitan/eblob/internal/backend"
	"github.com/shaitan/eblob/internal/datasort"
	"github.com/shaitan/eblob/internal/eblobcfg"
	"github.com/shaitan/eblob/internal/logging"
)

// Loop owns the gocron scheduler driving periodic inspection and
// scheduled defrag. Only two fixed recurring jobs ever run, so there
// is no job registry beyond what gocron itself tracks.
type Loop struct {
	scheduler gocron.Scheduler
	backend   *backend.Backend
	logger    *slog.Logger
}

// Start launches the background worker, or returns a nil-scheduler,
// no-op Loop when blob_flags carries DISABLE_THREADS.
func Start(be *backend.Backend, cfg eblobcfg.Config, logger *slog.Logger) (*Loop, error) {
	logger = logging.Default(logger).With("component", "background")
	l := &Loop{backend: be, logger: logger}
	if cfg.BlobFlags.Has(eblobcfg.DisableThreads) {
		logger.Info("background loop disabled")
		return l, nil
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("eblob: background: create scheduler: %w", err)
	}
	l.scheduler = s

	if _, err := s.NewJob(
		gocron.DurationJob(cfg.PeriodicTimeout),
		gocron.NewTask(l.runPeriodic),
		gocron.WithName("periodic"),
	); err != nil {
		return nil, fmt.Errorf("eblob: background: schedule periodic job: %w", err)
	}

	hour, minute := jitteredDefragSlot(cfg.DefragTime, cfg.DefragSplay)
	cronExpr := fmt.Sprintf("%d %d * * *", minute, hour)
	if _, err := s.NewJob(
		gocron.CronJob(cronExpr, false),
		gocron.NewTask(l.runScheduledDefrag),
		gocron.WithName("defrag"),
	); err != nil {
		return nil, fmt.Errorf("eblob: background: schedule defrag: %w", err)
	}

	s.Start()
	logger.Info("background loop started", "defrag_cron", cronExpr, "periodic_timeout", cfg.PeriodicTimeout)
	return l, nil
}

// jitteredDefragSlot resolves defrag_time ± defrag_splay (hours) into
// a concrete hour/minute picked once at loop startup, so every
// process in a fleet doesn't run its daily defrag at the same instant.
func jitteredDefragSlot(defragTime, splay int) (hour, minute int) {
	h := defragTime
	if splay > 0 {
		h += rand.Intn(2*splay+1) - splay
	}
	for h < 0 {
		h += 24
	}
	h %= 24
	return h, rand.Intn(60)
}

// runPeriodic is the recurring maintenance tick: it first datasorts
// any bases rotation queued under AUTO_INDEXSORT, then runs a full
// inspection sweep.
func (l *Loop) runPeriodic() {
	lowerIOPriority(l.logger)
	defer restoreIOPriority(l.logger)
	if err := l.backend.SortPendingBases(); err != nil {
		l.logger.Warn("auto indexsort failed", "error", err)
	}
	if err := l.backend.Inspect(); err != nil {
		l.logger.Warn("inspection sweep failed", "error", err)
	}
}

func (l *Loop) runScheduledDefrag() {
	lowerIOPriority(l.logger)
	defer restoreIOPriority(l.logger)
	if err := l.backend.Defrag(datasort.ModeDataSort); err != nil {
		l.logger.Warn("scheduled defrag failed", "error", err)
	}
}

// Stop drains the worker: no new job starts after this call, and it
// blocks until any job already running has finished.
func (l *Loop) Stop() error {
	if l.scheduler == nil {
		return nil
	}
	return l.scheduler.Shutdown()
}

// TriggerInspect runs an out-of-schedule inspection sweep immediately,
// backing eblob.Inspect.
func (l *Loop) TriggerInspect() error { return l.backend.Inspect() }

// TriggerDefrag runs an out-of-schedule defrag pass immediately,
// backing eblob.Defrag.
func (l *Loop) TriggerDefrag(mode datasort.Mode) error { return l.backend.Defrag(mode) }
