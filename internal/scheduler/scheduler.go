// Package scheduler runs periodic garbage-collection and pruning jobs
// across datastores, one gocron scheduler shared by every registered job —
// generalized from the teacher's single-purpose cron chunk-rotation
// manager to cover whichever recurring datastore task is registered.
package scheduler

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"chunkvault/internal/datastore"
	"chunkvault/internal/gc"
	"chunkvault/internal/logging"
	"chunkvault/internal/notify"
	"chunkvault/internal/prune"
)

// maxSessionStale is how long a Creating snapshot directory (no manifest
// yet) may sit untouched before a GC run treats it as abandoned rather
// than in-flight (spec §4.7's max_session_stale). GC is the natural home
// for this sweep since both passes need the same directory walk and the
// same "don't disturb a live session" care.
const maxSessionStale = 48 * time.Hour

// Scheduler manages cron-triggered GC and prune jobs, one of each per
// datastore name.
type Scheduler struct {
	scheduler gocron.Scheduler
	jobs      map[string]gocron.Job // job key ("gc-"/"prune-" + datastore name) → job
	logger    *slog.Logger
	notifier  notify.Renderer
}

// New creates a Scheduler. Call Start to begin executing registered jobs.
func New(logger *slog.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: create cron scheduler: %w", err)
	}
	return &Scheduler{
		scheduler: s,
		jobs:      make(map[string]gocron.Job),
		logger:    logging.Default(logger).With("component", "scheduler"),
		notifier:  notify.NewLogRenderer(logger),
	}, nil
}

// WithNotifier overrides the Renderer each job's finished TaskStatus is
// handed to. Defaults to a LogRenderer sharing the scheduler's logger.
func (s *Scheduler) WithNotifier(r notify.Renderer) { s.notifier = r }

// AddGCJob registers a periodic garbage-collection run for ds, triggered by
// cronExpr (standard 5-field cron syntax).
func (s *Scheduler) AddGCJob(ds *datastore.Store, cronExpr string, opts ...gc.Option) error {
	name := ds.Name()
	key := gcJobKey(name)
	if _, exists := s.jobs[key]; exists {
		return fmt.Errorf("scheduler: gc job already exists for datastore %s", name)
	}

	runner := gc.NewRunner(ds, opts...)
	j, err := s.scheduler.NewJob(
		gocron.CronJob(cronExpr, false),
		gocron.NewTask(s.runGC, name, ds, runner),
		gocron.WithName(key),
	)
	if err != nil {
		return fmt.Errorf("scheduler: create gc job for %s: %w", name, err)
	}

	s.jobs[key] = j
	s.logger.Info("gc job added", "datastore", name, "cron", cronExpr)
	return nil
}

// AddPruneJob registers a periodic retention-prune run for ds, triggered by
// cronExpr. policy is evaluated against ds's live snapshot list at each run.
func (s *Scheduler) AddPruneJob(ds *datastore.Store, cronExpr string, policy prune.Policy) error {
	name := ds.Name()
	key := pruneJobKey(name)
	if _, exists := s.jobs[key]; exists {
		return fmt.Errorf("scheduler: prune job already exists for datastore %s", name)
	}

	j, err := s.scheduler.NewJob(
		gocron.CronJob(cronExpr, false),
		gocron.NewTask(s.runPrune, name, ds, policy),
		gocron.WithName(key),
	)
	if err != nil {
		return fmt.Errorf("scheduler: create prune job for %s: %w", name, err)
	}

	s.jobs[key] = j
	s.logger.Info("prune job added", "datastore", name, "cron", cronExpr)
	return nil
}

// RemoveGCJob stops and removes the GC job registered for a datastore name.
func (s *Scheduler) RemoveGCJob(name string) { s.removeJob(gcJobKey(name)) }

// RemovePruneJob stops and removes the prune job registered for a
// datastore name.
func (s *Scheduler) RemovePruneJob(name string) { s.removeJob(pruneJobKey(name)) }

func (s *Scheduler) removeJob(key string) {
	j, ok := s.jobs[key]
	if !ok {
		return
	}
	if err := s.scheduler.RemoveJob(j.ID()); err != nil {
		s.logger.Warn("failed to remove job", "job", key, "error", err)
	}
	delete(s.jobs, key)
	s.logger.Info("job removed", "job", key)
}

func gcJobKey(name string) string    { return fmt.Sprintf("gc-%s", name) }
func pruneJobKey(name string) string { return fmt.Sprintf("prune-%s", name) }

// Start begins executing all registered jobs.
func (s *Scheduler) Start() {
	s.scheduler.Start()
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
}

// Stop shuts down the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() error {
	return s.scheduler.Shutdown()
}

func (s *Scheduler) runGC(name string, ds *datastore.Store, runner *gc.Runner) {
	if removed, err := ds.SweepStaleSessions(maxSessionStale); err != nil {
		s.logger.Error("sweep stale sessions failed", "datastore", name, "error", err)
	} else if removed > 0 {
		s.logger.Info("swept stale sessions", "datastore", name, "removed", removed)
	}

	started := time.Now()
	status, err := runner.Run()
	if err != nil {
		if err == gc.ErrAlreadyRunning {
			s.logger.Debug("gc skipped: already running", "datastore", name)
			return
		}
		s.logger.Error("scheduled gc failed", "datastore", name, "error", err)
		s.renderStatus(gcJobKey(name), started, err, nil)
		return
	}
	s.logger.Info("scheduled gc finished",
		"datastore", name,
		"removed_chunks", status.RemovedChunks,
		"removed_bytes", status.RemovedBytes,
	)
	s.renderStatus(gcJobKey(name), started, nil, &status)
}

func (s *Scheduler) runPrune(name string, ds *datastore.Store, policy prune.Policy) {
	started := time.Now()
	result, err := prune.Run(ds, policy)
	if err != nil {
		s.logger.Error("scheduled prune failed", "datastore", name, "error", err)
		s.renderStatus(pruneJobKey(name), started, err, nil)
		return
	}
	s.logger.Info("scheduled prune finished",
		"datastore", name,
		"kept", len(result.Kept),
		"removed", len(result.Removed),
	)
	s.renderStatus(pruneJobKey(name), started, nil, nil)
}

// renderStatus hands a finished job's outcome to the scheduler's notifier.
// Delivery is the Renderer's concern; a render failure only gets logged,
// never blocks the job it's reporting on.
func (s *Scheduler) renderStatus(phase string, started time.Time, err error, gcStatus *gc.Status) {
	ts := notify.TaskStatus{Phase: phase, StartedAt: started, FinishedAt: time.Now(), Err: err, GC: gcStatus}
	if _, _, rErr := s.notifier.Render(ts); rErr != nil {
		s.logger.Warn("render task status failed", "phase", phase, "error", rErr)
	}
}
