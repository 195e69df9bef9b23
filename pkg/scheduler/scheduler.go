package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/amakov/feedsync/pkg/db"
	"github.com/amakov/feedsync/pkg/id"
	"github.com/amakov/feedsync/pkg/lock"
	"github.com/amakov/feedsync/pkg/model"
)

// Task is one periodic job class with its own cadence and lock
type Task interface {
	// Name identifies the job class in job records and lock keys
	Name() string
	// LockTTL must exceed the worst-case run time
	LockTTL() time.Duration
	// Run executes one pass and returns a short result summary
	Run(ctx context.Context) (string, error)
}

// Scheduler drives periodic tasks. Same-process reentrancy is cut short
// by an in-memory flag, cross-process mutual exclusion comes from the
// distributed lock only.
type Scheduler struct {
	cron    *cron.Cron
	locker  lock.Locker
	storage db.Storage
	ids     *id.Generator
}

func New(locker lock.Locker, storage db.Storage, ids *id.Generator) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		locker:  locker,
		storage: storage,
		ids:     ids,
	}
}

// Add registers a task on a cron schedule
func (s *Scheduler) Add(spec string, task Task) error {
	running := new(int32)

	_, err := s.cron.AddFunc(spec, func() {
		s.tick(context.Background(), task, running)
	})
	if err != nil {
		return errors.Wrapf(err, "failed to schedule %q with spec %q", task.Name(), spec)
	}

	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs to finish
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// tick runs one pass of a task if nothing else is running it
func (s *Scheduler) tick(ctx context.Context, task Task, running *int32) {
	logger := log.WithField("job", task.Name())

	// Fast path for same-process overlap, correctness rests on the lock
	if !atomic.CompareAndSwapInt32(running, 0, 1) {
		logger.Debug("previous run still in progress, skipping tick")
		return
	}
	defer atomic.StoreInt32(running, 0)

	lockKey := task.Name()

	if !s.locker.TryAcquire(lockKey, task.LockTTL()) {
		logger.Debug("another instance holds the lock, skipping tick")
		return
	}
	defer s.locker.Release(lockKey)

	ctx, cancel := context.WithTimeout(ctx, task.LockTTL())
	defer cancel()

	jobID := s.recordStart(ctx, task)

	started := time.Now()
	summary, err := task.Run(ctx)
	elapsed := time.Since(started)

	if err != nil {
		logger.WithError(err).Error("job failed")
		// The run context may be past its deadline already
		s.recordFinish(context.Background(), jobID, summary, err)
		return
	}

	logger.WithField("elapsed", elapsed.Round(time.Millisecond)).Infof("job finished: %s", summary)
	s.recordFinish(context.Background(), jobID, summary, nil)
}

// recordStart writes the audit record, a storage hiccup never stops the
// run itself
func (s *Scheduler) recordStart(ctx context.Context, task Task) string {
	jobID, err := s.ids.Generate()
	if err != nil {
		log.WithError(err).Error("failed to generate job id")
		return ""
	}

	now := time.Now().UTC()

	err = s.storage.CreateJob(ctx, &model.Job{
		ID:        jobID,
		Type:      task.Name(),
		Status:    model.JobRunning,
		CreatedAt: now,
		StartedAt: now,
	})
	if err != nil {
		log.WithError(err).Error("failed to record job start")
		return ""
	}

	return jobID
}

func (s *Scheduler) recordFinish(ctx context.Context, jobID, summary string, runErr error) {
	if jobID == "" {
		return
	}

	err := s.storage.UpdateJob(ctx, jobID, func(job *model.Job) error {
		job.CompletedAt = time.Now().UTC()
		job.ResultSummary = summary

		if runErr != nil {
			job.Status = model.JobFailed
			job.LastError = runErr.Error()
		} else {
			job.Status = model.JobCompleted
		}

		return nil
	})
	if err != nil {
		log.WithError(err).Error("failed to record job result")
	}
}
