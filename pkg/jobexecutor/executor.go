package jobexecutor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/pbinitiative/zenpvm/internal/appcontext"
	"github.com/pbinitiative/zenpvm/pkg/pvm/runtime"
	"github.com/pbinitiative/zenpvm/pkg/storage"
)

// Exclusivity decides which jobs must not run at the same time.
type Exclusivity string

const (
	// ExclusivityNone runs every due job as soon as a slot is free.
	ExclusivityNone Exclusivity = "none"
	// ExclusivityInstance runs jobs of one process instance one after another.
	ExclusivityInstance Exclusivity = "instance"
	// ExclusivityHierarchy runs jobs of a root instance and all instances it
	// spawned one after another.
	ExclusivityHierarchy Exclusivity = "hierarchy"
)

func ParseExclusivity(s string) (Exclusivity, error) {
	switch Exclusivity(s) {
	case ExclusivityNone, ExclusivityInstance, ExclusivityHierarchy:
		return Exclusivity(s), nil
	case "":
		return ExclusivityInstance, nil
	}
	return "", fmt.Errorf("unknown job exclusivity %q", s)
}

// JobEngine is the part of the engine the executor drives.
type JobEngine interface {
	ExecuteJob(ctx context.Context, jobKey int64) (*runtime.ProcessInstance, error)
	FailJob(ctx context.Context, jobKey int64, cause error) (*runtime.ProcessInstance, error)
}

type Config struct {
	PollInterval  time.Duration
	BatchSize     int
	MaxConcurrent int
	// MaxRetries bounds the attempts of one command that keeps hitting an
	// optimistic lock conflict.
	MaxRetries  int
	BackoffMin  time.Duration
	BackoffMax  time.Duration
	Exclusivity Exclusivity
}

func DefaultConfig() Config {
	return Config{
		PollInterval:  time.Second,
		BatchSize:     32,
		MaxConcurrent: 4,
		MaxRetries:    5,
		BackoffMin:    20 * time.Millisecond,
		BackoffMax:    time.Second,
		Exclusivity:   ExclusivityInstance,
	}
}

type Executor struct {
	engine   JobEngine
	jobs     storage.JobStorageReader
	config   Config
	workerId string
	logger   hclog.Logger
	clock    func() time.Time

	mu      sync.Mutex
	running map[int64]struct{}
	locks   *instanceLocks
	slots   chan struct{}
	wg      sync.WaitGroup

	ctx           context.Context
	ctxCancelFunc context.CancelFunc
	stopped       chan struct{}
}

type ExecutorOption = func(*Executor)

func ExecutorWithLogger(logger hclog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

// ExecutorWithClock sets the time used to decide which jobs are due.
func ExecutorWithClock(clock func() time.Time) ExecutorOption {
	return func(e *Executor) {
		e.clock = clock
	}
}

func ExecutorWithWorkerId(workerId string) ExecutorOption {
	return func(e *Executor) {
		e.workerId = workerId
	}
}

func NewExecutor(engine JobEngine, jobs storage.JobStorageReader, config Config, options ...ExecutorOption) *Executor {
	defaults := DefaultConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = defaults.MaxConcurrent
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.BackoffMin <= 0 {
		config.BackoffMin = defaults.BackoffMin
	}
	if config.BackoffMax < config.BackoffMin {
		config.BackoffMax = config.BackoffMin
	}
	if config.Exclusivity == "" {
		config.Exclusivity = defaults.Exclusivity
	}
	e := Executor{
		engine:   engine,
		jobs:     jobs,
		config:   config,
		workerId: uuid.NewString(),
		logger:   hclog.Default().Named("job-executor"),
		clock:    time.Now,
		running:  map[int64]struct{}{},
		locks:    newInstanceLocks(),
		slots:    make(chan struct{}, config.MaxConcurrent),
	}
	for _, option := range options {
		option(&e)
	}
	e.logger = e.logger.With("worker", e.workerId)
	return &e
}

func (e *Executor) WorkerId() string {
	return e.workerId
}

// Start polls for due jobs every PollInterval until Stop is called or ctx is done.
func (e *Executor) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx != nil {
		return
	}
	e.ctx, e.ctxCancelFunc = context.WithCancel(appcontext.WithWorkerId(ctx, e.workerId))
	e.stopped = make(chan struct{})
	go e.run()
}

// Stop stops polling and waits for jobs that are already running.
func (e *Executor) Stop() {
	e.mu.Lock()
	if e.ctx == nil {
		e.mu.Unlock()
		return
	}
	e.ctxCancelFunc()
	stopped := e.stopped
	e.ctx = nil
	e.mu.Unlock()

	<-stopped
	e.wg.Wait()
}

func (e *Executor) run() {
	defer close(e.stopped)
	ctx := e.ctx
	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := e.RunOnce(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("failed to poll due jobs", "err", err)
		}
		select {
		case <-ctx.Done():
			e.logger.Info("job executor stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce dispatches the jobs due now and returns how many were dispatched.
// Jobs run in the background, use Wait to block until they are done.
func (e *Executor) RunOnce(ctx context.Context) (int, error) {
	if _, ok := appcontext.WorkerIdFromContext(ctx); !ok {
		ctx = appcontext.WithWorkerId(ctx, e.workerId)
	}
	due, err := e.jobs.FindDueJobs(ctx, e.clock(), e.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to find due jobs: %w", err)
	}
	dispatched := 0
	for _, job := range due {
		if !e.claim(job.Key) {
			continue
		}
		select {
		case e.slots <- struct{}{}:
		case <-ctx.Done():
			e.release(job.Key)
			return dispatched, ctx.Err()
		}
		dispatched++
		e.wg.Add(1)
		go func(job runtime.Job) {
			defer e.wg.Done()
			defer func() { <-e.slots }()
			defer e.release(job.Key)
			e.runJob(ctx, job)
		}(job)
	}
	return dispatched, nil
}

// Wait blocks until every dispatched job finished.
func (e *Executor) Wait() {
	e.wg.Wait()
}

func (e *Executor) claim(jobKey int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.running[jobKey]; ok {
		return false
	}
	e.running[jobKey] = struct{}{}
	return true
}

func (e *Executor) release(jobKey int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, jobKey)
}

func (e *Executor) lockKey(job runtime.Job) (int64, bool) {
	switch e.config.Exclusivity {
	case ExclusivityInstance:
		return job.ProcessInstanceKey, true
	case ExclusivityHierarchy:
		if job.RootProcessInstanceKey != 0 {
			return job.RootProcessInstanceKey, true
		}
		return job.ProcessInstanceKey, true
	}
	return 0, false
}

func (e *Executor) runJob(ctx context.Context, job runtime.Job) {
	if key, exclusive := e.lockKey(job); exclusive {
		e.locks.lock(key)
		defer e.locks.unlock(key)
	}
	logger := e.logger.With("jobKey", job.Key, "processInstanceKey", job.ProcessInstanceKey, "type", job.Type)

	err := e.retry(ctx, func() error {
		_, err := e.engine.ExecuteJob(ctx, job.Key)
		return err
	})
	switch {
	case err == nil:
		logger.Debug("job executed")
		return
	case errors.Is(err, storage.ErrNotFound):
		// instance ended or another worker finished the job first
		logger.Debug("job no longer exists", "err", err)
		return
	case storage.IsOptimisticLockError(err):
		logger.Warn("job kept conflicting, leaving it for the next poll", "err", err)
		return
	case ctx.Err() != nil:
		return
	}

	logger.Info("job failed", "err", err)
	cause := err
	err = e.retry(ctx, func() error {
		_, err := e.engine.FailJob(ctx, job.Key, cause)
		return err
	})
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.Error("failed to record job failure", "err", err)
	}
}

// retry repeats fn while it fails with an optimistic lock conflict.
func (e *Executor) retry(ctx context.Context, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.config.BackoffMin
	b.MaxInterval = e.config.BackoffMax
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn()
		if err == nil || storage.IsOptimisticLockError(err) {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(e.config.MaxRetries)))
	return err
}
