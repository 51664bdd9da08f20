package script

import (
	"context"
	"sync"
	"time"
)

// Runner is one reusable interpreter instance.
type Runner interface {
	Runner()
}

type RunnerFactory interface {
	NewRunner() Runner
}

// RunnerPool hands out runners to one caller at a time. Between
// minVmPoolSize and maxVmPoolSize runners exist, idle runners above the
// minimum are dropped every cleanupInterval.
type RunnerPool struct {
	pool               chan Runner
	runnerFactory      RunnerFactory
	activeRunnersCount int
	activeRunnersMu    *sync.Mutex
	maxVmPoolSize      int // max amount of active runners
	minVmPoolSize      int // min amount of active runners
}

const cleanupInterval = 10 * time.Minute

func NewRunnerPool(ctx context.Context, runnerFactory RunnerFactory, maxVmPoolSize int, minVmPoolSize int) *RunnerPool {
	if maxVmPoolSize < 1 {
		maxVmPoolSize = 1
	}
	if maxVmPoolSize < minVmPoolSize {
		panic("vm pool min size is bigger than vm pool max size")
	}

	runnerPool := RunnerPool{
		pool:               make(chan Runner, maxVmPoolSize),
		runnerFactory:      runnerFactory,
		activeRunnersCount: 0,
		activeRunnersMu:    &sync.Mutex{},
		maxVmPoolSize:      maxVmPoolSize,
		minVmPoolSize:      minVmPoolSize,
	}

	for i := 0; i < minVmPoolSize; i++ {
		runnerPool.pool <- runnerPool.runnerFactory.NewRunner()
		runnerPool.activeRunnersCount++
	}

	go runnerPool.cleanup(ctx)
	return &runnerPool
}

func (r *RunnerPool) cleanup(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.shrink()
		case <-ctx.Done():
			return
		}
	}
}

// shrink drops idle runners above the minimum. Runners in use are not touched.
func (r *RunnerPool) shrink() {
	r.activeRunnersMu.Lock()
	defer r.activeRunnersMu.Unlock()
	for r.activeRunnersCount > r.minVmPoolSize {
		select {
		case <-r.pool:
			r.activeRunnersCount--
		default:
			return
		}
	}
}

func (r *RunnerPool) GetRunnerFromPool() Runner {
	var runner Runner
	select {
	case runner = <-r.pool:
	default:
		r.activeRunnersMu.Lock()
		if r.activeRunnersCount < r.maxVmPoolSize {
			runner = r.runnerFactory.NewRunner()
			r.activeRunnersCount++
		}
		r.activeRunnersMu.Unlock()
		if runner == nil {
			runner = <-r.pool
		}
	}
	return runner
}

func (r *RunnerPool) ReturnRunnerToPool(runner Runner) {
	select {
	case r.pool <- runner:
	default:
		//delete runner if pool is full
		r.activeRunnersMu.Lock()
		r.activeRunnersCount--
		r.activeRunnersMu.Unlock()
	}
}

// ActiveRunners returns the number of runners currently alive.
func (r *RunnerPool) ActiveRunners() int {
	r.activeRunnersMu.Lock()
	defer r.activeRunnersMu.Unlock()
	return r.activeRunnersCount
}
