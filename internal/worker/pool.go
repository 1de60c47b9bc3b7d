// Package worker runs the asynchronous task consumers. Each pool slot claims
// one pending task at a time, executes it under soft and hard time limits,
// and rotates its worker identity after a bounded number of tasks so no
// long-lived consumer accumulates state.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lukewei/docgraph/internal/config"
	"github.com/lukewei/docgraph/internal/domain"
	"github.com/lukewei/docgraph/internal/logger"
	"github.com/lukewei/docgraph/internal/repository"
)

// Runner executes one claimed task to a terminal status. The pipeline
// coordinator implements it; tests substitute fakes.
type Runner interface {
	Run(ctx context.Context, task *domain.TaskRecord) error
}

// Pool is the fixed-size worker pool consuming the task queue.
type Pool struct {
	tasks  *repository.TaskRepository
	docs   *repository.DocumentRepository
	runner Runner
	cfg    *config.WorkerConfig
	log    *logger.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewPool creates a worker pool.
// Parameters:
//   - tasks, docs: durable stores for claim, progress, and failure marking.
//   - runner: task executor.
//   - cfg: pool size, time limits, rotation and retention settings.
//   - log: base logger.
// Returns:
//   - *Pool: initialized pool, not yet started.
func NewPool(tasks *repository.TaskRepository, docs *repository.DocumentRepository, runner Runner, cfg *config.WorkerConfig, log *logger.Logger) *Pool {
	return &Pool{
		tasks:  tasks,
		docs:   docs,
		runner: runner,
		cfg:    cfg,
		log:    log.WithField(logger.FieldComponent, "worker"),
	}
}

// Start launches the pool slots and the retention sweeper. It returns
// immediately; Stop blocks until all slots drain.
// Parameters:
//   - ctx: lifetime context; cancelling it begins shutdown.
// Returns: none.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	size := p.cfg.PoolSize
	if size <= 0 {
		size = 4
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go func(slot int) {
			defer p.wg.Done()
			p.runSlot(ctx, slot)
		}(i)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runRetentionSweep(ctx)
	}()

	p.log.Infof("Worker pool started with %d slots", size)
}

// Stop cancels all slots and waits for in-flight tasks to reach a checkpoint.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.log.Info("Worker pool stopped")
}

// runSlot runs successive worker incarnations in one pool slot. Each
// incarnation has its own identity and exits after MaxTasksPerWorker tasks,
// handing the slot to a fresh one.
func (p *Pool) runSlot(ctx context.Context, slot int) {
	for ctx.Err() == nil {
		workerID := fmt.Sprintf("worker-%d-%s", slot, uuid.New().String()[:8])
		p.runWorker(ctx, workerID)
	}
}

// runWorker consumes tasks one at a time (no prefetch beyond the claimed
// task) until the rotation budget is spent or the pool shuts down.
func (p *Pool) runWorker(ctx context.Context, workerID string) {
	ctx = logger.SetWorkerID(ctx, workerID)
	logger.CtxDebug(ctx, "Worker started")

	maxTasks := p.cfg.MaxTasksPerWorker
	if maxTasks <= 0 {
		maxTasks = 50
	}
	pollInterval := p.cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	for done := 0; done < maxTasks; {
		task, err := p.claimNext(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, domain.ErrNotFound) {
				logger.CtxError(ctx, "Failed to claim task: %v", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}

		p.executeTask(ctx, task)
		done++
	}
	logger.CtxDebug(ctx, "Worker rotating after task budget")
}

// claimNext finds the oldest pending task and attempts the compare-and-swap
// claim. Losing the race to another worker just means trying the next one.
func (p *Pool) claimNext(ctx context.Context, workerID string) (*domain.TaskRecord, error) {
	for {
		task, err := p.tasks.NextPending(ctx)
		if err != nil {
			return nil, err
		}
		won, err := p.tasks.Claim(ctx, task.ID, workerID)
		if err != nil {
			return nil, err
		}
		if won {
			task.Status = domain.TaskStatusRunning
			task.WorkerID = workerID
			return task, nil
		}
	}
}

// executeTask runs one claimed task under the soft time limit, with a hard
// watchdog that forcibly records the failure if the runner overshoots. The
// soft limit reaches the runner as context cancellation it can observe at
// checkpoints; the hard limit is the pool's own backstop.
func (p *Pool) executeTask(ctx context.Context, task *domain.TaskRecord) {
	taskCtx := logger.SetTaskID(ctx, task.ID)
	taskCtx = logger.SetDocumentID(taskCtx, task.DocumentID)
	logger.CtxInfo(taskCtx, "Executing task type=%s", task.Type)

	hardLimit := p.cfg.HardTimeLimit
	if hardLimit <= 0 {
		hardLimit = 7200 * time.Second
	}
	softLimit := p.cfg.SoftTimeLimit
	if softLimit <= 0 || softLimit > hardLimit {
		softLimit = hardLimit
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(taskCtx), softLimit)
	defer cancel()

	doneCh := make(chan error, 1)
	go func() {
		doneCh <- p.runner.Run(runCtx, task)
	}()

	watchdog := time.NewTimer(hardLimit)
	defer watchdog.Stop()

	select {
	case err := <-doneCh:
		if err != nil {
			logger.CtxWarn(taskCtx, "Task finished with error: %v", err)
		} else {
			logger.CtxInfo(taskCtx, "Task finished")
		}
	case <-watchdog.C:
		// The runner is past the point of cooperating. Record the hard
		// failure here and abandon the goroutine to the cancelled context.
		timeoutErr := &domain.TimeoutError{Stage: string(task.Type), Hard: true, Limit: hardLimit}
		logger.CtxError(taskCtx, "Hard time limit exceeded: %v", timeoutErr)
		cancel()
		p.recordHardTimeout(taskCtx, task, timeoutErr)
	case <-taskCtx.Done():
		// Pool shutdown: let the runner observe the soft context and record
		// its own outcome; the task stays claimable as failed otherwise.
		cancel()
		<-doneCh
	}
}

// recordHardTimeout marks the task failed and, for pipeline tasks, the
// document errored. Both writes are conditional on non-terminal status, so a
// runner that limps to its own terminal write later cannot overwrite these.
func (p *Pool) recordHardTimeout(ctx context.Context, task *domain.TaskRecord, cause error) {
	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := p.tasks.Fail(markCtx, task.ID, cause.Error()); err != nil {
		logger.CtxError(ctx, "Failed to mark timed-out task failed: %v", err)
	}
	if task.Type == domain.TaskTypeProcessDocument {
		if err := p.docs.Fail(markCtx, task.DocumentID, cause.Error()); err != nil {
			logger.CtxError(ctx, "Failed to mark document errored after hard timeout: %v", err)
		}
	}
}

// runRetentionSweep periodically purges terminal task records older than the
// retention window.
func (p *Pool) runRetentionSweep(ctx context.Context) {
	retention := p.cfg.ResultRetention
	if retention <= 0 {
		retention = 24 * time.Hour
	}

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			purged, err := p.tasks.PurgeCompletedBefore(ctx, cutoff)
			if err != nil {
				p.log.WithError(err).Error("Task retention sweep failed")
				continue
			}
			if purged > 0 {
				p.log.Infof("Purged %d task records past retention", purged)
			}
		}
	}
}
