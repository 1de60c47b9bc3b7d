package worker

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lukewei/docgraph/internal/config"
	"github.com/lukewei/docgraph/internal/domain"
	"github.com/lukewei/docgraph/internal/logger"
	"github.com/lukewei/docgraph/internal/repository"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type fakeRunner struct {
	run func(ctx context.Context, task *domain.TaskRecord) error
}

func (f *fakeRunner) Run(ctx context.Context, task *domain.TaskRecord) error {
	return f.run(ctx, task)
}

func newTestRepos(t *testing.T) (*repository.TaskRepository, *repository.DocumentRepository) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared&_busy_timeout=5000"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := repository.Migrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	t.Cleanup(func() {
		db.Exec("DELETE FROM task_records")
		db.Exec("DELETE FROM documents")
	})
	return repository.NewTaskRepository(db), repository.NewDocumentRepository(db)
}

func newTestPool(t *testing.T, runner Runner, cfg *config.WorkerConfig) (*Pool, *repository.TaskRepository, *repository.DocumentRepository) {
	t.Helper()
	tasks, docs := newTestRepos(t)
	return NewPool(tasks, docs, runner, cfg, logger.GetDefault()), tasks, docs
}

func TestPoolExecutesPendingTask(t *testing.T) {
	executed := make(chan string, 1)
	runner := &fakeRunner{run: func(ctx context.Context, task *domain.TaskRecord) error {
		executed <- task.ID
		return nil
	}}
	pool, tasks, _ := newTestPool(t, runner, &config.WorkerConfig{
		PoolSize:          1,
		MaxTasksPerWorker: 50,
		PollInterval:      10 * time.Millisecond,
		HardTimeLimit:     time.Second,
		SoftTimeLimit:     time.Second,
	})

	task, err := tasks.Submit(context.Background(), 1, domain.TaskTypeProcessDocument, nil)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	pool.Start(context.Background())
	defer pool.Stop()

	select {
	case got := <-executed:
		if got != task.ID {
			t.Errorf("executed task %s, want %s", got, task.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task was never executed")
	}

	// The pool claimed it before running; the record carries the worker.
	deadline := time.Now().Add(time.Second)
	for {
		got, err := tasks.GetByID(context.Background(), task.ID)
		if err == nil && got.Status == domain.TaskStatusRunning && got.WorkerID != "" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("claim not recorded, last status: %+v", got)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPoolHardTimeout(t *testing.T) {
	blocked := make(chan struct{})
	runner := &fakeRunner{run: func(ctx context.Context, task *domain.TaskRecord) error {
		<-blocked
		return nil
	}}
	pool, tasks, docs := newTestPool(t, runner, &config.WorkerConfig{
		PoolSize:          1,
		MaxTasksPerWorker: 50,
		PollInterval:      5 * time.Millisecond,
		SoftTimeLimit:     20 * time.Millisecond,
		HardTimeLimit:     40 * time.Millisecond,
	})
	defer close(blocked)

	doc := &domain.Document{Filename: "slow.md", RawKey: "documents/raw/slow.md", Status: domain.DocumentStatusChunking}
	if err := docs.Create(context.Background(), doc); err != nil {
		t.Fatal(err)
	}
	task, err := tasks.Submit(context.Background(), doc.ID, domain.TaskTypeProcessDocument, nil)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	pool.Start(context.Background())
	defer pool.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := tasks.GetByID(context.Background(), task.ID)
		if err == nil && got.Status == domain.TaskStatusFailed {
			if !strings.Contains(got.ErrorMessage, "hard time limit") {
				t.Errorf("error message = %q, want hard time limit mention", got.ErrorMessage)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("hard timeout never recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}

	gotDoc, err := docs.GetByID(context.Background(), doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotDoc.Status != domain.DocumentStatusError {
		t.Errorf("document status = %s, want error after hard timeout", gotDoc.Status)
	}
}

func TestPoolSoftLimitReachesRunnerAsCancellation(t *testing.T) {
	observed := make(chan error, 1)
	runner := &fakeRunner{run: func(ctx context.Context, task *domain.TaskRecord) error {
		<-ctx.Done()
		observed <- ctx.Err()
		return ctx.Err()
	}}
	pool, tasks, _ := newTestPool(t, runner, &config.WorkerConfig{
		PoolSize:          1,
		MaxTasksPerWorker: 50,
		PollInterval:      5 * time.Millisecond,
		SoftTimeLimit:     20 * time.Millisecond,
		HardTimeLimit:     5 * time.Second,
	})

	if _, err := tasks.Submit(context.Background(), 1, domain.TaskTypeProcessDocument, nil); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	pool.Start(context.Background())
	defer pool.Stop()

	select {
	case err := <-observed:
		if err != context.DeadlineExceeded {
			t.Errorf("runner observed %v, want deadline exceeded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("soft limit never reached the runner")
	}
}

func TestPoolSingleFlightAcrossSlots(t *testing.T) {
	var executions atomic.Int32
	runner := &fakeRunner{run: func(ctx context.Context, task *domain.TaskRecord) error {
		executions.Add(1)
		time.Sleep(20 * time.Millisecond)
		return nil
	}}
	pool, tasks, _ := newTestPool(t, runner, &config.WorkerConfig{
		PoolSize:          4,
		MaxTasksPerWorker: 50,
		PollInterval:      5 * time.Millisecond,
		HardTimeLimit:     time.Second,
		SoftTimeLimit:     time.Second,
	})

	if _, err := tasks.Submit(context.Background(), 1, domain.TaskTypeProcessDocument, nil); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	pool.Start(context.Background())
	time.Sleep(200 * time.Millisecond)
	pool.Stop()

	if got := executions.Load(); got != 1 {
		t.Errorf("task executed %d times across slots, want exactly 1", got)
	}
}

func TestPoolStopDrains(t *testing.T) {
	runner := &fakeRunner{run: func(ctx context.Context, task *domain.TaskRecord) error {
		return nil
	}}
	pool, _, _ := newTestPool(t, runner, &config.WorkerConfig{
		PoolSize:          2,
		MaxTasksPerWorker: 50,
		PollInterval:      5 * time.Millisecond,
		HardTimeLimit:     time.Second,
		SoftTimeLimit:     time.Second,
	})

	pool.Start(context.Background())

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not drain the pool")
	}
}
