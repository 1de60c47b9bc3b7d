package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lukewei/docgraph/internal/config"
	"github.com/lukewei/docgraph/internal/domain"
	"github.com/lukewei/docgraph/internal/graph"
	"github.com/lukewei/docgraph/internal/llm"
	"github.com/lukewei/docgraph/internal/logger"
	"github.com/lukewei/docgraph/internal/repository"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// --- fakes ---

type fakeGraph struct {
	mu       sync.Mutex
	writes   []string
	reads    []string
	records  []graph.Record
	writeErr error
}

func (f *fakeGraph) Read(ctx context.Context, query string, params map[string]interface{}) ([]graph.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, query)
	return f.records, nil
}

func (f *fakeGraph) Write(ctx context.Context, query string, params map[string]interface{}) (graph.Counters, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return graph.Counters{}, f.writeErr
	}
	f.writes = append(f.writes, query)
	return graph.Counters{NodesCreated: 1}, nil
}

func (f *fakeGraph) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

type fakeVectors struct {
	mu      sync.Mutex
	upserts int
	deletes int
}

func (f *fakeVectors) UpsertChunk(ctx context.Context, pointID string, vector []float32, payload *repository.ChunkPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	return nil
}

func (f *fakeVectors) DeleteByDocument(ctx context.Context, documentID uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	return nil
}

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (m *memStore) Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *memStore) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return io.NopCloser(bytes.NewReader(m.objects[key])), nil
}

func (m *memStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

type fakeExtractor struct {
	confidence  float64
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (f *fakeExtractor) Extract(ctx context.Context, text string) (*llm.Extraction, error) {
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		prev := f.maxInFlight.Load()
		if cur <= prev || f.maxInFlight.CompareAndSwap(prev, cur) {
			break
		}
	}
	time.Sleep(time.Millisecond)

	return &llm.Extraction{
		Entities: []llm.Entity{
			{Name: "Ingestion Service", Type: "system"},
			{Name: "Graph Store", Type: "system"},
		},
		Relations: []llm.Relation{
			{Source: "Ingestion Service", Target: "Graph Store", Type: "depends_on"},
		},
		Confidence: f.confidence,
	}, nil
}

type fakeSummarizer struct{}

func (fakeSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	return "A short summary.", nil
}

type fakeGenerator struct{}

func (fakeGenerator) GenerateTemplate(ctx context.Context, graphContext string) (string, error) {
	return "# Template\n" + graphContext, nil
}

func (fakeGenerator) GenerateRequirements(ctx context.Context, graphContext string) (string, error) {
	return "# Requirements\n" + graphContext, nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return make([]float32, 4), nil
}

// --- harness ---

type testEnv struct {
	db      *gorm.DB
	tasks   *repository.TaskRepository
	docs    *repository.DocumentRepository
	graph   *fakeGraph
	vectors *fakeVectors
	store   *memStore
	coord   *Coordinator
}

func newTestEnv(t *testing.T, extractor llm.Extractor) *testEnv {
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

	env := &testEnv{
		db:      db,
		tasks:   repository.NewTaskRepository(db),
		docs:    repository.NewDocumentRepository(db),
		graph:   &fakeGraph{},
		vectors: &fakeVectors{},
		store:   newMemStore(),
	}
	env.coord = NewCoordinator(&Deps{
		Tasks:      env.tasks,
		Docs:       env.docs,
		Graph:      env.graph,
		Vectors:    env.vectors,
		Store:      env.store,
		Extractor:  extractor,
		Summarizer: fakeSummarizer{},
		Generator:  fakeGenerator{},
		Embedder:   fakeEmbedder{},
		Gate: NewGate(&config.QualityConfig{
			ChunkingThreshold:   70,
			ExtractionThreshold: 70,
			GraphThreshold:      70,
			OverallThreshold:    70,
			SampleSize:          10,
			MaxRetries:          2,
		}),
	}, &config.WorkerConfig{
		EpisodeConcurrency: 2,
		CommunityTimeout:   time.Second,
		SoftTimeLimit:      45 * time.Minute,
	}, logger.GetDefault())
	return env
}

const testDocContent = `# Overview
The ingestion service accepts uploaded documents and drives them through a
staged pipeline until their content is represented in the knowledge graph.

# Architecture
The worker pool claims pending task records and executes the pipeline stages.
Each stage records its artifact in object storage before the lifecycle
advances, so a crashed run can always be diagnosed from the stored outputs.

# Storage
Raw uploads, parsed content, chunk sets, and summaries are all kept in a
private object storage bucket keyed by document identifier.
`

func (e *testEnv) newClaimedTask(t *testing.T, params domain.JSONMap) (*domain.Document, *domain.TaskRecord) {
	t.Helper()
	ctx := context.Background()

	doc := &domain.Document{Filename: "spec.md", RawKey: "documents/raw/spec.md"}
	if err := e.docs.Create(ctx, doc); err != nil {
		t.Fatalf("create document: %v", err)
	}
	if err := e.store.Upload(ctx, doc.RawKey, strings.NewReader(testDocContent), int64(len(testDocContent)), "text/plain"); err != nil {
		t.Fatalf("upload raw: %v", err)
	}

	task, err := e.tasks.Submit(ctx, doc.ID, domain.TaskTypeProcessDocument, params)
	if err != nil {
		t.Fatalf("submit task: %v", err)
	}
	if _, err := e.tasks.Claim(ctx, task.ID, "test-worker"); err != nil {
		t.Fatalf("claim task: %v", err)
	}
	task.Status = domain.TaskStatusRunning
	return doc, task
}

// --- tests ---

func TestProcessDocumentHappyPath(t *testing.T) {
	extractor := &fakeExtractor{confidence: 95}
	env := newTestEnv(t, extractor)
	ctx := context.Background()

	doc, task := env.newClaimedTask(t, nil)

	if err := env.coord.Run(ctx, task); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	gotTask, _ := env.tasks.GetByID(ctx, task.ID)
	if gotTask.Status != domain.TaskStatusCompleted {
		t.Fatalf("task status = %s (%s), want completed", gotTask.Status, gotTask.ErrorMessage)
	}
	if gotTask.Progress != 100 {
		t.Errorf("task progress = %d, want 100", gotTask.Progress)
	}
	if gotTask.Result["degraded"] != false {
		t.Errorf("expected non-degraded result, got %v", gotTask.Result["degraded"])
	}

	gotDoc, _ := env.docs.GetByID(ctx, doc.ID)
	if gotDoc.Status != domain.DocumentStatusCompleted {
		t.Errorf("document status = %s, want completed", gotDoc.Status)
	}
	if gotDoc.ParsedKey == "" || gotDoc.StructuredKey == "" || gotDoc.ChunkSetKey == "" || gotDoc.SummaryKey == "" {
		t.Errorf("artifact keys missing: %+v", gotDoc)
	}
	if gotDoc.GraphDocumentID == "" {
		t.Error("graph document identity not recorded")
	}

	if env.graph.writeCount() == 0 {
		t.Error("expected graph writes for entities and relations")
	}
	if env.vectors.upserts == 0 {
		t.Error("expected chunk vectors to be indexed")
	}
	if max := extractor.maxInFlight.Load(); max > 2 {
		t.Errorf("episode concurrency exceeded: %d in flight", max)
	}
}

func TestProcessDocumentDegradedChunkingStillCompletes(t *testing.T) {
	env := newTestEnv(t, &fakeExtractor{confidence: 95})
	ctx := context.Background()

	doc := &domain.Document{Filename: "tiny.md", RawKey: "documents/raw/tiny.md"}
	if err := env.docs.Create(ctx, doc); err != nil {
		t.Fatal(err)
	}
	// A token budget no strategy can chunk well: every resulting chunk is
	// either over budget or a fragment below the minimum useful size.
	content := "Alpha beta gamma one. Delta epsilon two. Zeta eta theta three."
	env.store.Upload(ctx, doc.RawKey, strings.NewReader(content), int64(len(content)), "text/plain")

	task, _ := env.tasks.Submit(ctx, doc.ID, domain.TaskTypeProcessDocument,
		domain.JSONMap{"max_tokens": float64(5)})
	env.tasks.Claim(ctx, task.ID, "test-worker")

	if err := env.coord.Run(ctx, task); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	gotTask, _ := env.tasks.GetByID(ctx, task.ID)
	if gotTask.Status != domain.TaskStatusCompleted {
		t.Fatalf("task status = %s (%s), want completed despite quality fail", gotTask.Status, gotTask.ErrorMessage)
	}
	if gotTask.Result["degraded"] != true {
		t.Errorf("expected degraded result, got %v", gotTask.Result["degraded"])
	}

	gotDoc, _ := env.docs.GetByID(ctx, doc.ID)
	if gotDoc.Status != domain.DocumentStatusCompleted {
		t.Errorf("document status = %s, want completed", gotDoc.Status)
	}
}

func TestProcessDocumentGraphUnavailable(t *testing.T) {
	env := newTestEnv(t, &fakeExtractor{confidence: 95})
	ctx := context.Background()

	env.graph.writeErr = &graph.UnavailableError{Attempts: 3, Cause: io.ErrUnexpectedEOF}
	doc, task := env.newClaimedTask(t, nil)

	if err := env.coord.Run(ctx, task); err == nil {
		t.Fatal("expected run to surface the graph failure")
	}

	gotTask, _ := env.tasks.GetByID(ctx, task.ID)
	if gotTask.Status != domain.TaskStatusFailed {
		t.Fatalf("task status = %s, want failed", gotTask.Status)
	}
	if !strings.Contains(gotTask.ErrorMessage, "graph store unavailable after 3 attempts") {
		t.Errorf("cause not preserved verbatim: %q", gotTask.ErrorMessage)
	}

	gotDoc, _ := env.docs.GetByID(ctx, doc.ID)
	if gotDoc.Status != domain.DocumentStatusError {
		t.Errorf("document status = %s, want error", gotDoc.Status)
	}
	if !strings.Contains(gotDoc.ErrorMessage, "graph store unavailable") {
		t.Errorf("document error message = %q", gotDoc.ErrorMessage)
	}
}

func TestProcessDocumentCancelledBeforeStart(t *testing.T) {
	env := newTestEnv(t, &fakeExtractor{confidence: 95})
	ctx := context.Background()

	doc, task := env.newClaimedTask(t, nil)
	if err := env.tasks.Cancel(ctx, task.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	if err := env.coord.Run(ctx, task); err != nil {
		t.Fatalf("run of cancelled task errored: %v", err)
	}

	gotDoc, _ := env.docs.GetByID(ctx, doc.ID)
	if gotDoc.Status != domain.DocumentStatusValidated {
		t.Errorf("cancelled run must not advance the document, got %s", gotDoc.Status)
	}
	gotTask, _ := env.tasks.GetByID(ctx, task.ID)
	if gotTask.Status != domain.TaskStatusCancelled {
		t.Errorf("task status = %s, want cancelled", gotTask.Status)
	}
}

func TestReprocessingAfterError(t *testing.T) {
	env := newTestEnv(t, &fakeExtractor{confidence: 95})
	ctx := context.Background()

	env.graph.writeErr = &graph.UnavailableError{Attempts: 3, Cause: io.ErrUnexpectedEOF}
	doc, task := env.newClaimedTask(t, nil)
	env.coord.Run(ctx, task)

	gotDoc, _ := env.docs.GetByID(ctx, doc.ID)
	if gotDoc.Status != domain.DocumentStatusError {
		t.Fatalf("setup: expected errored document, got %s", gotDoc.Status)
	}

	// Graph recovers; a fresh task reprocesses the document from scratch.
	env.graph.writeErr = nil
	retry, err := env.tasks.Submit(ctx, doc.ID, domain.TaskTypeProcessDocument, nil)
	if err != nil {
		t.Fatalf("resubmit failed: %v", err)
	}
	env.tasks.Claim(ctx, retry.ID, "test-worker")
	retry.Status = domain.TaskStatusRunning

	if err := env.coord.Run(ctx, retry); err != nil {
		t.Fatalf("reprocessing run failed: %v", err)
	}

	gotDoc, _ = env.docs.GetByID(ctx, doc.ID)
	if gotDoc.Status != domain.DocumentStatusCompleted {
		t.Errorf("document status = %s, want completed after reprocessing", gotDoc.Status)
	}
	if env.vectors.deletes == 0 {
		t.Error("expected stale chunk vectors to be cleared before reprocessing")
	}
}

func TestSoftDeadlineErrorCarriesLimit(t *testing.T) {
	env := newTestEnv(t, &fakeExtractor{confidence: 95})

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	err := env.coord.checkDeadline(ctx, "extract")
	var timeoutErr *domain.TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("checkDeadline = %v, want a timeout error", err)
	}
	if timeoutErr.Hard {
		t.Error("soft deadline reported as hard")
	}
	if timeoutErr.Limit != 45*time.Minute {
		t.Errorf("limit = %s, want the configured soft limit", timeoutErr.Limit)
	}
	if !strings.Contains(err.Error(), "45m0s") {
		t.Errorf("recorded message lacks the limit: %q", err.Error())
	}
}

func TestProcessDocumentContinuesWhenCancellationCheckFails(t *testing.T) {
	env := newTestEnv(t, &fakeExtractor{confidence: 95})
	ctx := context.Background()

	doc, task := env.newClaimedTask(t, nil)

	// The task record vanishing mid-run (say, an aggressive purge) makes the
	// cancellation check error; the pipeline must log and keep advancing.
	if err := env.db.Delete(&domain.TaskRecord{}, "id = ?", task.ID).Error; err != nil {
		t.Fatal(err)
	}

	err := env.coord.Run(ctx, task)
	if !errors.Is(err, domain.ErrConflict) {
		t.Errorf("run error = %v, want conflict from recording completion on the missing record", err)
	}

	gotDoc, _ := env.docs.GetByID(ctx, doc.ID)
	if gotDoc.Status != domain.DocumentStatusCompleted {
		t.Errorf("document status = %s, want completed despite failing cancellation checks", gotDoc.Status)
	}
}

func TestBuildCommunitiesTaskRequiresGraph(t *testing.T) {
	env := newTestEnv(t, &fakeExtractor{confidence: 95})
	ctx := context.Background()

	doc := &domain.Document{Filename: "doc.md", RawKey: "documents/raw/doc.md"}
	env.docs.Create(ctx, doc)

	task, _ := env.tasks.Submit(ctx, doc.ID, domain.TaskTypeBuildCommunities, nil)
	env.tasks.Claim(ctx, task.ID, "test-worker")
	task.Status = domain.TaskStatusRunning

	if err := env.coord.Run(ctx, task); err == nil {
		t.Fatal("expected failure for document without graph")
	}

	gotTask, _ := env.tasks.GetByID(ctx, task.ID)
	if gotTask.Status != domain.TaskStatusFailed {
		t.Errorf("task status = %s, want failed", gotTask.Status)
	}
	gotDoc, _ := env.docs.GetByID(ctx, doc.ID)
	if gotDoc.Status == domain.DocumentStatusError {
		t.Error("community task failure must never fail the document")
	}
}

func TestGenerateTemplateTask(t *testing.T) {
	env := newTestEnv(t, &fakeExtractor{confidence: 95})
	ctx := context.Background()

	// A fully processed document with a populated graph slice.
	doc, task := env.newClaimedTask(t, nil)
	if err := env.coord.Run(ctx, task); err != nil {
		t.Fatalf("setup run failed: %v", err)
	}

	env.graph.records = []graph.Record{
		{"source": "Ingestion Service", "source_type": "system", "relation": "depends_on", "target": "Graph Store"},
	}

	gen, err := env.tasks.Submit(ctx, doc.ID, domain.TaskTypeGenerateTemplate, nil)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	env.tasks.Claim(ctx, gen.ID, "test-worker")
	gen.Status = domain.TaskStatusRunning

	if err := env.coord.Run(ctx, gen); err != nil {
		t.Fatalf("generate run failed: %v", err)
	}

	gotTask, _ := env.tasks.GetByID(ctx, gen.ID)
	if gotTask.Status != domain.TaskStatusCompleted {
		t.Fatalf("task status = %s (%s)", gotTask.Status, gotTask.ErrorMessage)
	}
	key, _ := gotTask.Result["artifact_key"].(string)
	if key == "" {
		t.Fatal("expected artifact key in result")
	}
	if ok, _ := env.store.Exists(ctx, key); !ok {
		t.Errorf("generated artifact %s not stored", key)
	}
}

func TestGenerateTaskRequiresCompletedDocument(t *testing.T) {
	env := newTestEnv(t, &fakeExtractor{confidence: 95})
	ctx := context.Background()

	doc := &domain.Document{Filename: "doc.md", RawKey: "documents/raw/doc.md"}
	env.docs.Create(ctx, doc)

	task, _ := env.tasks.Submit(ctx, doc.ID, domain.TaskTypeGenerateRequirement, nil)
	env.tasks.Claim(ctx, task.ID, "test-worker")
	task.Status = domain.TaskStatusRunning

	if err := env.coord.Run(ctx, task); err == nil {
		t.Fatal("expected failure for unprocessed document")
	}
	gotTask, _ := env.tasks.GetByID(ctx, task.ID)
	if gotTask.Status != domain.TaskStatusFailed {
		t.Errorf("task status = %s, want failed", gotTask.Status)
	}
}
