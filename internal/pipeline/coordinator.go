// Package pipeline sequences a document through its processing stages:
// validate, parse, chunk, extract/build-graph, optional community building,
// and completion. The coordinator is the only writer of document status; it
// advances the lifecycle with conditional updates, consults the quality gate
// after quality-bearing stages, and keeps the task record's progress current.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lukewei/docgraph/internal/config"
	"github.com/lukewei/docgraph/internal/domain"
	"github.com/lukewei/docgraph/internal/graph"
	"github.com/lukewei/docgraph/internal/llm"
	"github.com/lukewei/docgraph/internal/logger"
	"github.com/lukewei/docgraph/internal/repository"
	"github.com/lukewei/docgraph/internal/storage"
)

// GraphStore is the graph database boundary consumed by the coordinator.
// All writes issued through it use MERGE semantics so the resilient client
// may safely repeat them across retry attempts.
type GraphStore interface {
	Read(ctx context.Context, query string, params map[string]interface{}) ([]graph.Record, error)
	Write(ctx context.Context, query string, params map[string]interface{}) (graph.Counters, error)
}

// VectorStore stores chunk embeddings for accepted chunks.
type VectorStore interface {
	UpsertChunk(ctx context.Context, pointID string, vector []float32, payload *repository.ChunkPayload) error
	DeleteByDocument(ctx context.Context, documentID uint) error
}

// Embedder produces embedding vectors for chunk text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Summarizer produces the completion-stage document summary.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// Coordinator drives documents through the pipeline. One coordinator instance
// is shared by all workers; per-document state lives in the durable records,
// not here.
type Coordinator struct {
	tasks      *repository.TaskRepository
	docs       *repository.DocumentRepository
	graph      GraphStore
	vectors    VectorStore
	store      storage.ObjectStorage
	extractor  llm.Extractor
	summarizer Summarizer
	generator  Generator
	embedder   Embedder
	gate       *Gate

	episodeConcurrency int
	communityTimeout   time.Duration
	softLimit          time.Duration
	log                *logger.Logger
}

// Deps bundles the coordinator's collaborators.
type Deps struct {
	Tasks      *repository.TaskRepository
	Docs       *repository.DocumentRepository
	Graph      GraphStore
	Vectors    VectorStore
	Store      storage.ObjectStorage
	Extractor  llm.Extractor
	Summarizer Summarizer
	Generator  Generator
	Embedder   Embedder
	Gate       *Gate
}

// NewCoordinator creates a pipeline coordinator.
// Parameters:
//   - deps: collaborator bundle.
//   - workerCfg: episode concurrency, community timeout, and soft time limit.
//   - log: base logger.
// Returns:
//   - *Coordinator: initialized coordinator.
func NewCoordinator(deps *Deps, workerCfg *config.WorkerConfig, log *logger.Logger) *Coordinator {
	episodeConcurrency := workerCfg.EpisodeConcurrency
	if episodeConcurrency <= 0 {
		episodeConcurrency = 5
	}
	communityTimeout := workerCfg.CommunityTimeout
	if communityTimeout <= 0 {
		communityTimeout = 180 * time.Second
	}
	softLimit := workerCfg.SoftTimeLimit
	if softLimit <= 0 {
		softLimit = 6900 * time.Second
	}
	return &Coordinator{
		tasks:              deps.Tasks,
		docs:               deps.Docs,
		graph:              deps.Graph,
		vectors:            deps.Vectors,
		store:              deps.Store,
		extractor:          deps.Extractor,
		summarizer:         deps.Summarizer,
		generator:          deps.Generator,
		embedder:           deps.Embedder,
		gate:               deps.Gate,
		episodeConcurrency: episodeConcurrency,
		communityTimeout:   communityTimeout,
		softLimit:          softLimit,
		log:                log.WithField(logger.FieldComponent, "pipeline"),
	}
}

// processSteps is the ordered stage sequence for a full document run.
var processSteps = []string{"validate", "parse", "chunk", "extract", "communities", "complete"}

// Run executes one claimed task to a terminal task status. Errors are
// recorded on the task (and, for pipeline failures, on the document) before
// being returned; nothing escapes to the caller unrecorded.
// Parameters:
//   - ctx: soft-timeout context delivered by the worker pool; observed
//     cooperatively between stages and episodes.
//   - task: the claimed task record.
// Returns:
//   - error: the causing error after it has been persisted, for logging.
func (c *Coordinator) Run(ctx context.Context, task *domain.TaskRecord) error {
	ctx = logger.SetTaskID(ctx, task.ID)
	ctx = logger.SetDocumentID(ctx, task.DocumentID)

	var err error
	switch task.Type {
	case domain.TaskTypeProcessDocument:
		err = c.processDocument(ctx, task)
	case domain.TaskTypeBuildCommunities:
		err = c.buildCommunitiesTask(ctx, task)
	case domain.TaskTypeGenerateTemplate, domain.TaskTypeGenerateRequirement:
		err = c.generateFromGraph(ctx, task)
	default:
		err = fmt.Errorf("unknown task type %q: %w", task.Type, domain.ErrInvalidState)
		c.failTask(ctx, task, err, false)
	}
	return err
}

// processDocument runs the full stage sequence for one document.
func (c *Coordinator) processDocument(ctx context.Context, task *domain.TaskRecord) error {
	doc, err := c.docs.GetByID(ctx, task.DocumentID)
	if err != nil {
		c.failTask(ctx, task, err, false)
		return err
	}

	if err := c.assignParams(ctx, task, doc); err != nil {
		c.failTask(ctx, task, err, true)
		return err
	}
	doc, err = c.docs.GetByID(ctx, task.DocumentID)
	if err != nil {
		c.failTask(ctx, task, err, false)
		return err
	}

	run := &documentRun{task: task, doc: doc}

	type stageFunc func(ctx context.Context, run *documentRun) error
	stages := []stageFunc{
		c.stageValidate,
		c.stageParse,
		c.stageChunk,
		c.stageExtract,
		c.stageCommunities,
		c.stageComplete,
	}

	for i, stage := range stages {
		cancelled, err := c.tasks.IsCancelled(ctx, task.ID)
		if err != nil {
			logger.CtxWarn(ctx, "Cancellation check failed, continuing: %v", err)
		} else if cancelled {
			// No compensating deletes: committed graph state persists.
			logger.CtxWarn(ctx, "Task cancelled, stopping advancement after %d steps", i)
			return nil
		}
		if err := c.checkDeadline(ctx, processSteps[i]); err != nil {
			c.failTask(ctx, task, err, true)
			return err
		}

		stageCtx := logger.SetStage(ctx, processSteps[i])
		if err := stage(stageCtx, run); err != nil {
			c.failTask(ctx, task, err, true)
			return err
		}

		if err := c.tasks.UpdateProgress(ctx, task.ID,
			(i+1)*100/len(stages), processSteps[i], i+1, len(stages)); err != nil {
			logger.CtxWarn(ctx, "Failed to update task progress: %v", err)
		}
	}

	result := domain.JSONMap{
		"document_id":       doc.ID,
		"graph_document_id": run.graphID,
		"chunk_count":       len(run.chunks),
		"entity_count":      run.entityCount,
		"relation_count":    run.relationCount,
		"chunking_score":    run.chunkingScore,
		"extraction_score":  run.extractionScore,
		"graph_score":       run.graphScore,
		"overall_score":     run.overallScore,
		"degraded":          run.degraded,
	}
	if err := c.tasks.Complete(ctx, task.ID, result); err != nil {
		return err
	}
	c.gate.Reset(doc.ID)
	logger.CtxInfo(ctx, "Document processing completed (degraded=%v, overall=%.1f)", run.degraded, run.overallScore)
	return nil
}

// documentRun carries state across the stages of one pipeline run.
type documentRun struct {
	task *domain.TaskRecord
	doc  *domain.Document

	plain    string
	sections []Section
	chunks   []Chunk

	graphID       string
	entityCount   int
	relationCount int

	chunkingScore   float64
	extractionScore float64
	graphScore      float64
	overallScore    float64
	degraded        bool
}

// assignParams applies the task's processing parameters to the document once
// at pipeline start; they are immutable afterwards.
func (c *Coordinator) assignParams(ctx context.Context, task *domain.TaskRecord, doc *domain.Document) error {
	strategy := StrategyParagraph
	maxTokens := 800
	analysisMode := "standard"
	var templateID *uint

	if task.Params != nil {
		if v, ok := task.Params["chunk_strategy"].(string); ok && v != "" {
			strategy = v
		}
		if v, ok := task.Params["max_tokens"].(float64); ok && v > 0 {
			maxTokens = int(v)
		}
		if v, ok := task.Params["analysis_mode"].(string); ok && v != "" {
			analysisMode = v
		}
		if v, ok := task.Params["template_id"].(float64); ok && v > 0 {
			id := uint(v)
			templateID = &id
		}
	}

	return c.docs.AssignParams(ctx, doc.ID, strategy, maxTokens, analysisMode, templateID)
}

// stageValidate verifies the uploaded content is present and resets an
// errored document for reprocessing.
func (c *Coordinator) stageValidate(ctx context.Context, run *documentRun) error {
	if run.doc.Status == domain.DocumentStatusError {
		if err := c.docs.ResetForReprocessing(ctx, run.doc.ID); err != nil {
			return err
		}
		if err := c.vectors.DeleteByDocument(ctx, run.doc.ID); err != nil {
			logger.CtxWarn(ctx, "Failed to clear stale chunk vectors: %v", err)
		}
		doc, err := c.docs.GetByID(ctx, run.doc.ID)
		if err != nil {
			return err
		}
		run.doc = doc
	}

	exists, err := c.store.Exists(ctx, run.doc.RawKey)
	if err != nil {
		return fmt.Errorf("failed to check raw upload: %w", err)
	}
	if !exists {
		return fmt.Errorf("raw upload %s missing: %w", run.doc.RawKey, domain.ErrInvalidState)
	}
	return nil
}

// stageParse downloads the raw upload, parses it, and records the parsed and
// structured artifacts.
func (c *Coordinator) stageParse(ctx context.Context, run *documentRun) error {
	if err := c.docs.Advance(ctx, run.doc.ID, domain.DocumentStatusValidated, domain.DocumentStatusParsing); err != nil {
		return err
	}

	reader, err := c.store.Download(ctx, run.doc.RawKey)
	if err != nil {
		return fmt.Errorf("failed to download raw upload: %w", err)
	}
	raw, err := io.ReadAll(reader)
	reader.Close()
	if err != nil {
		return fmt.Errorf("failed to read raw upload: %w", err)
	}

	plain, sections, err := ParseDocument(string(raw))
	if err != nil {
		return err
	}
	run.plain = plain
	run.sections = sections

	parsedKey := fmt.Sprintf("documents/%d/parsed.txt", run.doc.ID)
	if err := c.uploadArtifact(ctx, parsedKey, []byte(plain), "text/plain"); err != nil {
		return err
	}
	if err := c.docs.RecordArtifact(ctx, run.doc.ID, domain.ArtifactParsedContent, parsedKey); err != nil {
		return err
	}

	structured, err := json.Marshal(sections)
	if err != nil {
		return fmt.Errorf("failed to encode structured content: %w", err)
	}
	structuredKey := fmt.Sprintf("documents/%d/structured.json", run.doc.ID)
	if err := c.uploadArtifact(ctx, structuredKey, structured, "application/json"); err != nil {
		return err
	}
	if err := c.docs.RecordArtifact(ctx, run.doc.ID, domain.ArtifactStructuredContent, structuredKey); err != nil {
		return err
	}

	return c.docs.Advance(ctx, run.doc.ID, domain.DocumentStatusParsing, domain.DocumentStatusParsed)
}

// stageChunk splits the parsed content under the token budget, retrying with
// an adjusted strategy while the quality gate grants retries.
func (c *Coordinator) stageChunk(ctx context.Context, run *documentRun) error {
	if err := c.docs.Advance(ctx, run.doc.ID, domain.DocumentStatusParsed, domain.DocumentStatusChunking); err != nil {
		return err
	}

	strategy := run.doc.ChunkStrategy
	if strategy == "" {
		strategy = StrategyParagraph
	}

	for {
		if err := c.checkDeadline(ctx, string(StageChunking)); err != nil {
			return err
		}
		chunks := SplitChunks(run.sections, strategy, run.doc.MaxTokens)
		score := ChunkingScore(chunks, run.doc.MaxTokens)

		decision := c.gate.Evaluate(run.doc.ID, StageChunking, score)
		logger.CtxInfo(ctx, "Chunking produced %d chunks, score %.1f, gate: %s", len(chunks), score, decision)

		switch decision {
		case DecisionAccept:
			run.chunks = chunks
			run.chunkingScore = score
		case DecisionRetry:
			strategy = NextStrategy(strategy)
			continue
		case DecisionFail:
			// Degraded-accept: continue with the best chunk set we have.
			run.chunks = chunks
			run.chunkingScore = score
			run.degraded = true
		}
		break
	}

	encoded, err := json.Marshal(run.chunks)
	if err != nil {
		return fmt.Errorf("failed to encode chunk set: %w", err)
	}
	chunkKey := fmt.Sprintf("documents/%d/chunks.json", run.doc.ID)
	if err := c.uploadArtifact(ctx, chunkKey, encoded, "application/json"); err != nil {
		return err
	}
	if err := c.docs.RecordArtifact(ctx, run.doc.ID, domain.ArtifactChunkSet, chunkKey); err != nil {
		return err
	}

	return c.docs.Advance(ctx, run.doc.ID, domain.DocumentStatusChunking, domain.DocumentStatusChunked)
}

// stageCommunities runs best-effort community building under its own wall
// clock; a timeout or failure here never fails the document.
func (c *Coordinator) stageCommunities(ctx context.Context, run *documentRun) error {
	if run.doc.AnalysisMode == "fast" || run.graphID == "" {
		return nil
	}

	communityCtx, cancel := context.WithTimeout(ctx, c.communityTimeout)
	defer cancel()

	if err := c.buildCommunities(communityCtx, run.graphID); err != nil {
		logger.CtxWarn(ctx, "Community building skipped: %v", err)
	}
	return nil
}

// stageComplete summarizes the document, records the summary artifact, and
// advances the lifecycle to completed.
func (c *Coordinator) stageComplete(ctx context.Context, run *documentRun) error {
	summaryInput := run.plain
	if len(summaryInput) > maxSummaryInput {
		summaryInput = summaryInput[:maxSummaryInput]
	}
	summary, err := c.summarizer.Summarize(ctx, summaryInput)
	if err != nil {
		// Summary is enrichment; its loss does not fail the document.
		logger.CtxWarn(ctx, "Summary generation failed: %v", err)
	} else {
		summaryKey := fmt.Sprintf("documents/%d/summary.txt", run.doc.ID)
		if err := c.uploadArtifact(ctx, summaryKey, []byte(summary), "text/plain"); err != nil {
			logger.CtxWarn(ctx, "Summary upload failed: %v", err)
		} else if err := c.docs.RecordArtifact(ctx, run.doc.ID, domain.ArtifactSummary, summaryKey); err != nil {
			logger.CtxWarn(ctx, "Summary artifact record failed: %v", err)
		}
	}

	run.overallScore = c.gate.Composite(run.chunkingScore, run.extractionScore, run.graphScore)
	if decision := c.gate.Evaluate(run.doc.ID, StageOverall, run.overallScore); decision != DecisionAccept {
		run.degraded = true
		logger.CtxWarn(ctx, "Overall quality %.1f below threshold %.1f, completing degraded",
			run.overallScore, c.gate.Threshold(StageOverall))
	}

	return c.docs.Advance(ctx, run.doc.ID, domain.DocumentStatusChunked, domain.DocumentStatusCompleted)
}

// checkDeadline translates a cancelled soft-timeout context into a stage
// timeout error at a cooperative checkpoint.
func (c *Coordinator) checkDeadline(ctx context.Context, stage string) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &domain.TimeoutError{Stage: stage, Hard: false, Limit: c.softLimit}
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return nil
	}
}

// failTask records the causing error verbatim on the task record and, for
// pipeline failures, transitions the document to error. Conflicts are logged
// loudly: they mean duplicate dispatch slipped past the single-flight claim.
func (c *Coordinator) failTask(ctx context.Context, task *domain.TaskRecord, cause error, failDocument bool) {
	if errors.Is(cause, domain.ErrConflict) {
		logger.CtxError(ctx, "Concurrent advancement conflict, duplicate dispatch suspected: %v", cause)
	}
	if failDocument {
		if err := c.docs.Fail(ctx, task.DocumentID, cause.Error()); err != nil {
			logger.CtxError(ctx, "Failed to mark document errored: %v", err)
		}
	}
	if err := c.tasks.Fail(ctx, task.ID, cause.Error()); err != nil {
		logger.CtxError(ctx, "Failed to mark task failed: %v", err)
	}
	c.gate.Reset(task.DocumentID)
}

func (c *Coordinator) uploadArtifact(ctx context.Context, key string, data []byte, contentType string) error {
	if err := c.store.Upload(ctx, key, strings.NewReader(string(data)), int64(len(data)), contentType); err != nil {
		return fmt.Errorf("failed to upload artifact %s: %w", key, err)
	}
	return nil
}

const maxSummaryInput = 24000

// newGraphDocumentID derives the graph-side identity for a document run.
func newGraphDocumentID() string {
	return uuid.New().String()
}

// chunkPointID derives a stable vector point ID for a chunk so reprocessing
// replaces the previous point instead of accumulating duplicates.
func chunkPointID(graphID string, index int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s/%d", graphID, index))).String()
}
