package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/lukewei/docgraph/internal/domain"
	"github.com/lukewei/docgraph/internal/llm"
	"github.com/lukewei/docgraph/internal/logger"
	"github.com/lukewei/docgraph/internal/repository"
)

// Cypher statements for graph construction. All writes MERGE on stable keys
// so re-running a retried attempt converges instead of duplicating.
const (
	cypherMergeDocument = `
MERGE (d:Document {id: $id})
SET d.filename = $filename, d.source_id = $source_id`

	cypherMergeEntity = `
MATCH (d:Document {id: $doc_id})
MERGE (e:Entity {name: $name, doc_id: $doc_id})
SET e.type = $type
MERGE (d)-[:MENTIONS]->(e)`

	cypherMergeRelation = `
MATCH (s:Entity {name: $source, doc_id: $doc_id})
MATCH (t:Entity {name: $target, doc_id: $doc_id})
MERGE (s)-[r:RELATES {type: $type}]->(t)
SET r.description = $description`
)

// episodeResult is the outcome of extracting one chunk.
type episodeResult struct {
	index      int
	extraction *llm.Extraction
	err        error
}

// stageExtract fans chunk episodes out to the extractor under the episode
// concurrency cap, scores extraction and graph resolution through the quality
// gate, and persists accepted entities and relations to the graph store.
func (c *Coordinator) stageExtract(ctx context.Context, run *documentRun) error {
	if len(run.chunks) == 0 {
		return fmt.Errorf("no chunks to extract from: %w", domain.ErrInvalidState)
	}

	graphID := run.doc.GraphDocumentID
	if graphID == "" {
		graphID = newGraphDocumentID()
		if err := c.docs.SetGraphDocumentID(ctx, run.doc.ID, graphID); err != nil {
			return err
		}
	}
	run.graphID = graphID

	if _, err := c.graph.Write(ctx, cypherMergeDocument, map[string]interface{}{
		"id":        graphID,
		"filename":  run.doc.Filename,
		"source_id": run.doc.ID,
	}); err != nil {
		return fmt.Errorf("failed to merge document node: %w", err)
	}

	results, err := c.extractEpisodes(ctx, run.chunks)
	if err != nil {
		return err
	}

	extractionScore := c.scoreExtraction(results)
	for {
		decision := c.gate.Evaluate(run.doc.ID, StageExtraction, extractionScore)
		logger.CtxInfo(ctx, "Extraction score %.1f over %d episodes, gate: %s",
			extractionScore, len(results), decision)
		if decision == DecisionAccept {
			break
		}
		if decision == DecisionFail {
			run.degraded = true
			break
		}
		// Retry only the weak episodes; confident ones keep their result.
		retried, err := c.retryWeakEpisodes(ctx, run.chunks, results)
		if err != nil {
			return err
		}
		results = retried
		extractionScore = c.scoreExtraction(results)
	}
	run.extractionScore = extractionScore

	entities, relations := collectExtractions(results)
	run.entityCount = len(entities)
	run.relationCount = len(relations)

	graphScore := resolutionScore(entities, relations)
	for {
		decision := c.gate.Evaluate(run.doc.ID, StageGraph, graphScore)
		logger.CtxInfo(ctx, "Graph resolution score %.1f (%d entities, %d relations), gate: %s",
			graphScore, len(entities), len(relations), decision)
		if decision == DecisionAccept {
			break
		}
		if decision == DecisionFail {
			run.degraded = true
			break
		}
		// Retry with normalized entity names to resolve casing mismatches.
		entities, relations = normalizeExtractions(entities, relations)
		graphScore = resolutionScore(entities, relations)
	}
	run.graphScore = graphScore

	if err := c.writeGraph(ctx, graphID, entities, relations); err != nil {
		return err
	}
	return c.indexChunks(ctx, run)
}

// extractEpisodes runs the extractor over every chunk, at most
// episodeConcurrency in flight. Transient failures get one inline retry;
// anything else fails the stage.
func (c *Coordinator) extractEpisodes(ctx context.Context, chunks []Chunk) ([]episodeResult, error) {
	results := make([]episodeResult, len(chunks))
	sem := make(chan struct{}, c.episodeConcurrency)
	var wg sync.WaitGroup

	for i, chunk := range chunks {
		wg.Add(1)
		go func(i int, chunk Chunk) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if ctx.Err() != nil {
				results[i] = episodeResult{index: i, err: ctx.Err()}
				return
			}
			extraction, err := c.extractor.Extract(ctx, chunk.Text)
			if errors.Is(err, llm.ErrTransient) {
				extraction, err = c.extractor.Extract(ctx, chunk.Text)
			}
			results[i] = episodeResult{index: i, extraction: extraction, err: err}
		}(i, chunk)
	}
	wg.Wait()

	for _, r := range results {
		if r.err != nil {
			if errors.Is(r.err, context.DeadlineExceeded) || errors.Is(r.err, llm.ErrTimeout) {
				return nil, &domain.TimeoutError{Stage: string(StageExtraction), Hard: false, Limit: c.softLimit}
			}
			return nil, fmt.Errorf("episode %d extraction failed: %w", r.index, r.err)
		}
	}
	return results, nil
}

// retryWeakEpisodes re-extracts episodes whose confidence fell below the
// extraction threshold, keeping the better of the two attempts.
func (c *Coordinator) retryWeakEpisodes(ctx context.Context, chunks []Chunk, results []episodeResult) ([]episodeResult, error) {
	threshold := c.gate.Threshold(StageExtraction)
	var weak []Chunk
	var weakIdx []int
	for i, r := range results {
		if r.extraction.Confidence < threshold {
			weak = append(weak, chunks[i])
			weakIdx = append(weakIdx, i)
		}
	}
	if len(weak) == 0 {
		return results, nil
	}

	retried, err := c.extractEpisodes(ctx, weak)
	if err != nil {
		return nil, err
	}
	for j, r := range retried {
		i := weakIdx[j]
		if r.extraction.Confidence > results[i].extraction.Confidence {
			results[i] = episodeResult{index: i, extraction: r.extraction}
		}
	}
	return results, nil
}

// scoreExtraction averages episode confidence over a bounded sample. The
// sample is the first N episodes in document order so retries measure the
// same population.
func (c *Coordinator) scoreExtraction(results []episodeResult) float64 {
	if len(results) == 0 {
		return 0
	}
	sample := results
	if n := c.gate.SampleSize(); n > 0 && len(sample) > n {
		sample = sample[:n]
	}
	var sum float64
	for _, r := range sample {
		sum += r.extraction.Confidence
	}
	return sum / float64(len(sample))
}

// collectExtractions merges episode outputs, deduplicating entities by name
// and relations by (source, predicate, target).
func collectExtractions(results []episodeResult) ([]llm.Entity, []llm.Relation) {
	entitySeen := make(map[string]bool)
	relationSeen := make(map[string]bool)
	var entities []llm.Entity
	var relations []llm.Relation

	for _, r := range results {
		for _, e := range r.extraction.Entities {
			if e.Name == "" || entitySeen[e.Name] {
				continue
			}
			entitySeen[e.Name] = true
			entities = append(entities, e)
		}
		for _, rel := range r.extraction.Relations {
			key := rel.Source + "\x00" + rel.Type + "\x00" + rel.Target
			if rel.Source == "" || rel.Target == "" || relationSeen[key] {
				continue
			}
			relationSeen[key] = true
			relations = append(relations, rel)
		}
	}
	return entities, relations
}

// resolutionScore rates graph construction 0-100: the share of relations
// whose both endpoints resolve to an extracted entity.
func resolutionScore(entities []llm.Entity, relations []llm.Relation) float64 {
	if len(relations) == 0 {
		if len(entities) == 0 {
			return 0
		}
		// Entities without relations still form a valid, if sparse, graph.
		return 100
	}
	names := make(map[string]bool, len(entities))
	for _, e := range entities {
		names[e.Name] = true
	}
	resolved := 0
	for _, r := range relations {
		if names[r.Source] && names[r.Target] {
			resolved++
		}
	}
	return float64(resolved) / float64(len(relations)) * 100
}

// normalizeExtractions lowercases and trims entity names so relations whose
// endpoints differ only in casing or whitespace resolve.
func normalizeExtractions(entities []llm.Entity, relations []llm.Relation) ([]llm.Entity, []llm.Relation) {
	norm := func(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

	seen := make(map[string]bool, len(entities))
	out := make([]llm.Entity, 0, len(entities))
	for _, e := range entities {
		e.Name = norm(e.Name)
		if e.Name == "" || seen[e.Name] {
			continue
		}
		seen[e.Name] = true
		out = append(out, e)
	}
	rels := make([]llm.Relation, 0, len(relations))
	for _, r := range relations {
		r.Source = norm(r.Source)
		r.Target = norm(r.Target)
		rels = append(rels, r)
	}
	return out, rels
}

// writeGraph persists entities and relations under the document's graph node.
func (c *Coordinator) writeGraph(ctx context.Context, graphID string, entities []llm.Entity, relations []llm.Relation) error {
	for _, e := range entities {
		if _, err := c.graph.Write(ctx, cypherMergeEntity, map[string]interface{}{
			"doc_id": graphID,
			"name":   e.Name,
			"type":   e.Type,
		}); err != nil {
			return fmt.Errorf("failed to merge entity %q: %w", e.Name, err)
		}
	}
	for _, r := range relations {
		if _, err := c.graph.Write(ctx, cypherMergeRelation, map[string]interface{}{
			"doc_id":      graphID,
			"source":      r.Source,
			"target":      r.Target,
			"type":        r.Type,
			"description": r.Description,
		}); err != nil {
			return fmt.Errorf("failed to merge relation %q-%q: %w", r.Source, r.Target, err)
		}
	}
	return nil
}

// indexChunks embeds accepted chunks and upserts them into the vector store
// for retrieval. Indexing loss is logged, not fatal: the graph is the system
// of record.
func (c *Coordinator) indexChunks(ctx context.Context, run *documentRun) error {
	for _, chunk := range run.chunks {
		vector, err := c.embedder.Embed(ctx, chunk.Text)
		if err != nil {
			logger.CtxWarn(ctx, "Chunk %d embedding failed, skipping index: %v", chunk.Index, err)
			continue
		}
		pointID := chunkPointID(run.graphID, chunk.Index)
		payload := &repository.ChunkPayload{
			DocumentID: run.doc.ID,
			ChunkIndex: chunk.Index,
			Section:    chunk.Section,
			Text:       chunk.Text,
		}
		if err := c.vectors.UpsertChunk(ctx, pointID, vector, payload); err != nil {
			logger.CtxWarn(ctx, "Chunk %d index upsert failed: %v", chunk.Index, err)
		}
	}
	return nil
}
