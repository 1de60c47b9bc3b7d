package pipeline

import (
	"fmt"
	"sync"

	"github.com/lukewei/docgraph/internal/config"
)

// Decision is the quality gate outcome. The ordering matters: a higher score
// must never produce a lower decision for the same stage and retry count.
type Decision int

const (
	DecisionFail Decision = iota
	DecisionRetry
	DecisionAccept
)

// String returns the decision name.
func (d Decision) String() string {
	switch d {
	case DecisionAccept:
		return "accept"
	case DecisionRetry:
		return "retry"
	default:
		return "fail"
	}
}

// Stage identifies a quality-bearing pipeline stage.
type Stage string

const (
	StageChunking   Stage = "chunking"
	StageExtraction Stage = "extraction"
	StageGraph      Stage = "graph"
	StageOverall    Stage = "overall"
)

// Gate evaluates stage output against the configured thresholds and decides
// whether to accept, retry (bounded), or fail into degraded-accept. Fail is
// deliberately not a pipeline abort: once the retry budget is spent the
// caller continues with the degraded output so document processing never
// blocks indefinitely on unattainable quality.
type Gate struct {
	thresholds map[Stage]float64
	maxRetries int
	sampleSize int

	mu      sync.Mutex
	retries map[string]int
}

// NewGate creates a quality gate from the immutable process configuration.
// Parameters:
//   - cfg: thresholds, sample size, and the shared retry budget.
// Returns:
//   - *Gate: initialized gate.
func NewGate(cfg *config.QualityConfig) *Gate {
	return &Gate{
		thresholds: map[Stage]float64{
			StageChunking:   cfg.ChunkingThreshold,
			StageExtraction: cfg.ExtractionThreshold,
			StageGraph:      cfg.GraphThreshold,
			StageOverall:    cfg.OverallThreshold,
		},
		maxRetries: cfg.MaxRetries,
		sampleSize: cfg.SampleSize,
		retries:    make(map[string]int),
	}
}

// Threshold returns the configured threshold for a stage.
func (g *Gate) Threshold(stage Stage) float64 {
	return g.thresholds[stage]
}

// SampleSize returns the number of episodes sampled for extraction evaluation.
func (g *Gate) SampleSize() int {
	return g.sampleSize
}

// Evaluate decides the fate of a stage's output for one document. Scores at
// or above the stage threshold are accepted. Below threshold, retries are
// granted until the shared budget for this (document, stage) pair is spent,
// after which the decision is Fail.
// Parameters:
//   - documentID: owning document.
//   - stage: quality-bearing stage.
//   - score: metric score 0-100.
// Returns:
//   - Decision: accept, retry, or fail.
func (g *Gate) Evaluate(documentID uint, stage Stage, score float64) Decision {
	if score >= g.thresholds[stage] {
		return DecisionAccept
	}

	key := retryKey(documentID, stage)
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.retries[key] < g.maxRetries {
		g.retries[key]++
		return DecisionRetry
	}
	return DecisionFail
}

// Retries returns the number of retries consumed for a (document, stage) pair.
func (g *Gate) Retries(documentID uint, stage Stage) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.retries[retryKey(documentID, stage)]
}

// Reset clears the retry counters for a document, called when its pipeline
// run reaches a terminal state.
// Parameters:
//   - documentID: document whose counters are dropped.
// Returns: none.
func (g *Gate) Reset(documentID uint) {
	prefix := fmt.Sprintf("%d/", documentID)
	g.mu.Lock()
	defer g.mu.Unlock()
	for key := range g.retries {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(g.retries, key)
		}
	}
}

// Composite folds the per-stage metrics into the overall score evaluated
// against the overall threshold.
// Parameters:
//   - chunking, extraction, graphScore: stage metric scores 0-100.
// Returns:
//   - float64: mean of the three stage scores.
func (g *Gate) Composite(chunking, extraction, graphScore float64) float64 {
	return (chunking + extraction + graphScore) / 3
}

func retryKey(documentID uint, stage Stage) string {
	return fmt.Sprintf("%d/%s", documentID, stage)
}
