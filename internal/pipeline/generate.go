package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/lukewei/docgraph/internal/domain"
	"github.com/lukewei/docgraph/internal/logger"
)

// Generator produces derived documents from exported graph content.
type Generator interface {
	GenerateTemplate(ctx context.Context, graphContext string) (string, error)
	GenerateRequirements(ctx context.Context, graphContext string) (string, error)
}

const cypherExportGraph = `
MATCH (s:Entity {doc_id: $doc_id})
OPTIONAL MATCH (s)-[r:RELATES]->(t:Entity {doc_id: $doc_id})
RETURN s.name AS source, s.type AS source_type, r.type AS relation, t.name AS target`

// generateFromGraph handles the template and requirement generation tasks:
// it exports the document's graph slice, drafts the derived document through
// the generator, and stores it as an artifact referenced from the task result.
func (c *Coordinator) generateFromGraph(ctx context.Context, task *domain.TaskRecord) error {
	doc, err := c.docs.GetByID(ctx, task.DocumentID)
	if err != nil {
		c.failTask(ctx, task, err, false)
		return err
	}
	if doc.Status != domain.DocumentStatusCompleted || doc.GraphDocumentID == "" {
		err := fmt.Errorf("document %d is not fully processed: %w", doc.ID, domain.ErrInvalidState)
		c.failTask(ctx, task, err, false)
		return err
	}

	if err := c.tasks.UpdateProgress(ctx, task.ID, 20, "export", 1, 3); err != nil {
		logger.CtxWarn(ctx, "Failed to update task progress: %v", err)
	}

	graphContext, err := c.exportGraphContext(ctx, doc.GraphDocumentID)
	if err != nil {
		c.failTask(ctx, task, err, false)
		return err
	}
	if graphContext == "" {
		err := fmt.Errorf("document %d has an empty graph: %w", doc.ID, domain.ErrInvalidState)
		c.failTask(ctx, task, err, false)
		return err
	}

	if err := c.tasks.UpdateProgress(ctx, task.ID, 50, "generate", 2, 3); err != nil {
		logger.CtxWarn(ctx, "Failed to update task progress: %v", err)
	}

	var content, kind string
	switch task.Type {
	case domain.TaskTypeGenerateTemplate:
		kind = "template"
		content, err = c.generator.GenerateTemplate(ctx, graphContext)
	default:
		kind = "requirements"
		content, err = c.generator.GenerateRequirements(ctx, graphContext)
	}
	if err != nil {
		c.failTask(ctx, task, err, false)
		return err
	}

	key := fmt.Sprintf("documents/%d/%s-%s.md", doc.ID, kind, task.ID)
	if err := c.uploadArtifact(ctx, key, []byte(content), "text/markdown"); err != nil {
		c.failTask(ctx, task, err, false)
		return err
	}

	return c.tasks.Complete(ctx, task.ID, domain.JSONMap{
		"artifact_key":      key,
		"graph_document_id": doc.GraphDocumentID,
	})
}

// exportGraphContext serializes the document's entities and relations into
// the plain-text form the generation prompts consume.
func (c *Coordinator) exportGraphContext(ctx context.Context, graphID string) (string, error) {
	records, err := c.graph.Read(ctx, cypherExportGraph, map[string]interface{}{"doc_id": graphID})
	if err != nil {
		return "", fmt.Errorf("failed to export graph: %w", err)
	}

	var b strings.Builder
	for _, rec := range records {
		source, _ := rec["source"].(string)
		sourceType, _ := rec["source_type"].(string)
		relation, _ := rec["relation"].(string)
		target, _ := rec["target"].(string)
		if source == "" {
			continue
		}
		if relation != "" && target != "" {
			fmt.Fprintf(&b, "- %s (%s) --%s--> %s\n", source, sourceType, relation, target)
		} else {
			fmt.Fprintf(&b, "- %s (%s)\n", source, sourceType)
		}
	}
	return strings.TrimSpace(b.String()), nil
}
