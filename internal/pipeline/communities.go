package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lukewei/docgraph/internal/domain"
	"github.com/lukewei/docgraph/internal/logger"
)

const (
	cypherEntityDegrees = `
MATCH (e:Entity {doc_id: $doc_id})
OPTIONAL MATCH (e)-[r:RELATES]-(:Entity {doc_id: $doc_id})
RETURN e.name AS name, count(r) AS degree
ORDER BY degree DESC`

	cypherNeighbors = `
MATCH (e:Entity {name: $name, doc_id: $doc_id})-[:RELATES]-(n:Entity {doc_id: $doc_id})
RETURN DISTINCT n.name AS name`

	cypherMergeCommunity = `
MATCH (d:Document {id: $doc_id})
MERGE (c:Community {id: $id, doc_id: $doc_id})
SET c.label = $label, c.size = $size
MERGE (d)-[:HAS_COMMUNITY]->(c)`

	cypherAttachMember = `
MATCH (c:Community {id: $community_id, doc_id: $doc_id})
MATCH (e:Entity {name: $name, doc_id: $doc_id})
MERGE (e)-[:MEMBER_OF]->(c)`

	cypherDropCommunities = `
MATCH (c:Community {doc_id: $doc_id})
DETACH DELETE c`
)

// buildCommunities groups a document's entities into communities by simple
// label propagation from the highest-degree entities, then persists the
// grouping. It honors ctx throughout so the community wall clock caps it.
func (c *Coordinator) buildCommunities(ctx context.Context, graphID string) error {
	start := time.Now()

	records, err := c.graph.Read(ctx, cypherEntityDegrees, map[string]interface{}{"doc_id": graphID})
	if err != nil {
		return fmt.Errorf("failed to read entity degrees: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	// Rebuild from scratch: communities are derived state.
	if _, err := c.graph.Write(ctx, cypherDropCommunities, map[string]interface{}{"doc_id": graphID}); err != nil {
		return fmt.Errorf("failed to drop stale communities: %w", err)
	}

	assigned := make(map[string]string)
	communities := make(map[string][]string)

	for _, rec := range records {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		name, _ := rec["name"].(string)
		if name == "" || assigned[name] != "" {
			continue
		}

		communityID := uuid.New().String()
		assigned[name] = communityID
		members := []string{name}

		neighbors, err := c.graph.Read(ctx, cypherNeighbors, map[string]interface{}{
			"doc_id": graphID,
			"name":   name,
		})
		if err != nil {
			return fmt.Errorf("failed to read neighbors of %q: %w", name, err)
		}
		for _, n := range neighbors {
			nName, _ := n["name"].(string)
			if nName == "" || assigned[nName] != "" {
				continue
			}
			assigned[nName] = communityID
			members = append(members, nName)
		}
		communities[communityID] = members
	}

	for id, members := range communities {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := c.graph.Write(ctx, cypherMergeCommunity, map[string]interface{}{
			"doc_id": graphID,
			"id":     id,
			"label":  members[0],
			"size":   len(members),
		}); err != nil {
			return fmt.Errorf("failed to merge community: %w", err)
		}
		for _, name := range members {
			if _, err := c.graph.Write(ctx, cypherAttachMember, map[string]interface{}{
				"doc_id":       graphID,
				"community_id": id,
				"name":         name,
			}); err != nil {
				return fmt.Errorf("failed to attach member %q: %w", name, err)
			}
		}
	}

	logger.CtxInfo(ctx, "Built %d communities over %d entities in %s",
		len(communities), len(assigned), time.Since(start).Round(time.Millisecond))
	return nil
}

// buildCommunitiesTask handles a standalone community-building task. Unlike
// the in-pipeline stage, failures here fail the task (but never the document:
// communities remain derived, optional state).
func (c *Coordinator) buildCommunitiesTask(ctx context.Context, task *domain.TaskRecord) error {
	doc, err := c.docs.GetByID(ctx, task.DocumentID)
	if err != nil {
		c.failTask(ctx, task, err, false)
		return err
	}
	if doc.GraphDocumentID == "" {
		err := fmt.Errorf("document %d has no graph yet: %w", doc.ID, domain.ErrInvalidState)
		c.failTask(ctx, task, err, false)
		return err
	}

	communityCtx, cancel := context.WithTimeout(ctx, c.communityTimeout)
	defer cancel()

	if err := c.tasks.UpdateProgress(ctx, task.ID, 10, "communities", 0, 1); err != nil {
		logger.CtxWarn(ctx, "Failed to update task progress: %v", err)
	}
	if err := c.buildCommunities(communityCtx, doc.GraphDocumentID); err != nil {
		c.failTask(ctx, task, err, false)
		return err
	}
	return c.tasks.Complete(ctx, task.ID, domain.JSONMap{
		"graph_document_id": doc.GraphDocumentID,
	})
}
