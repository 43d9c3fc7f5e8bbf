package builder

import (
	"context"
	"errors"
	"fmt"

	"dsrd/internal/graph"
	"dsrd/internal/task"
	id "dsrd/pkg/domain"
	"dsrd/pkg/platform/sentinel"
)

// PersistErasureTasks creates the erasure task graph eagerly, at the same
// time as the access graph, in pending state. Edges come from the
// erase_after ordering map (see graph.EraseOrderEdges), not from data
// dependencies: a collection with no explicit ordering hangs directly
// between ROOT and TERMINATOR.
//
// The erasure graph is persisted but never dispatched until the access
// graph reaches a terminal state; that gate lives in the orchestrator.
func (b *Builder) PersistErasureTasks(ctx context.Context, requestID id.RequestID,
	g graph.DatasetGraph, trav *graph.Traversal,
	eraseUpstream map[graph.CollectionAddress][]graph.CollectionAddress) ([]*task.RequestTask, error) {

	if current, ok, err := b.existing(ctx, requestID, id.ActionErasure); err != nil {
		return nil, err
	} else if ok {
		return current, nil
	}

	root := newRoot(requestID, id.ActionErasure, nil)
	terminator := newTerminator(requestID, id.ActionErasure)

	members := make(map[graph.CollectionAddress]bool, len(trav.Order))
	for _, addr := range trav.Order {
		members[addr] = true
	}

	var nodes []*task.RequestTask
	for _, addr := range trav.Order {
		_, collection, ok := g.CollectionByAddress(addr)
		if !ok {
			return nil, fmt.Errorf("traversed collection %s missing from dataset graph", addr)
		}
		node := newNode(requestID, id.ActionErasure, addr, collection, trav.Nodes[addr])
		for _, after := range eraseUpstream[addr] {
			// erase_after may name collections outside this request's
			// reachable set; only real graph members become edges.
			if members[after] {
				node.UpstreamTasks = appendUnique(node.UpstreamTasks, after.String())
			}
		}
		nodes = append(nodes, node)
	}
	for _, addr := range trav.Skipped {
		_, collection, _ := g.CollectionByAddress(addr)
		node := newNode(requestID, id.ActionErasure, addr, collection, graph.NodeDetails{Address: addr})
		node.Status = task.StatusSkipped
		nodes = append(nodes, node)
	}

	wireEdges(root, terminator, nodes)

	all := append([]*task.RequestTask{root, terminator}, nodes...)
	if err := b.tasks.CreateBatch(ctx, all); err != nil {
		return nil, fmt.Errorf("persist erasure tasks: %w", err)
	}
	b.logger.Info("erasure task graph persisted",
		"request_id", requestID.String(), "tasks", len(all))
	return all, nil
}

// UpdateErasureTasksWithAccessData runs after the access graph completes:
// it copies each access task's output onto the matching erasure task as
// data_for_erasures, replacing values no erasure rule targets with the
// DoNotMask placeholder so masking can tell "no data" from "leave alone".
func (b *Builder) UpdateErasureTasksWithAccessData(ctx context.Context, requestID id.RequestID, targetCategories []string) error {
	erasureTasks, err := b.tasks.ListByRequestAndAction(ctx, requestID, id.ActionErasure)
	if err != nil {
		return fmt.Errorf("list erasure tasks: %w", err)
	}

	for _, et := range erasureTasks {
		if et.IsSentinel() || et.Status == task.StatusSkipped {
			continue
		}
		accessTask, err := b.tasks.FindByAddress(ctx, requestID, id.ActionAccess, et.Address)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				// Consent-only connectors have erasure nodes without an
				// access twin; nothing to copy.
				continue
			}
			return fmt.Errorf("find access task for %s: %w", et.Address, err)
		}
		et.DataForErasures = FilterForErasure(accessTask.AccessData, et.Collection, targetCategories)
		if err := b.tasks.Update(ctx, et); err != nil {
			return fmt.Errorf("store data_for_erasures on %s: %w", et.Address, err)
		}
	}
	b.logger.Info("erasure tasks primed with access data", "request_id", requestID.String())
	return nil
}

// FilterForErasure produces the erasure copy of access output. Values whose
// field carries a targeted data category are kept for masking; everything
// else is replaced with the DoNotMask placeholder. Array values keep their
// length and positions so the connector can mask element-wise.
func FilterForErasure(rows []map[string]any, collection graph.Collection, targetCategories []string) []map[string]any {
	targeted := make(map[string]bool, len(collection.Fields))
	for _, f := range collection.Fields {
		for _, cat := range f.DataCategories {
			if containsString(targetCategories, cat) {
				targeted[f.Name] = true
				break
			}
		}
	}

	out := make([]map[string]any, len(rows))
	for i, row := range rows {
		filtered := make(map[string]any, len(row))
		for field, value := range row {
			if targeted[field] {
				filtered[field] = value
				continue
			}
			if arr, ok := value.([]any); ok {
				placeholders := make([]any, len(arr))
				for j := range placeholders {
					placeholders[j] = task.DoNotMask
				}
				filtered[field] = placeholders
				continue
			}
			filtered[field] = task.DoNotMask
		}
		out[i] = filtered
	}
	return out
}

func containsString(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
