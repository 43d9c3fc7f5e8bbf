package builder

import (
	"context"
	"fmt"
	"sort"

	"dsrd/internal/graph"
	"dsrd/internal/task"
	id "dsrd/pkg/domain"
)

// PersistAccessTasks creates the access task graph for a request: one task
// per reachable collection with edges equal to the data-dependency edges
// the traversal discovered, bracketed by ROOT and TERMINATOR. Returns the
// tasks that are immediately ready to dispatch.
func (b *Builder) PersistAccessTasks(ctx context.Context, requestID id.RequestID,
	g graph.DatasetGraph, trav *graph.Traversal, seed graph.SeedIdentity) ([]*task.RequestTask, error) {

	if current, ok, err := b.existing(ctx, requestID, id.ActionAccess); err != nil {
		return nil, err
	} else if ok {
		return readySubset(current), nil
	}

	root := newRoot(requestID, id.ActionAccess, seed)
	terminator := newTerminator(requestID, id.ActionAccess)

	var nodes []*task.RequestTask
	for _, addr := range trav.Order {
		_, collection, ok := g.CollectionByAddress(addr)
		if !ok {
			return nil, fmt.Errorf("traversed collection %s missing from dataset graph", addr)
		}
		details := trav.Nodes[addr]
		node := newNode(requestID, id.ActionAccess, addr, collection, details)
		for _, e := range details.Incoming {
			node.UpstreamTasks = appendUnique(node.UpstreamTasks, e.From.String())
		}
		for _, e := range details.Outgoing {
			node.DownstreamTasks = appendUnique(node.DownstreamTasks, e.To.String())
		}
		nodes = append(nodes, node)
	}

	// Disabled collections are persisted as skipped so downstream graphs
	// (and auditors) see them; they satisfy upstream checks immediately.
	for _, addr := range trav.Skipped {
		_, collection, _ := g.CollectionByAddress(addr)
		node := newNode(requestID, id.ActionAccess, addr, collection, graph.NodeDetails{Address: addr})
		node.Status = task.StatusSkipped
		nodes = append(nodes, node)
	}

	wireEdges(root, terminator, nodes)

	all := append([]*task.RequestTask{root, terminator}, nodes...)
	if err := b.tasks.CreateBatch(ctx, all); err != nil {
		return nil, fmt.Errorf("persist access tasks: %w", err)
	}
	b.logger.Info("access task graph persisted",
		"request_id", requestID.String(), "tasks", len(all))
	return readySubset(all), nil
}

// PersistConsentTasks creates the consent graph: one task per target
// connector, all hanging directly between ROOT and TERMINATOR, because
// consent signals do not carry retrieved data between collections.
func (b *Builder) PersistConsentTasks(ctx context.Context, requestID id.RequestID,
	g graph.DatasetGraph, seed graph.SeedIdentity) ([]*task.RequestTask, error) {

	if current, ok, err := b.existing(ctx, requestID, id.ActionConsent); err != nil {
		return nil, err
	} else if ok {
		return readySubset(current), nil
	}

	root := newRoot(requestID, id.ActionConsent, seed)
	terminator := newTerminator(requestID, id.ActionConsent)

	seen := make(map[string]bool)
	var nodes []*task.RequestTask
	for _, ds := range g.Datasets {
		if ds.ConnectionKey == "" || seen[ds.ConnectionKey] {
			continue
		}
		seen[ds.ConnectionKey] = true
		addr := graph.CollectionAddress{Dataset: ds.ConnectionKey, Collection: ds.ConnectionKey}
		details := graph.NodeDetails{Address: addr, ConnectionKey: ds.ConnectionKey}
		for k := range seed {
			details.InputKeys = append(details.InputKeys, k)
		}
		sort.Strings(details.InputKeys)
		nodes = append(nodes, newNode(requestID, id.ActionConsent, addr, graph.Collection{}, details))
	}

	wireEdges(root, terminator, nodes)

	all := append([]*task.RequestTask{root, terminator}, nodes...)
	if err := b.tasks.CreateBatch(ctx, all); err != nil {
		return nil, fmt.Errorf("persist consent tasks: %w", err)
	}
	b.logger.Info("consent task graph persisted",
		"request_id", requestID.String(), "connectors", len(nodes))
	return readySubset(all), nil
}
