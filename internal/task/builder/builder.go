// Package builder converts traversal output into persisted request task
// graphs, one per action type. Builds are idempotent: re-invoking for a
// (request, action type) that already has tasks returns the currently-ready
// subset instead of creating duplicates.
package builder

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"dsrd/internal/graph"
	"dsrd/internal/task"
	id "dsrd/pkg/domain"
)

// Builder persists task graphs for privacy requests.
type Builder struct {
	tasks  task.Store
	logger *slog.Logger
}

func New(tasks task.Store, logger *slog.Logger) *Builder {
	return &Builder{tasks: tasks, logger: logger}
}

// existing returns the already-persisted graph for (request, action) if one
// exists, honoring the idempotence rule.
func (b *Builder) existing(ctx context.Context, requestID id.RequestID, action id.ActionType) ([]*task.RequestTask, bool, error) {
	current, err := b.tasks.ListByRequestAndAction(ctx, requestID, action)
	if err != nil {
		return nil, false, fmt.Errorf("check existing %s tasks: %w", action, err)
	}
	if len(current) == 0 {
		return nil, false, nil
	}
	b.logger.Info("task graph already built, returning ready subset",
		"request_id", requestID.String(), "action_type", string(action), "tasks", len(current))
	return current, true, nil
}

// readySubset applies the graph readiness predicate to a persisted graph.
func readySubset(tasks []*task.RequestTask) []*task.RequestTask {
	byAddress := task.ByAddress(tasks)
	var ready []*task.RequestTask
	for _, t := range tasks {
		if !t.IsSentinel() && t.Ready(byAddress) {
			ready = append(ready, t)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].Address < ready[j].Address })
	return ready
}

// newNode creates one pending task row with its schema snapshot.
func newNode(requestID id.RequestID, action id.ActionType, addr graph.CollectionAddress,
	collection graph.Collection, details graph.NodeDetails) *task.RequestTask {
	return &task.RequestTask{
		ID:         id.NewTaskID(),
		RequestID:  requestID,
		ActionType: action,
		Address:    addr.String(),
		Status:     task.StatusPending,
		Collection: collection,
		Traversal:  details,
	}
}

// newRoot creates the synthetic entry task. ROOT is born complete and its
// access data is the seed identity, so entry collections gather their
// inputs the same way every other node does.
func newRoot(requestID id.RequestID, action id.ActionType, seed graph.SeedIdentity) *task.RequestTask {
	root := &task.RequestTask{
		ID:         id.NewTaskID(),
		RequestID:  requestID,
		ActionType: action,
		Address:    graph.ROOT.String(),
		Status:     task.StatusComplete,
		Traversal:  graph.NodeDetails{Address: graph.ROOT},
	}
	if len(seed) > 0 {
		row := make(map[string]any, len(seed))
		for k, v := range seed {
			row[k] = v
		}
		root.AccessData = []map[string]any{row}
	}
	return root
}

func newTerminator(requestID id.RequestID, action id.ActionType) *task.RequestTask {
	return &task.RequestTask{
		ID:         id.NewTaskID(),
		RequestID:  requestID,
		ActionType: action,
		Address:    graph.Terminator.String(),
		Status:     task.StatusPending,
		Traversal:  graph.NodeDetails{Address: graph.Terminator},
	}
}

// wireEdges fills DownstreamTasks from the upstream lists already set on the
// nodes, attaches dangling ends to the sentinels, and precomputes the
// descendant closure.
func wireEdges(root, terminator *task.RequestTask, nodes []*task.RequestTask) {
	byAddress := make(map[string]*task.RequestTask, len(nodes)+2)
	byAddress[root.Address] = root
	byAddress[terminator.Address] = terminator
	for _, n := range nodes {
		byAddress[n.Address] = n
	}

	for _, n := range nodes {
		if len(n.UpstreamTasks) == 0 {
			n.UpstreamTasks = []string{root.Address}
		}
		for _, up := range n.UpstreamTasks {
			upstream := byAddress[up]
			upstream.DownstreamTasks = appendUnique(upstream.DownstreamTasks, n.Address)
		}
	}
	for _, n := range nodes {
		if len(n.DownstreamTasks) == 0 {
			n.DownstreamTasks = []string{terminator.Address}
			terminator.UpstreamTasks = appendUnique(terminator.UpstreamTasks, n.Address)
		}
	}

	all := append([]*task.RequestTask{root, terminator}, nodes...)
	for _, n := range all {
		sort.Strings(n.UpstreamTasks)
		sort.Strings(n.DownstreamTasks)
	}
	descendants := make(map[string][]string, len(all))
	for _, n := range all {
		n.AllDescendantTasks = descendantClosure(n.Address, byAddress, descendants)
	}
}

// descendantClosure computes the transitive downstream closure with
// memoization. Graphs are acyclic by the time we persist them, so plain
// recursion terminates.
func descendantClosure(addr string, byAddress map[string]*task.RequestTask, memo map[string][]string) []string {
	if cached, ok := memo[addr]; ok {
		return cached
	}
	seen := make(map[string]bool)
	for _, down := range byAddress[addr].DownstreamTasks {
		seen[down] = true
		for _, d := range descendantClosure(down, byAddress, memo) {
			seen[d] = true
		}
	}
	out := make([]string, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Strings(out)
	memo[addr] = out
	return out
}

func appendUnique(list []string, value string) []string {
	for _, v := range list {
		if v == value {
			return list
		}
	}
	return append(list, value)
}
