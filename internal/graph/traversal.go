package graph

import (
	"errors"
	"fmt"
	"sort"
)

// SeedIdentity is the set of identity values supplied with the request,
// keyed by identity name (e.g. "email", "phone_number").
type SeedIdentity map[string]any

// Edge is one directed data dependency: From.FromField produces the value
// consumed by To.ToField. ROOT edges carry the seed identity key instead of
// a producing field.
type Edge struct {
	From        CollectionAddress
	FromField   string
	To          CollectionAddress
	ToField     string
	IdentityKey string
}

// NodeDetails is everything a task needs to execute its collection without
// re-consulting the dataset graph. It is serialized onto the task row at
// graph-build time.
type NodeDetails struct {
	Address       CollectionAddress
	ConnectionKey string
	// InputKeys names the values the collection's query consumes: seed
	// identity keys and upstream field addresses.
	InputKeys []string
	Incoming  []Edge
	Outgoing  []Edge
}

// Traversal is the pure output of Traverse: which collections run, in what
// order, and with what per-node execution metadata.
type Traversal struct {
	// Order is a topological order over reachable collections.
	Order []CollectionAddress
	// EndNodes have no downstream data consumers.
	EndNodes []CollectionAddress
	// Nodes holds execution metadata per reachable collection.
	Nodes map[CollectionAddress]NodeDetails
	// Skipped lists collections excluded because their connector is disabled.
	Skipped []CollectionAddress
}

// Traverse computes reachability and dependency order for the dataset graph
// given the request's seed identity. It is a pure function: it fails with a
// *TraversalError listing every unreachable collection, or a dependency
// cycle, and performs no persistence.
func Traverse(g DatasetGraph, seed SeedIdentity) (*Traversal, error) {
	edges, skipped, err := dataEdges(g, seed)
	if err != nil {
		return nil, err
	}

	skipSet := make(map[CollectionAddress]bool, len(skipped))
	for _, a := range skipped {
		skipSet[a] = true
	}

	incoming := make(map[CollectionAddress][]Edge)
	outgoing := make(map[CollectionAddress][]Edge)
	for _, e := range edges {
		incoming[e.To] = append(incoming[e.To], e)
		if e.From != ROOT {
			outgoing[e.From] = append(outgoing[e.From], e)
		}
	}

	// Reachability: breadth-first from ROOT across data edges.
	reached := map[CollectionAddress]bool{ROOT: true}
	frontier := []CollectionAddress{ROOT}
	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		for _, e := range edgesFrom(next, edges) {
			if !reached[e.To] {
				reached[e.To] = true
				frontier = append(frontier, e.To)
			}
		}
	}

	var unreachable []CollectionAddress
	for _, addr := range g.Addresses() {
		if !reached[addr] && !skipSet[addr] {
			unreachable = append(unreachable, addr)
		}
	}
	if len(unreachable) > 0 {
		return nil, &TraversalError{Kind: ErrKindUnreachable, Addresses: unreachable}
	}

	order, err := topoSort(reachableSet(reached), incoming)
	if err != nil {
		return nil, err
	}

	t := &Traversal{
		Order:   order,
		Nodes:   make(map[CollectionAddress]NodeDetails, len(order)),
		Skipped: skipped,
	}
	for _, addr := range order {
		ds, _, ok := g.CollectionByAddress(addr)
		if !ok {
			return nil, fmt.Errorf("collection %s vanished during traversal", addr)
		}
		details := NodeDetails{
			Address:       addr,
			ConnectionKey: ds.ConnectionKey,
			Incoming:      incoming[addr],
			Outgoing:      outgoing[addr],
		}
		for _, e := range incoming[addr] {
			if e.IdentityKey != "" {
				details.InputKeys = append(details.InputKeys, e.IdentityKey)
			} else {
				details.InputKeys = append(details.InputKeys, e.From.String()+"."+e.FromField)
			}
		}
		t.Nodes[addr] = details
		if len(outgoing[addr]) == 0 {
			t.EndNodes = append(t.EndNodes, addr)
		}
	}
	return t, nil
}

// EraseOrderEdges derives erasure upstream sets from erase_after annotations
// and rejects ordering cycles. This is a distinct validation pass from the
// data-dependency cycle check in Traverse because the two kinds of cycle
// come from different configuration.
func EraseOrderEdges(g DatasetGraph) (map[CollectionAddress][]CollectionAddress, error) {
	known := make(map[CollectionAddress]bool)
	for _, addr := range g.Addresses() {
		known[addr] = true
	}

	upstream := make(map[CollectionAddress][]CollectionAddress)
	incoming := make(map[CollectionAddress][]Edge)
	for _, ds := range g.Datasets {
		for _, c := range ds.Collections {
			addr := ds.Address(c)
			for _, after := range c.EraseAfter {
				if !known[after] {
					return nil, fmt.Errorf("erase_after on %s references unknown collection %s", addr, after)
				}
				upstream[addr] = append(upstream[addr], after)
				incoming[addr] = append(incoming[addr], Edge{From: after, To: addr})
			}
		}
	}

	nodes := make(map[CollectionAddress]bool, len(known))
	for addr := range known {
		nodes[addr] = true
	}
	if _, err := topoSort(setToSlice(nodes), incoming); err != nil {
		var terr *TraversalError
		if errors.As(err, &terr) {
			return nil, &TraversalError{Kind: ErrKindEraseOrderCycle, Addresses: terr.Addresses}
		}
		return nil, err
	}
	return upstream, nil
}

func dataEdges(g DatasetGraph, seed SeedIdentity) ([]Edge, []CollectionAddress, error) {
	known := make(map[CollectionAddress]bool)
	for _, addr := range g.Addresses() {
		known[addr] = true
	}

	var edges []Edge
	var skipped []CollectionAddress
	for _, ds := range g.Datasets {
		for _, c := range ds.Collections {
			addr := ds.Address(c)
			if c.Skip {
				skipped = append(skipped, addr)
				continue
			}
			for _, f := range c.Fields {
				if f.Identity != "" {
					if _, ok := seed[f.Identity]; ok {
						edges = append(edges, Edge{From: ROOT, To: addr, ToField: f.Name, IdentityKey: f.Identity})
					}
				}
				for _, ref := range f.References {
					if !known[ref.To] {
						return nil, nil, fmt.Errorf("field %s.%s references unknown collection %s", addr, f.Name, ref.To)
					}
					switch ref.Direction {
					case DirectionFrom:
						edges = append(edges, Edge{From: ref.To, FromField: ref.FieldName, To: addr, ToField: f.Name})
					case DirectionTo:
						edges = append(edges, Edge{From: addr, FromField: f.Name, To: ref.To, ToField: ref.FieldName})
					default:
						return nil, nil, fmt.Errorf("field %s.%s has reference with unknown direction %q", addr, f.Name, ref.Direction)
					}
				}
			}
		}
	}
	return edges, skipped, nil
}

func edgesFrom(from CollectionAddress, edges []Edge) []Edge {
	var out []Edge
	for _, e := range edges {
		if e.From == from {
			out = append(out, e)
		}
	}
	return out
}

func reachableSet(reached map[CollectionAddress]bool) []CollectionAddress {
	var out []CollectionAddress
	for addr := range reached {
		if addr != ROOT {
			out = append(out, addr)
		}
	}
	return out
}

// topoSort runs Kahn's algorithm over the given nodes, counting only edges
// between members of the node set. Leftover nodes mean a cycle.
func topoSort(nodes []CollectionAddress, incoming map[CollectionAddress][]Edge) ([]CollectionAddress, error) {
	member := make(map[CollectionAddress]bool, len(nodes))
	for _, n := range nodes {
		member[n] = true
	}

	degree := make(map[CollectionAddress]int, len(nodes))
	dependents := make(map[CollectionAddress][]CollectionAddress)
	for _, n := range nodes {
		for _, e := range incoming[n] {
			if member[e.From] {
				degree[n]++
				dependents[e.From] = append(dependents[e.From], n)
			}
		}
	}

	var ready []CollectionAddress
	for _, n := range nodes {
		if degree[n] == 0 {
			ready = append(ready, n)
		}
	}
	// Deterministic order keeps graph builds and tests stable.
	sortAddresses(ready)

	var order []CollectionAddress
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)
		var unlocked []CollectionAddress
		for _, d := range dependents[n] {
			degree[d]--
			if degree[d] == 0 {
				unlocked = append(unlocked, d)
			}
		}
		sortAddresses(unlocked)
		ready = append(ready, unlocked...)
	}

	if len(order) != len(nodes) {
		var cyclic []CollectionAddress
		for _, n := range nodes {
			if degree[n] > 0 {
				cyclic = append(cyclic, n)
			}
		}
		return nil, &TraversalError{Kind: ErrKindDependencyCycle, Addresses: cyclic}
	}
	return order, nil
}

func sortAddresses(addrs []CollectionAddress) {
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].String() < addrs[j].String() })
}

func setToSlice(set map[CollectionAddress]bool) []CollectionAddress {
	out := make([]CollectionAddress, 0, len(set))
	for addr := range set {
		out = append(out, addr)
	}
	return out
}
