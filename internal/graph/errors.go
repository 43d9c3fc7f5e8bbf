package graph

import (
	"fmt"
	"sort"
	"strings"
)

// TraversalErrorKind distinguishes graph-integrity failures. Data-dependency
// cycles and erase-order cycles come from different annotations and are
// surfaced separately so operators know which configuration to fix.
type TraversalErrorKind string

const (
	ErrKindUnreachable     TraversalErrorKind = "unreachable"
	ErrKindDependencyCycle TraversalErrorKind = "dependency_cycle"
	ErrKindEraseOrderCycle TraversalErrorKind = "erase_order_cycle"
)

// TraversalError reports a configuration problem that makes the dataset
// graph unexecutable. It is fatal to the whole request: no task rows are
// persisted when traversal fails.
type TraversalError struct {
	Kind      TraversalErrorKind
	Addresses []CollectionAddress
}

func (e *TraversalError) Error() string {
	addrs := make([]string, len(e.Addresses))
	for i, a := range e.Addresses {
		addrs[i] = a.String()
	}
	sort.Strings(addrs)
	switch e.Kind {
	case ErrKindUnreachable:
		return fmt.Sprintf("traversal error: unreachable collections: %s", strings.Join(addrs, ", "))
	case ErrKindDependencyCycle:
		return fmt.Sprintf("traversal error: data dependency cycle through: %s", strings.Join(addrs, ", "))
	case ErrKindEraseOrderCycle:
		return fmt.Sprintf("traversal error: erase_after ordering cycle through: %s", strings.Join(addrs, ", "))
	default:
		return fmt.Sprintf("traversal error: %s", strings.Join(addrs, ", "))
	}
}
