// Package graph holds the dataset dependency model and the traversal that
// turns it into an executable order for one subject request.
package graph

import (
	"fmt"
	"strings"
)

// CollectionAddress identifies one queryable unit of data as dataset:collection.
// It is the DAG node key everywhere in the engine; edges are stored as lists
// of address strings, never as object references.
type CollectionAddress struct {
	Dataset    string
	Collection string
}

// Sentinel addresses bracket every task graph. ROOT is the synthetic entry
// point seeded with the subject's identity; Terminator closes the graph so
// completion is a single upstream check.
var (
	ROOT       = CollectionAddress{Dataset: "__ROOT__", Collection: "__ROOT__"}
	Terminator = CollectionAddress{Dataset: "__TERMINATE__", Collection: "__TERMINATE__"}
)

// String renders the canonical dataset:collection form.
func (a CollectionAddress) String() string {
	return a.Dataset + ":" + a.Collection
}

// IsSentinel reports whether the address is ROOT or Terminator.
func (a CollectionAddress) IsSentinel() bool {
	return a == ROOT || a == Terminator
}

// MarshalText renders the address for JSON-encoded configuration and wire
// payloads.
func (a CollectionAddress) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText parses the dataset:collection form.
func (a *CollectionAddress) UnmarshalText(text []byte) error {
	parsed, err := ParseCollectionAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseCollectionAddress parses the dataset:collection form.
func ParseCollectionAddress(raw string) (CollectionAddress, error) {
	parts := strings.SplitN(raw, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return CollectionAddress{}, fmt.Errorf("malformed collection address %q", raw)
	}
	return CollectionAddress{Dataset: parts[0], Collection: parts[1]}, nil
}
