package graph

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadFile reads a dataset graph from a JSON configuration file.
func LoadFile(path string) (DatasetGraph, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return DatasetGraph{}, fmt.Errorf("read dataset file: %w", err)
	}
	var g DatasetGraph
	if err := json.Unmarshal(raw, &g); err != nil {
		return DatasetGraph{}, fmt.Errorf("decode dataset file %s: %w", path, err)
	}
	if len(g.Datasets) == 0 {
		return DatasetGraph{}, fmt.Errorf("dataset file %s declares no datasets", path)
	}
	return g, nil
}
