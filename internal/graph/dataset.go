package graph

// DatasetGraph is the declarative configuration the engine consumes: every
// dataset the organization has annotated, flattened into one lookup. The
// configuration DSL that produces it lives outside this module.
type DatasetGraph struct {
	Datasets []Dataset `json:"datasets"`
}

// Dataset groups collections reachable through one connector instance.
type Dataset struct {
	Name string `json:"name"`
	// ConnectionKey names the connector instance that serves this dataset.
	ConnectionKey string       `json:"connection_key"`
	Collections   []Collection `json:"collections"`
}

// Collection is one queryable unit of data (a table, an endpoint).
type Collection struct {
	Name   string  `json:"name"`
	Fields []Field `json:"fields"`
	// EraseAfter lists collections whose erasure must finish before this
	// one is masked. Independent of data dependencies.
	EraseAfter []CollectionAddress `json:"erase_after,omitempty"`
	// Skip marks a collection whose connector is disabled; its tasks are
	// persisted as skipped and treated as satisfied upstreams.
	Skip bool `json:"skip,omitempty"`
}

// ReferenceDirection states which side of a reference produces the data.
type ReferenceDirection string

const (
	// DirectionFrom means the referenced field feeds this one: the owning
	// collection depends on the referenced collection.
	DirectionFrom ReferenceDirection = "from"
	// DirectionTo means this field feeds the referenced one.
	DirectionTo ReferenceDirection = "to"
)

// Field describes one column/attribute of a collection.
type Field struct {
	Name string `json:"name"`
	// Identity, when set, names the seed identity key (e.g. "email") this
	// field can be queried by directly.
	Identity string `json:"identity,omitempty"`
	// References link this field to fields in other collections, creating
	// data-dependency edges.
	References []Reference `json:"references,omitempty"`
	// DataCategories label the field for policy rule targeting.
	DataCategories []string `json:"data_categories,omitempty"`
}

// Reference points a field at a field in another collection.
type Reference struct {
	To        CollectionAddress  `json:"to"`
	FieldName string             `json:"field"`
	Direction ReferenceDirection `json:"direction"`
}

// Address returns the collection's address within the given dataset.
func (d Dataset) Address(c Collection) CollectionAddress {
	return CollectionAddress{Dataset: d.Name, Collection: c.Name}
}

// CollectionByAddress finds a collection in the graph, with its owning dataset.
func (g DatasetGraph) CollectionByAddress(addr CollectionAddress) (Dataset, Collection, bool) {
	for _, ds := range g.Datasets {
		if ds.Name != addr.Dataset {
			continue
		}
		for _, c := range ds.Collections {
			if c.Name == addr.Collection {
				return ds, c, true
			}
		}
	}
	return Dataset{}, Collection{}, false
}

// Addresses lists every collection address in the graph.
func (g DatasetGraph) Addresses() []CollectionAddress {
	var out []CollectionAddress
	for _, ds := range g.Datasets {
		for _, c := range ds.Collections {
			out = append(out, ds.Address(c))
		}
	}
	return out
}
