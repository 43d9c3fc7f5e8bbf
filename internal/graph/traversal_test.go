package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// linearGraph builds customer -> orders -> payment_card, where customer is
// seeded by email and each downstream collection joins on the upstream id.
func linearGraph() DatasetGraph {
	return DatasetGraph{Datasets: []Dataset{{
		Name:          "shop",
		ConnectionKey: "shop_db",
		Collections: []Collection{
			{
				Name: "customer",
				Fields: []Field{
					{Name: "id"},
					{Name: "email", Identity: "email"},
				},
			},
			{
				Name: "orders",
				Fields: []Field{
					{Name: "id"},
					{Name: "customer_id", References: []Reference{{
						To:        CollectionAddress{Dataset: "shop", Collection: "customer"},
						FieldName: "id",
						Direction: DirectionFrom,
					}}},
				},
			},
			{
				Name: "payment_card",
				Fields: []Field{
					{Name: "order_id", References: []Reference{{
						To:        CollectionAddress{Dataset: "shop", Collection: "orders"},
						FieldName: "id",
						Direction: DirectionFrom,
					}}},
				},
			},
		},
	}}}
}

func TestTraverse_LinearDependencyOrder(t *testing.T) {
	trav, err := Traverse(linearGraph(), SeedIdentity{"email": "a@example.com"})
	require.NoError(t, err)

	want := []CollectionAddress{
		{Dataset: "shop", Collection: "customer"},
		{Dataset: "shop", Collection: "orders"},
		{Dataset: "shop", Collection: "payment_card"},
	}
	assert.Equal(t, want, trav.Order)
	assert.Equal(t, []CollectionAddress{{Dataset: "shop", Collection: "payment_card"}}, trav.EndNodes)

	orders := trav.Nodes[CollectionAddress{Dataset: "shop", Collection: "orders"}]
	assert.Equal(t, "shop_db", orders.ConnectionKey)
	assert.Equal(t, []string{"shop:customer.id"}, orders.InputKeys)

	customer := trav.Nodes[CollectionAddress{Dataset: "shop", Collection: "customer"}]
	assert.Equal(t, []string{"email"}, customer.InputKeys)
}

func TestTraverse_UnreachableCollectionsListed(t *testing.T) {
	g := linearGraph()
	// An island with no identity and no references is unreachable.
	g.Datasets[0].Collections = append(g.Datasets[0].Collections,
		Collection{Name: "island_a", Fields: []Field{{Name: "id"}}},
		Collection{Name: "island_b", Fields: []Field{{Name: "id"}}},
	)

	_, err := Traverse(g, SeedIdentity{"email": "a@example.com"})
	require.Error(t, err)

	var terr *TraversalError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, ErrKindUnreachable, terr.Kind)
	// Every unreachable collection appears, not just the first found.
	assert.ElementsMatch(t, []CollectionAddress{
		{Dataset: "shop", Collection: "island_a"},
		{Dataset: "shop", Collection: "island_b"},
	}, terr.Addresses)
}

func TestTraverse_NoSeedMakesEverythingUnreachable(t *testing.T) {
	_, err := Traverse(linearGraph(), SeedIdentity{"phone_number": "555"})
	require.Error(t, err)

	var terr *TraversalError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, ErrKindUnreachable, terr.Kind)
	assert.Len(t, terr.Addresses, 3)
}

func TestTraverse_DependencyCycleRejected(t *testing.T) {
	g := linearGraph()
	// customer also depends on payment_card, closing a loop.
	g.Datasets[0].Collections[0].Fields = append(g.Datasets[0].Collections[0].Fields,
		Field{Name: "card_ref", References: []Reference{{
			To:        CollectionAddress{Dataset: "shop", Collection: "payment_card"},
			FieldName: "order_id",
			Direction: DirectionFrom,
		}}},
	)

	_, err := Traverse(g, SeedIdentity{"email": "a@example.com"})
	require.Error(t, err)

	var terr *TraversalError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, ErrKindDependencyCycle, terr.Kind)
	assert.NotEmpty(t, terr.Addresses)
}

func TestTraverse_SkippedCollectionsExcluded(t *testing.T) {
	g := linearGraph()
	g.Datasets[0].Collections = append(g.Datasets[0].Collections,
		Collection{Name: "legacy", Skip: true, Fields: []Field{{Name: "id"}}},
	)

	trav, err := Traverse(g, SeedIdentity{"email": "a@example.com"})
	require.NoError(t, err)
	assert.Equal(t, []CollectionAddress{{Dataset: "shop", Collection: "legacy"}}, trav.Skipped)
	assert.Len(t, trav.Order, 3)
}

func TestTraverse_UnknownReferenceTarget(t *testing.T) {
	g := linearGraph()
	g.Datasets[0].Collections[1].Fields = append(g.Datasets[0].Collections[1].Fields,
		Field{Name: "ghost", References: []Reference{{
			To:        CollectionAddress{Dataset: "nowhere", Collection: "nothing"},
			FieldName: "id",
			Direction: DirectionFrom,
		}}},
	)

	_, err := Traverse(g, SeedIdentity{"email": "a@example.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown collection")
}

func TestEraseOrderEdges(t *testing.T) {
	t.Run("explicit ordering becomes upstream set", func(t *testing.T) {
		g := linearGraph()
		g.Datasets[0].Collections = append(g.Datasets[0].Collections,
			Collection{Name: "refunds", Fields: []Field{{Name: "order_id", References: []Reference{{
				To:        CollectionAddress{Dataset: "shop", Collection: "orders"},
				FieldName: "id",
				Direction: DirectionFrom,
			}}}}},
		)
		g.Datasets[0].Collections[1].EraseAfter = []CollectionAddress{
			{Dataset: "shop", Collection: "refunds"},
		}

		upstream, err := EraseOrderEdges(g)
		require.NoError(t, err)
		assert.Equal(t, []CollectionAddress{{Dataset: "shop", Collection: "refunds"}},
			upstream[CollectionAddress{Dataset: "shop", Collection: "orders"}])
	})

	t.Run("erase_after cycle rejected distinctly", func(t *testing.T) {
		g := linearGraph()
		g.Datasets[0].Collections[0].EraseAfter = []CollectionAddress{{Dataset: "shop", Collection: "orders"}}
		g.Datasets[0].Collections[1].EraseAfter = []CollectionAddress{{Dataset: "shop", Collection: "customer"}}

		_, err := EraseOrderEdges(g)
		require.Error(t, err)

		var terr *TraversalError
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, ErrKindEraseOrderCycle, terr.Kind)
	})

	t.Run("unknown erase_after target rejected", func(t *testing.T) {
		g := linearGraph()
		g.Datasets[0].Collections[0].EraseAfter = []CollectionAddress{{Dataset: "shop", Collection: "ghost"}}

		_, err := EraseOrderEdges(g)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown collection")
	})
}

func TestParseCollectionAddress(t *testing.T) {
	addr, err := ParseCollectionAddress("shop:orders")
	require.NoError(t, err)
	assert.Equal(t, CollectionAddress{Dataset: "shop", Collection: "orders"}, addr)

	_, err = ParseCollectionAddress("no-colon")
	assert.Error(t, err)

	_, err = ParseCollectionAddress(":orders")
	assert.Error(t, err)
}

func TestSentinelAddresses(t *testing.T) {
	assert.Equal(t, "__ROOT__:__ROOT__", ROOT.String())
	assert.Equal(t, "__TERMINATE__:__TERMINATE__", Terminator.String())
	assert.True(t, ROOT.IsSentinel())
	assert.True(t, Terminator.IsSentinel())
	assert.False(t, CollectionAddress{Dataset: "a", Collection: "b"}.IsSentinel())
}
