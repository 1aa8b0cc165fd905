package memory

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"switchboard/internal/store/sqlite"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	db, err := sqlite.Open(":memory:", "memory-test")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store, err := sqlite.NewEntityStore(db)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewResolver(store, nil, logger)
}

func TestResolveExactNameBeatsPrefix(t *testing.T) {
	r := newTestResolver(t)
	ctx := context.Background()

	_, err := r.Create(ctx, "t1", "Mom", "person", nil)
	require.NoError(t, err)
	_, err = r.Create(ctx, "t1", "Mombasa Travel Agency", "organization", nil)
	require.NoError(t, err)

	results, err := r.Resolve(ctx, "t1", "mom", "", nil, false)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "exact", results[0].NameMatch)
	require.Equal(t, "Mom", results[0].CanonicalName)
	require.Equal(t, "prefix", results[1].NameMatch)
	require.Greater(t, results[0].Score, results[1].Score)
}

func TestResolveAliasMatch(t *testing.T) {
	r := newTestResolver(t)
	ctx := context.Background()

	mom, err := r.Create(ctx, "t1", "Jane Doe", "person", []string{"mom"})
	require.NoError(t, err)

	results, err := r.Resolve(ctx, "t1", "Mom", "", nil, false)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, mom.ID, results[0].EntityID)
	require.Equal(t, "alias", results[0].NameMatch)
}

func TestResolveFiltersByEntityKind(t *testing.T) {
	r := newTestResolver(t)
	ctx := context.Background()

	_, err := r.Create(ctx, "t1", "Acme", "organization", nil)
	require.NoError(t, err)
	_, err = r.Create(ctx, "t1", "Acme", "person", nil)
	require.NoError(t, err)

	results, err := r.Resolve(ctx, "t1", "acme", "organization", nil, false)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "organization", results[0].Kind)
}

func TestResolveFuzzyRequiresFlagAndThreshold(t *testing.T) {
	r := newTestResolver(t)
	ctx := context.Background()

	_, err := r.Create(ctx, "t1", "Jonathan", "person", nil)
	require.NoError(t, err)

	withoutFuzzy, err := r.Resolve(ctx, "t1", "Jonathon", "", nil, false)
	require.NoError(t, err)
	require.Empty(t, withoutFuzzy)

	withFuzzy, err := r.Resolve(ctx, "t1", "Jonathon", "", nil, true)
	require.NoError(t, err)
	require.Len(t, withFuzzy, 1)
	require.Equal(t, "fuzzy", withFuzzy[0].NameMatch)
}

func TestResolveRespectsTenantScope(t *testing.T) {
	r := newTestResolver(t)
	ctx := context.Background()

	_, err := r.Create(ctx, "tenant-a", "Shared Name", "person", nil)
	require.NoError(t, err)

	results, err := r.Resolve(ctx, "tenant-b", "shared name", "", nil, false)
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestResolveGraphNeighborhoodBoostPrefersTopicalMatch(t *testing.T) {
	r := newTestResolver(t)
	ctx := context.Background()

	dentist, err := r.Create(ctx, "t1", "Dr. Smith", "person", nil)
	require.NoError(t, err)
	require.NoError(t, r.AddFact(ctx, dentist.ID, "specialty", "dental checkup", 1.0))

	accountant, err := r.Create(ctx, "t1", "Dr. Smithson", "person", nil)
	require.NoError(t, err)
	require.NoError(t, r.AddFact(ctx, accountant.ID, "specialty", "tax accounting", 1.0))

	results, err := r.Resolve(ctx, "t1", "smith", "", &Hints{Topic: "dental checkup"}, false)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, dentist.ID, results[0].EntityID, "topical overlap should outrank the non-matching entity")
}

func TestResolveDomainScoresAddDirectly(t *testing.T) {
	r := newTestResolver(t)
	ctx := context.Background()

	a, err := r.Create(ctx, "t1", "Riverside Cafe", "place", nil)
	require.NoError(t, err)
	b, err := r.Create(ctx, "t1", "Riverside Clinic", "place", nil)
	require.NoError(t, err)

	results, err := r.Resolve(ctx, "t1", "riverside", "", &Hints{
		DomainScores: map[string]float64{b.ID: 25},
	}, false)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, b.ID, results[0].EntityID)
	_ = a
}

func TestMergeRepointsFactsAppendsAliasesAndTombstones(t *testing.T) {
	r := newTestResolver(t)
	ctx := context.Background()

	source, err := r.Create(ctx, "t1", "J. Doe", "person", []string{"jd"})
	require.NoError(t, err)
	target, err := r.Create(ctx, "t1", "Jane Doe", "person", nil)
	require.NoError(t, err)
	require.NoError(t, r.AddFact(ctx, source.ID, "birthday", "1990-01-01", 1.0))

	updated, err := r.Merge(ctx, source.ID, target.ID)
	require.NoError(t, err)
	require.NotNil(t, updated)
	require.Equal(t, target.ID, updated.ID)

	facts, err := r.store.Facts(ctx, target.ID)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	require.Equal(t, "birthday", facts[0].Key)

	aliases, err := r.store.Aliases(ctx, target.ID)
	require.NoError(t, err)
	require.Contains(t, aliases, "jd")
	require.Contains(t, aliases, "J. Doe")

	sourceRow, err := r.store.Get(ctx, source.ID)
	require.NoError(t, err)
	require.True(t, sourceRow.Tombstoned)

	results, err := r.Resolve(ctx, "t1", "j. doe", "", nil, false)
	require.NoError(t, err)
	for _, c := range results {
		require.NotEqual(t, source.ID, c.EntityID, "tombstoned source must not resolve")
	}
}

func TestMergeRejectsIdenticalIDs(t *testing.T) {
	r := newTestResolver(t)
	ctx := context.Background()

	entity, err := r.Create(ctx, "t1", "Solo", "person", nil)
	require.NoError(t, err)

	_, err = r.Merge(ctx, entity.ID, entity.ID)
	require.Error(t, err)
}

func TestMergeReturnsNilWhenTargetMissing(t *testing.T) {
	r := newTestResolver(t)
	ctx := context.Background()

	source, err := r.Create(ctx, "t1", "Orphan", "person", nil)
	require.NoError(t, err)

	updated, err := r.Merge(ctx, source.ID, "does-not-exist")
	require.NoError(t, err)
	require.Nil(t, updated)
}

func TestTrigramSimilarityIdenticalStringsIsOne(t *testing.T) {
	require.InDelta(t, 1.0, trigramSimilarity("hello", "hello"), 1e-9)
}

func TestTrigramSimilarityUnrelatedStringsIsLow(t *testing.T) {
	require.Less(t, trigramSimilarity("hello", "xyzxyz"), 0.3)
}
