package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spindlework/graphloom/pkg/models"
)

func testStore() models.ProjectedStore {
	return models.ProjectedStore{
		Graphs: []models.Graph{
			{ID: "g1", Name: "Baking", Instances: map[string]models.Instance{
				"i1": {PrototypeID: "p1", X: 1, Y: 2},
			}},
			{ID: "g2", Name: "Chemistry"},
		},
		NodePrototypes: []models.NodePrototype{
			{ID: "p1", Name: "Breaking Bad"},
			{ID: "p2", Name: "Flour"},
		},
	}
}

func TestScoreTiers(t *testing.T) {
	tests := []struct {
		name  string
		q     string
		h     string
		fuzzy bool
		want  int
	}{
		{"exact", "flour", "Flour", false, 100},
		{"prefix", "break", "Breaking Bad", false, 95},
		{"substring", "aki", "Baking", false, 80},
		{"subsequence", "bkg", "Baking", false, 70},
		{"fuzzy distance", "break", "Baking", true, 10},
		{"fuzzy off no match", "break", "Baking", false, 0},
		{"empty query", "", "Baking", true, 0},
		{"disjoint fuzzy", "zzzzzz", "Baking", true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, scoreMatch(tt.q, tt.h, tt.fuzzy, false))
		})
	}
}

func TestScoreCaseSensitivity(t *testing.T) {
	assert.Equal(t, 100, scoreMatch("flour", "Flour", false, false))
	assert.NotEqual(t, 100, scoreMatch("flour", "Flour", false, true))
	assert.Equal(t, 100, scoreMatch("Flour", "Flour", false, true))
}

func TestSearchRanksPrototypeAboveFuzzyGraph(t *testing.T) {
	got, err := Search(testStore(), Query{Q: "break", Scope: ScopeAll, Fuzzy: true})
	require.NoError(t, err)
	require.NotEmpty(t, got)

	assert.Equal(t, "Breaking Bad", got[0].Name)
	assert.Equal(t, 95, got[0].Score)

	// The instance of p1 matches through its prototype name.
	var instance *Result
	var graph *Result
	for i := range got {
		switch got[i].Kind {
		case KindInstance:
			instance = &got[i]
		case KindGraph:
			graph = &got[i]
		}
	}
	require.NotNil(t, instance)
	assert.Equal(t, "i1", instance.ID)
	assert.Equal(t, "g1", instance.GraphID)
	assert.Equal(t, 95, instance.Score)

	require.NotNil(t, graph)
	assert.Equal(t, "Baking", graph.Name)
	assert.Equal(t, 10, graph.Score)
}

func TestSearchWithoutFuzzyDropsDistantNames(t *testing.T) {
	got, err := Search(testStore(), Query{Q: "break", Scope: ScopeGraphs, Fuzzy: false})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSearchScopes(t *testing.T) {
	got, err := Search(testStore(), Query{Q: "b", Scope: ScopeGraphs, Fuzzy: true})
	require.NoError(t, err)
	for _, r := range got {
		assert.Equal(t, KindGraph, r.Kind)
	}

	got, err = Search(testStore(), Query{Q: "b", Scope: ScopePrototypes, Fuzzy: true})
	require.NoError(t, err)
	for _, r := range got {
		assert.Equal(t, KindPrototype, r.Kind)
	}

	_, err = Search(testStore(), Query{Q: "b", Scope: "everything"})
	assert.ErrorContains(t, err, "unknown search scope")
}

func TestSearchRegexMode(t *testing.T) {
	got, err := Search(testStore(), Query{Q: "^Ba.*g$", Scope: ScopeGraphs, Regex: true})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Baking", got[0].Name)
	assert.Equal(t, 90, got[0].Score)

	_, err = Search(testStore(), Query{Q: "([", Regex: true})
	assert.ErrorContains(t, err, "invalid search regex")
}

func TestSearchLimitTruncates(t *testing.T) {
	store := models.ProjectedStore{}
	for i := 0; i < 60; i++ {
		store.Graphs = append(store.Graphs, models.Graph{
			ID:   models.NewID("g"),
			Name: "match",
		})
	}

	got, err := Search(store, Query{Q: "match", Scope: ScopeGraphs})
	require.NoError(t, err)
	assert.Len(t, got, DefaultLimit)

	got, err = Search(store, Query{Q: "match", Scope: ScopeGraphs, Limit: 7})
	require.NoError(t, err)
	assert.Len(t, got, 7)
}

func TestSearchStableWithinEqualScores(t *testing.T) {
	store := models.ProjectedStore{
		Graphs: []models.Graph{
			{ID: "g1", Name: "alpha one"},
			{ID: "g2", Name: "alpha two"},
		},
	}
	got, err := Search(store, Query{Q: "alpha", Scope: ScopeGraphs})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "g1", got[0].ID)
	assert.Equal(t, "g2", got[1].ID)
}

func TestLevenshtein(t *testing.T) {
	assert.Equal(t, 0, levenshtein("same", "same"))
	assert.Equal(t, 4, levenshtein("", "four"))
	assert.Equal(t, 1, levenshtein("cat", "cut"))
	assert.Equal(t, 5, levenshtein("break", "baking"))
}

func TestIsSubsequence(t *testing.T) {
	assert.True(t, isSubsequence("bkg", "baking"))
	assert.True(t, isSubsequence("baking", "baking"))
	assert.False(t, isSubsequence("gb", "baking"))
	assert.False(t, isSubsequence("bakingx", "baking"))
}
