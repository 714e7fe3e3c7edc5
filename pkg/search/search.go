// Package search scores names in the projected store against a query.
// It is a pure function over a store snapshot; nothing here holds state.
package search

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/spindlework/graphloom/pkg/models"
)

// Scopes restrict which entity kinds are searched.
const (
	ScopeAll        = "all"
	ScopeGraphs     = "graphs"
	ScopePrototypes = "prototypes"
	ScopeInstances  = "instances"
)

// Result kinds.
const (
	KindGraph     = "graph"
	KindPrototype = "prototype"
	KindInstance  = "instance"
)

// DefaultLimit is the truncation point when the caller does not set one.
const DefaultLimit = 50

// levMaxLen caps the strings fed to the Levenshtein table so a hostile
// query cannot make scoring quadratic in input size.
const levMaxLen = 64

// Query is one search request.
type Query struct {
	Q             string
	Scope         string
	Limit         int
	Fuzzy         bool
	CaseSensitive bool
	Regex         bool
}

// Result is one scored hit.
type Result struct {
	ID          string `json:"id"`
	Kind        string `json:"type"`
	Name        string `json:"name"`
	Score       int    `json:"score"`
	GraphID     string `json:"graphId,omitempty"`
	PrototypeID string `json:"prototypeId,omitempty"`
}

// Search scores every candidate in scope and returns hits sorted by score
// descending, stable within equal scores, truncated to the limit.
func Search(store models.ProjectedStore, q Query) ([]Result, error) {
	scope := q.Scope
	if scope == "" {
		scope = ScopeAll
	}
	switch scope {
	case ScopeAll, ScopeGraphs, ScopePrototypes, ScopeInstances:
	default:
		return nil, fmt.Errorf("unknown search scope %q", scope)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	var re *regexp.Regexp
	if q.Regex {
		pattern := q.Q
		if !q.CaseSensitive {
			pattern = "(?i)" + pattern
		}
		var err error
		re, err = regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid search regex: %w", err)
		}
	}

	score := func(haystack string) int {
		if re != nil {
			if re.MatchString(haystack) {
				return 90
			}
			return 0
		}
		return scoreMatch(q.Q, haystack, q.Fuzzy, q.CaseSensitive)
	}

	results := []Result{}
	add := func(r Result, haystack string) {
		if s := score(haystack); s > 0 {
			r.Score = s
			results = append(results, r)
		}
	}

	if scope == ScopeAll || scope == ScopeGraphs {
		for _, g := range store.Graphs {
			add(Result{ID: g.ID, Kind: KindGraph, Name: g.Name}, g.Name)
		}
	}
	if scope == ScopeAll || scope == ScopePrototypes {
		for _, p := range store.NodePrototypes {
			add(Result{ID: p.ID, Kind: KindPrototype, Name: p.Name}, p.Name)
		}
	}
	if scope == ScopeAll || scope == ScopeInstances {
		// An instance is searched under its prototype's display name.
		for _, g := range store.Graphs {
			for instID, inst := range g.Instances {
				proto := store.PrototypeByID(inst.PrototypeID)
				if proto == nil {
					continue
				}
				add(Result{
					ID:          instID,
					Kind:        KindInstance,
					Name:        proto.Name,
					GraphID:     g.ID,
					PrototypeID: inst.PrototypeID,
				}, proto.Name)
			}
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// scoreMatch applies the tiered scoring ladder: exact, prefix, substring,
// subsequence, then fuzzy distance when enabled.
func scoreMatch(q, h string, fuzzy, caseSensitive bool) int {
	if q == "" || h == "" {
		return 0
	}
	if !caseSensitive {
		q = strings.ToLower(q)
		h = strings.ToLower(h)
	}
	switch {
	case h == q:
		return 100
	case strings.HasPrefix(h, q):
		return 95
	case strings.Contains(h, q):
		s := 80 * len(q) / max(4, len(h))
		return max(80, s)
	case isSubsequence(q, h):
		return 70
	case fuzzy:
		d := levenshtein(q, h)
		maxLen := max(len(q), len(h))
		if maxLen > levMaxLen {
			maxLen = levMaxLen
		}
		ratio := 1 - float64(d)/float64(maxLen)
		if ratio < 0 {
			ratio = 0
		}
		return int(math.Round(60 * ratio))
	default:
		return 0
	}
}

// isSubsequence reports whether every rune of q appears in h in order.
func isSubsequence(q, h string) bool {
	hr := []rune(h)
	i := 0
	for _, r := range q {
		for i < len(hr) && hr[i] != r {
			i++
		}
		if i >= len(hr) {
			return false
		}
		i++
	}
	return true
}

// levenshtein computes edit distance over at most levMaxLen runes of each
// string, two-row DP.
func levenshtein(a, b string) int {
	ar, br := []rune(a), []rune(b)
	if len(ar) > levMaxLen {
		ar = ar[:levMaxLen]
	}
	if len(br) > levMaxLen {
		br = br[:levMaxLen]
	}
	if len(ar) == 0 {
		return len(br)
	}
	if len(br) == 0 {
		return len(ar)
	}

	prev := make([]int, len(br)+1)
	cur := make([]int, len(br)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ar); i++ {
		cur[0] = i
		for j := 1; j <= len(br); j++ {
			cost := 1
			if ar[i-1] == br[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, min(cur[j-1]+1, prev[j-1]+cost))
		}
		prev, cur = cur, prev
	}
	return prev[len(br)]
}
