// Package memory implements the shared cross-butler entity graph: creating
// and annotating entities, and resolving an ambiguous mention ("mom", "the
// dentist") to a ranked list of candidate entities.
package memory

import (
	"context"
	"log/slog"
	"math/rand"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"switchboard/internal/domain"
	"switchboard/internal/store/sqlite"
)

// Tier base scores for name-match quality, out of 100.
const (
	scoreExactName  = 100.0
	scoreExactAlias = 80.0
	scorePrefix     = 50.0
	scoreFuzzy      = 20.0
	fuzzyThreshold  = 0.3
	fuzzyMaxResults = 20
	graphBoostMax   = 20.0
	factScanLimit   = 500
)

var tokenPattern = regexp.MustCompile(`[a-z0-9]+`)

// Hints narrows and boosts resolution: Topic and MentionedWith drive the
// graph-neighborhood boost, DomainScores adds a caller-supplied numeric
// score straight onto a candidate.
type Hints struct {
	Topic         string
	MentionedWith []string
	DomainScores  map[string]float64
}

// Candidate is one ranked entity-resolution result.
type Candidate struct {
	EntityID      string
	CanonicalName string
	Kind          string
	Score         float64
	NameMatch     string // "exact" | "alias" | "prefix" | "fuzzy"
	Aliases       []string
}

var tierRank = map[string]int{"exact": 0, "alias": 1, "prefix": 2, "fuzzy": 3}

// Resolver resolves ambiguous names to entities and maintains the entity
// graph (creation, fact annotation, merges).
type Resolver struct {
	store  *sqlite.EntityStore
	bus    domain.EventBus
	logger *slog.Logger
}

// NewResolver constructs a Resolver over the shared entity store.
func NewResolver(store *sqlite.EntityStore, bus domain.EventBus, logger *slog.Logger) *Resolver {
	return &Resolver{store: store, bus: bus, logger: logger}
}

func newEntityID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Create inserts a new canonical entity, optionally seeding it with aliases.
func (r *Resolver) Create(ctx context.Context, tenantID, canonicalName, kind string, aliases []string) (*sqlite.EntityRow, error) {
	now := time.Now()
	entity := sqlite.EntityRow{
		ID:            newEntityID(),
		TenantID:      tenantID,
		CanonicalName: canonicalName,
		Kind:          kind,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.store.Create(ctx, entity); err != nil {
		return nil, domain.WrapOp("memory.Create", err)
	}
	for _, alias := range aliases {
		if err := r.store.AddAlias(ctx, sqlite.EntityAliasRow{EntityID: entity.ID, Alias: alias, Source: "create"}); err != nil {
			return nil, domain.WrapOp("memory.Create", err)
		}
	}
	r.publish(ctx, domain.EventEntityCreated, map[string]any{"entity_id": entity.ID, "canonical_name": entity.CanonicalName})
	return &entity, nil
}

// AddFact appends a fact observation to an entity.
func (r *Resolver) AddFact(ctx context.Context, entityID, key, value string, confidence float64) error {
	return r.store.AddFact(ctx, sqlite.EntityFactRow{
		ID:         newEntityID(),
		EntityID:   entityID,
		Key:        key,
		Value:      value,
		Confidence: confidence,
		ObservedAt: time.Now(),
	})
}

type candidateState struct {
	row       sqlite.EntityRow
	matchType string
	score     float64
}

// Resolve ranks candidate entities for an ambiguous name. entityKind, when
// non-empty, filters every tier to that kind. enableFuzzy additionally
// considers candidates whose trigram similarity to name exceeds 0.3.
func (r *Resolver) Resolve(ctx context.Context, tenantID, name, entityKind string, hints *Hints, enableFuzzy bool) ([]Candidate, error) {
	nameStripped := strings.TrimSpace(name)
	if nameStripped == "" {
		return nil, nil
	}
	nameLower := strings.ToLower(nameStripped)

	candidates := make(map[string]*candidateState)

	keep := func(rows []sqlite.EntityRow, matchType string, base float64) error {
		for _, row := range rows {
			if entityKind != "" && row.Kind != entityKind {
				continue
			}
			existing, ok := candidates[row.ID]
			if ok && tierRank[existing.matchType] <= tierRank[matchType] {
				continue
			}
			candidates[row.ID] = &candidateState{row: row, matchType: matchType, score: base}
		}
		return nil
	}

	exact, err := r.store.MatchExactName(ctx, tenantID, nameLower)
	if err != nil {
		return nil, domain.WrapOp("memory.Resolve", err)
	}
	keep(exact, "exact", scoreExactName)

	alias, err := r.store.MatchExactAlias(ctx, tenantID, nameLower)
	if err != nil {
		return nil, domain.WrapOp("memory.Resolve", err)
	}
	keep(alias, "alias", scoreExactAlias)

	prefix, err := r.store.MatchPrefix(ctx, tenantID, nameLower)
	if err != nil {
		return nil, domain.WrapOp("memory.Resolve", err)
	}
	keep(prefix, "prefix", scorePrefix)

	if enableFuzzy && len(nameStripped) > 2 {
		fuzzyRows, err := r.fuzzyCandidates(ctx, tenantID, nameLower)
		if err != nil {
			return nil, domain.WrapOp("memory.Resolve", err)
		}
		keep(fuzzyRows, "fuzzy", scoreFuzzy)
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	if hints != nil {
		if err := r.applyGraphNeighborhoodBoost(ctx, candidates, hints); err != nil {
			return nil, domain.WrapOp("memory.Resolve", err)
		}
		for id, ds := range hints.DomainScores {
			if c, ok := candidates[id]; ok {
				c.score += ds
			}
		}
	}

	results := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.score <= 0 {
			continue
		}
		aliases, err := r.store.Aliases(ctx, c.row.ID)
		if err != nil {
			return nil, domain.WrapOp("memory.Resolve", err)
		}
		results = append(results, Candidate{
			EntityID:      c.row.ID,
			CanonicalName: c.row.CanonicalName,
			Kind:          c.row.Kind,
			Score:         c.score,
			NameMatch:     c.matchType,
			Aliases:       aliases,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].CanonicalName < results[j].CanonicalName
	})

	return results, nil
}

// fuzzyCandidates scores every non-tombstoned tenant entity's canonical name
// and aliases against name via trigram similarity, keeping those above
// fuzzyThreshold. SQLite carries no pg_trgm-equivalent extension here, so
// the comparison runs in process rather than in the query.
func (r *Resolver) fuzzyCandidates(ctx context.Context, tenantID, nameLower string) ([]sqlite.EntityRow, error) {
	pool, err := r.store.ListForFuzzy(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	type scored struct {
		row   sqlite.EntityRow
		score float64
	}
	var hits []scored
	for _, row := range pool {
		best := trigramSimilarity(nameLower, row.CanonicalName)
		if strings.EqualFold(row.CanonicalName, nameLower) {
			continue // already exact-tier; don't duplicate into fuzzy
		}
		aliases, err := r.store.Aliases(ctx, row.ID)
		if err != nil {
			return nil, err
		}
		exactAlias := false
		for _, a := range aliases {
			if sim := trigramSimilarity(nameLower, a); sim > best {
				best = sim
			}
			if strings.EqualFold(a, nameLower) {
				exactAlias = true
			}
		}
		if exactAlias || best <= fuzzyThreshold {
			continue
		}
		hits = append(hits, scored{row: row, score: best})
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > fuzzyMaxResults {
		hits = hits[:fuzzyMaxResults]
	}

	out := make([]sqlite.EntityRow, len(hits))
	for i, h := range hits {
		out[i] = h.row
	}
	return out, nil
}

// applyGraphNeighborhoodBoost tokenizes context hints and compares them
// against the tokenized predicate+content of each candidate's active facts
// (bounded to factScanLimit total rows), adding a Jaccard-overlap bonus up
// to graphBoostMax.
func (r *Resolver) applyGraphNeighborhoodBoost(ctx context.Context, candidates map[string]*candidateState, hints *Hints) error {
	hintTerms := make(map[string]bool)
	if hints.Topic != "" {
		for t := range tokenize(hints.Topic) {
			hintTerms[t] = true
		}
	}
	for _, m := range hints.MentionedWith {
		for t := range tokenize(m) {
			hintTerms[t] = true
		}
	}
	if len(hintTerms) == 0 {
		return nil
	}

	ids := make([]string, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	facts, err := r.store.FactsForEntities(ctx, ids, factScanLimit)
	if err != nil {
		return err
	}

	entityTerms := make(map[string]map[string]bool, len(candidates))
	for _, f := range facts {
		terms := entityTerms[f.EntityID]
		if terms == nil {
			terms = make(map[string]bool)
			entityTerms[f.EntityID] = terms
		}
		for t := range tokenize(f.Key) {
			terms[t] = true
		}
		for t := range tokenize(f.Value) {
			terms[t] = true
		}
	}

	for id, terms := range entityTerms {
		c, ok := candidates[id]
		if !ok || len(terms) == 0 {
			continue
		}
		intersection, union := 0, 0
		seen := make(map[string]bool, len(hintTerms)+len(terms))
		for t := range hintTerms {
			seen[t] = true
		}
		for t := range terms {
			seen[t] = true
		}
		for t := range seen {
			in1, in2 := hintTerms[t], terms[t]
			if in1 && in2 {
				intersection++
			}
			union++
		}
		if union == 0 {
			continue
		}
		c.score += (float64(intersection) / float64(union)) * graphBoostMax
	}
	return nil
}

func tokenize(text string) map[string]bool {
	tokens := tokenPattern.FindAllString(strings.ToLower(text), -1)
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	return set
}

// trigramSimilarity computes Jaccard overlap between the padded 3-gram sets
// of a and b — the in-process stand-in for pg_trgm's similarity().
func trigramSimilarity(a, b string) float64 {
	ta, tb := trigramSet(a), trigramSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	intersection := 0
	for t := range ta {
		if tb[t] {
			intersection++
		}
	}
	union := len(ta) + len(tb) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func trigramSet(s string) map[string]bool {
	padded := "  " + strings.ToLower(s) + "  "
	set := make(map[string]bool)
	for i := 0; i+3 <= len(padded); i++ {
		set[padded[i:i+3]] = true
	}
	return set
}

func (r *Resolver) publish(ctx context.Context, eventType domain.EventType, payload map[string]any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(ctx, domain.Event{Type: eventType, Timestamp: time.Now(), Payload: domain.MustMarshalPayload(payload)})
}
