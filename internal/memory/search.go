package memory

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"membank/internal/paths"
)

// Weights tunes the composite score. They need not sum to one.
type Weights struct {
	Recency     float64
	Relevance   float64
	Interaction float64
	Importance  float64
}

// DefaultWeights returns the stock composite weighting.
func DefaultWeights() Weights {
	return Weights{Recency: 0.30, Relevance: 0.25, Interaction: 0.25, Importance: 0.20}
}

func (w Weights) normalized() Weights {
	clampWeight := func(v float64) float64 {
		if math.IsNaN(v) || v < 0 {
			return 0
		}
		if math.IsInf(v, 1) || v > 1 {
			return 1
		}
		return v
	}
	w.Recency = clampWeight(w.Recency)
	w.Relevance = clampWeight(w.Relevance)
	w.Interaction = clampWeight(w.Interaction)
	w.Importance = clampWeight(w.Importance)
	if w.Recency == 0 && w.Relevance == 0 && w.Interaction == 0 && w.Importance == 0 {
		return DefaultWeights()
	}
	return w
}

// SearchOptions filters and tunes a search. The fuzzy fallback is on by
// default; DisableFuzzy restricts the pipeline to exact substring matches.
type SearchOptions struct {
	Project      string
	Tags         []string
	Category     Category
	Status       Status
	DisableFuzzy bool
	Limit        int
}

// ScoredMemory pairs a record with its composite score.
type ScoredMemory struct {
	Memory *Memory `json:"memory"`
	Score  float64 `json:"score"`
}

const (
	fuzzyCandidateThreshold = 5
	fuzzyMinQueryLen        = 4
)

// fuzzy pass modes: maximum normalized edit distance accepted per mode.
var fuzzyModes = []float64{0.3, 0.6, 0.8}

// Search runs the filter + match + rank pipeline of the search engine.
func (s *Store) Search(query string, opts SearchOptions) []ScoredMemory {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	terms := splitTerms(query)

	s.mu.RLock()
	filtered := s.filterLocked(opts)

	var candidates []*Memory
	fuzzyScores := map[string]float64{}
	if len(terms) == 0 {
		candidates = filtered
	} else {
		for _, m := range filtered {
			if matchesAnyTerm(m, terms) {
				candidates = append(candidates, m)
			}
		}
		if !opts.DisableFuzzy && len(candidates) < fuzzyCandidateThreshold && len(query) >= fuzzyMinQueryLen {
			candidates, fuzzyScores = fuzzyExpand(filtered, candidates, terms)
		}
	}

	now := s.now()
	scored := make([]ScoredMemory, 0, len(candidates))
	for _, m := range candidates {
		score := s.weights.composite(m, terms, now)
		if penalty, ok := fuzzyScores[m.ID]; ok {
			// Approximate matches rank below equally-scored exact hits.
			score *= 1 - 0.3*penalty
		}
		scored = append(scored, ScoredMemory{Memory: m.Clone(), Score: clamp01(score)})
	}
	s.mu.RUnlock()

	s.mergeSemanticHits(query, opts, &scored)

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		ti, tj := scored[i].Memory.Timestamp, scored[j].Memory.Timestamp
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return scored[i].Memory.ID < scored[j].Memory.ID
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}

	// A search hit counts as an access.
	s.touch(scored)
	return scored
}

func (s *Store) filterLocked(opts SearchOptions) []*Memory {
	var pool map[string]struct{}
	if opts.Project != "" {
		pool = s.byProject[paths.SanitizeProject(opts.Project)]
		if pool == nil {
			return nil
		}
	}

	var out []*Memory
	consider := func(m *Memory) {
		if opts.Category != "" && m.Category != opts.Category {
			return
		}
		if opts.Status != "" && m.Status != opts.Status {
			return
		}
		for _, tag := range opts.Tags {
			if !hasTag(m, strings.ToLower(strings.TrimSpace(tag))) {
				return
			}
		}
		out = append(out, m)
	}
	if pool != nil {
		for id := range pool {
			consider(s.byID[id])
		}
	} else {
		for _, m := range s.byID {
			consider(m)
		}
	}
	return out
}

func hasTag(m *Memory, tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

func splitTerms(query string) []string {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(query)))
	out := fields[:0]
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func matchesAnyTerm(m *Memory, terms []string) bool {
	content := strings.ToLower(m.Content)
	title := strings.ToLower(m.Title())
	for _, term := range terms {
		if strings.Contains(content, term) || strings.Contains(title, term) {
			return true
		}
		for _, tag := range m.Tags {
			if strings.Contains(tag, term) {
				return true
			}
		}
	}
	return false
}

// fuzzyExpand widens the candidate set with approximate matches across three
// tolerance modes, keeping the best (lowest) distance per id.
func fuzzyExpand(filtered, exact []*Memory, terms []string) ([]*Memory, map[string]float64) {
	exactIDs := make(map[string]struct{}, len(exact))
	for _, m := range exact {
		exactIDs[m.ID] = struct{}{}
	}

	best := map[string]float64{}
	for _, m := range filtered {
		if _, already := exactIDs[m.ID]; already {
			continue
		}
		dist, ok := bestTermDistance(m, terms)
		if !ok {
			continue
		}
		for _, maxDist := range fuzzyModes {
			if dist <= maxDist {
				if prev, seen := best[m.ID]; !seen || dist < prev {
					best[m.ID] = dist
				}
				break
			}
		}
	}

	out := append([]*Memory(nil), exact...)
	for _, m := range filtered {
		if _, ok := best[m.ID]; ok {
			out = append(out, m)
		}
	}
	return out, best
}

// bestTermDistance computes the lowest normalized edit distance between any
// query term and any word of the record.
func bestTermDistance(m *Memory, terms []string) (float64, bool) {
	words := strings.Fields(strings.ToLower(m.Content))
	words = append(words, m.Tags...)
	bestDist := math.Inf(1)
	for _, term := range terms {
		for _, word := range words {
			maxLen := len(term)
			if len(word) > maxLen {
				maxLen = len(word)
			}
			if maxLen == 0 {
				continue
			}
			// Cheap length gate before the O(n*m) distance.
			if abs(len(word)-len(term)) > maxLen/2+1 {
				continue
			}
			d := float64(levenshtein(term, word)) / float64(maxLen)
			if d < bestDist {
				bestDist = d
			}
		}
	}
	if math.IsInf(bestDist, 1) {
		return 0, false
	}
	return bestDist, true
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// levenshtein computes the case-sensitive edit distance between two strings.
func levenshtein(s1, s2 string) int {
	if len(s1) == 0 {
		return len(s2)
	}
	if len(s2) == 0 {
		return len(s1)
	}
	prev := make([]int, len(s2)+1)
	curr := make([]int, len(s2)+1)
	for j := 0; j <= len(s2); j++ {
		prev[j] = j
	}
	for i := 1; i <= len(s1); i++ {
		curr[0] = i
		for j := 1; j <= len(s2); j++ {
			cost := 1
			if s1[i-1] == s2[j-1] {
				cost = 0
			}
			minVal := prev[j] + 1
			if ins := curr[j-1] + 1; ins < minVal {
				minVal = ins
			}
			if sub := prev[j-1] + cost; sub < minVal {
				minVal = sub
			}
			curr[j] = minVal
		}
		prev, curr = curr, prev
	}
	return prev[len(s2)]
}

// composite computes the weighted score for a record against the query terms.
func (w Weights) composite(m *Memory, terms []string, now time.Time) float64 {
	recency := recencyScore(m, now)
	relevance := relevanceScore(m, terms)
	interaction := interactionScore(m, now)
	importance := importanceScore(m)
	score := w.Recency*recency + w.Relevance*relevance + w.Interaction*interaction + w.Importance*importance
	return clamp01(score)
}

func recencyScore(m *Memory, now time.Time) float64 {
	ref := m.LastAccessed
	if ref.IsZero() {
		ref = m.Timestamp
	}
	days := now.Sub(ref).Hours() / 24
	if days < 0 {
		days = 0
	}
	return clamp01(math.Exp(-days / 30))
}

func relevanceScore(m *Memory, terms []string) float64 {
	score := 0.5
	if len(terms) > 0 {
		title := strings.ToLower(m.Title())
		content := strings.ToLower(m.Content)
		for _, term := range terms {
			if strings.Contains(title, term) {
				score += 0.3
			}
			if strings.Contains(content, term) {
				score += 0.1
			}
		}
	}
	for _, tag := range m.Tags {
		if tag == "important" || tag == "critical" || tag == "urgent" {
			score += 0.15
			break
		}
	}
	if strings.Contains(m.Content, "```") {
		score += 0.05
	}
	return clamp01(score)
}

func interactionScore(m *Memory, now time.Time) float64 {
	score := math.Log(float64(m.AccessCount)+1) / math.Log(50)
	if score > 1 {
		score = 1
	}
	if !m.LastAccessed.IsZero() && now.Sub(m.LastAccessed) <= 7*24*time.Hour {
		score += 0.2
	}
	return clamp01(score)
}

func importanceScore(m *Memory) float64 {
	score := 0.3
	switch m.Priority {
	case PriorityHigh:
		score += 0.3
	case PriorityMedium:
		score += 0.15
	}
	score += 0.1 * float64(m.Complexity-1) / 3
	if len(m.Content) > 300 {
		score += 0.1
	}
	return clamp01(score)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if math.IsInf(v, 1) || v > 1 {
		return 1
	}
	return v
}

// mergeSemanticHits folds vector-search results into the scored set.
func (s *Store) mergeSemanticHits(query string, opts SearchOptions, scored *[]ScoredMemory) {
	if !s.semantic.Enabled() || strings.TrimSpace(query) == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	hits, err := s.semantic.Query(ctx, query, fuzzyCandidateThreshold*2)
	if err != nil {
		s.logger.Warn("semantic query: %v", err)
		return
	}
	present := make(map[string]struct{}, len(*scored))
	for _, sm := range *scored {
		present[sm.Memory.ID] = struct{}{}
	}
	for _, hit := range hits {
		if _, ok := present[hit.ID]; ok {
			continue
		}
		s.mu.RLock()
		m, ok := s.byID[hit.ID]
		var clone *Memory
		if ok {
			clone = m.Clone()
		}
		s.mu.RUnlock()
		if !ok {
			continue
		}
		if opts.Project != "" && clone.Project != paths.SanitizeProject(opts.Project) {
			continue
		}
		*scored = append(*scored, ScoredMemory{Memory: clone, Score: clamp01(float64(hit.Similarity))})
	}
}

// touch bumps access stats for returned hits without emitting events.
func (s *Store) touch(hits []ScoredMemory) {
	if len(hits) == 0 {
		return
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, hit := range hits {
		m, ok := s.byID[hit.Memory.ID]
		if !ok {
			continue
		}
		m.AccessCount++
		m.LastAccessed = now
		if err := s.persistLocked(m); err != nil {
			s.logger.Warn("persist access stats %s: %v", m.ID, err)
		}
	}
}
