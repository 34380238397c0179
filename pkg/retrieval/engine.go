// Package retrieval implements the hybrid lexical+vector search pipeline:
// query preprocessing, profile classification, candidate collection,
// posterior prior correction, weighted reciprocal-rank fusion, decay and
// layer re-weighting, and a short-TTL response cache.
package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/chaiyawut/butler/pkg/log"
	"github.com/chaiyawut/butler/pkg/memstore"
	"github.com/chaiyawut/butler/pkg/metrics"
	"github.com/chaiyawut/butler/pkg/types"
)

// Mode selects which candidate sources run.
type Mode string

const (
	ModeHybrid  Mode = "hybrid"
	ModeLexical Mode = "lexical"
	ModeVector  Mode = "vector"
)

// Source tags where a fused result came from.
type Source string

const (
	SourceLexical Source = "lexical"
	SourceVector  Source = "vector"
	SourceBoth    Source = "both"
)

// rrfK is the reciprocal-rank fusion constant.
const rrfK = 60.0

// Query is one search request.
type Query struct {
	Text    string
	Type    string
	Limit   int
	Offset  int
	Mode    Mode
	Project string
	Layers  []types.Layer
}

// Result is one ranked hit.
type Result struct {
	Doc    *types.Document `json:"doc"`
	Score  float64         `json:"score"`
	Source Source          `json:"source"`
}

// Response carries the ranked page plus diagnostics. Warning is set when
// the engine degraded (for example, the vector backend was down).
type Response struct {
	Results     []*Result   `json:"results"`
	Total       int         `json:"total"`
	Warning     string      `json:"warning,omitempty"`
	Diagnostics Diagnostics `json:"diagnostics"`
}

// Diagnostics explains how the query was executed.
type Diagnostics struct {
	Profile       string  `json:"profile"`
	WeightFTS     float64 `json:"weight_fts"`
	WeightVector  float64 `json:"weight_vector"`
	LexicalHits   int     `json:"lexical_hits"`
	VectorHits    int     `json:"vector_hits"`
	CacheHit      bool    `json:"cache_hit"`
	PreprocessedQ string  `json:"preprocessed_query"`
}

// Engine runs hybrid retrieval over the memory store.
type Engine struct {
	store   *memstore.Store
	vectors *memstore.VectorClient
	seg     *Segmenter
	cache   *Cache
	logger  zerolog.Logger
}

// NewEngine wires the engine. seg may be nil when no Thai segmenter
// service is configured.
func NewEngine(store *memstore.Store, seg *Segmenter) *Engine {
	return &Engine{
		store:   store,
		vectors: store.Vectors(),
		seg:     seg,
		cache:   NewCache(5 * time.Second),
		logger:  log.WithComponent("retrieval"),
	}
}

// InvalidateCache drops every cached response. Called synchronously by
// every memory write before the write is acknowledged.
func (e *Engine) InvalidateCache() {
	e.cache.Purge()
}

// Search executes the full pipeline of the hybrid query.
func (e *Engine) Search(ctx context.Context, q Query) (*Response, error) {
	started := time.Now()
	defer func() {
		metrics.SearchDuration.Observe(time.Since(started).Seconds())
	}()

	if q.Limit <= 0 {
		q.Limit = 10
	}
	if q.Mode == "" {
		q.Mode = ModeHybrid
	}

	vectorUp := e.vectors != nil && e.vectors.Available()
	key := e.cache.Key(q, vectorUp)
	if resp, ok := e.cache.Get(key); ok {
		metrics.CacheHits.Inc()
		out := *resp
		out.Diagnostics.CacheHit = true
		return &out, nil
	}
	metrics.CacheMisses.Inc()

	cleaned := e.preprocess(ctx, q.Text)
	profile := classify(q.Text)
	wFts, wVec := profile.priors()

	resp := &Response{
		Diagnostics: Diagnostics{
			Profile:       string(profile),
			PreprocessedQ: cleaned,
		},
	}

	var lexical []*memstore.FTSResult
	var vector []memstore.VectorHit
	var err error

	if q.Mode != ModeVector {
		bound := q.Limit * profile.lexicalMultiplier()
		lexical, err = e.store.SearchFTS(ctx, cleaned, bound, q.Project, q.Layers)
		if err != nil {
			// Lexical backend unavailable is fatal for the request.
			return nil, fmt.Errorf("lexical search failed: %w", err)
		}
	}

	if q.Mode != ModeLexical {
		if e.vectors != nil && e.vectors.Available() {
			bound := q.Limit * profile.vectorMultiplier()
			vector, err = e.vectors.Query(ctx, q.Text, bound)
			if err != nil {
				e.logger.Warn().Err(err).Msg("vector query failed, degrading to lexical")
				resp.Warning = "vector backend unavailable; results are lexical-only"
				vector = nil
				vectorUp = false
			}
		} else {
			resp.Warning = "vector backend unavailable; results are lexical-only"
		}
	}

	// Posterior correction: let unexpectedly strong evidence from one
	// source pull the prior weights toward it, inside a safety envelope.
	wFts, wVec = correctPriors(wFts, wVec, lexical, vector)

	resp.Diagnostics.WeightFTS = wFts
	resp.Diagnostics.WeightVector = wVec
	resp.Diagnostics.LexicalHits = len(lexical)
	resp.Diagnostics.VectorHits = len(vector)

	fused := e.fuse(ctx, q, profile, wFts, wVec, lexical, vector)
	resp.Total = len(fused)

	// Page.
	if q.Offset >= len(fused) {
		fused = nil
	} else {
		fused = fused[q.Offset:]
	}
	if len(fused) > q.Limit {
		fused = fused[:q.Limit]
	}
	resp.Results = fused

	// Re-key if the vector backend dropped out mid-query, so the degraded
	// response never masks a healthy one after recovery.
	e.cache.Put(e.cache.Key(q, vectorUp), resp)
	return resp, nil
}

// fuse combines the candidate lists with weighted RRF, then applies the
// recency boost, the decay factor, and the layer boost, and sorts.
func (e *Engine) fuse(ctx context.Context, q Query, profile Profile, wFts, wVec float64, lexical []*memstore.FTSResult, vector []memstore.VectorHit) []*Result {
	type fusion struct {
		doc      *types.Document
		score    float64
		lexRank  int // 1-based, 0 means absent
		vecRank  int
	}
	byID := make(map[string]*fusion)

	for i, hit := range lexical {
		byID[hit.Doc.ID] = &fusion{doc: hit.Doc, lexRank: i + 1}
	}
	for i, hit := range vector {
		f, ok := byID[hit.ID]
		if !ok {
			doc, err := e.store.GetDocument(ctx, hit.ID)
			if err != nil {
				continue // stale vector entry or expired doc
			}
			if !matchesFilters(doc, q) {
				continue
			}
			f = &fusion{doc: doc}
			byID[hit.ID] = f
		}
		f.vecRank = i + 1
	}

	now := time.Now()
	out := make([]*Result, 0, len(byID))
	for _, f := range byID {
		if q.Type != "" && f.doc.Type != q.Type {
			continue
		}
		score := 0.0
		if f.lexRank > 0 {
			score += wFts / (rrfK + float64(f.lexRank))
		}
		if f.vecRank > 0 {
			score += wVec / (rrfK + float64(f.vecRank))
		}

		// Small recency boost when created-at is known.
		if !f.doc.CreatedAt.IsZero() {
			days := now.Sub(f.doc.CreatedAt).Hours() / 24
			score += 0.05 * math.Max(0, 1-days/365)
		}

		score *= types.ScoreToFloat(f.doc.DecayScore)
		score *= profile.layerBoost(types.EffectiveLayer(f.doc.Layer))

		src := SourceBoth
		switch {
		case f.vecRank == 0:
			src = SourceLexical
		case f.lexRank == 0:
			src = SourceVector
		}
		out = append(out, &Result{Doc: f.doc, Score: score, Source: src})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// matchesFilters applies the project and layer filters to documents that
// arrived only via the vector source (lexical candidates are filtered in
// SQL).
func matchesFilters(d *types.Document, q Query) bool {
	if q.Project != "" {
		if d.Project != "" && d.Project != q.Project {
			return false
		}
	} else if d.Project != "" {
		return false
	}
	if len(q.Layers) > 0 {
		ok := false
		for _, l := range q.Layers {
			if types.EffectiveLayer(d.Layer) == types.EffectiveLayer(l) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// correctPriors inspects mean top-k normalized scores per source and
// shifts the priors toward the markedly better source. The move is
// bounded so each weight stays within [0.2, 0.8].
func correctPriors(wFts, wVec float64, lexical []*memstore.FTSResult, vector []memstore.VectorHit) (float64, float64) {
	const topK = 5
	const maxShift = 0.15
	const dominanceRatio = 1.5

	lexMean := lexicalTopMean(lexical, topK)
	vecMean := vectorTopMean(vector, topK)
	if lexMean == 0 && vecMean == 0 {
		return wFts, wVec
	}

	var shift float64
	switch {
	case vecMean > lexMean*dominanceRatio:
		shift = math.Min(maxShift, (vecMean-lexMean)/2)
		wVec += shift
		wFts -= shift
	case lexMean > vecMean*dominanceRatio:
		shift = math.Min(maxShift, (lexMean-vecMean)/2)
		wFts += shift
		wVec -= shift
	}

	wFts = clamp(wFts, 0.2, 0.8)
	wVec = clamp(wVec, 0.2, 0.8)
	// Renormalize so the weights still sum to 1.
	total := wFts + wVec
	return wFts / total, wVec / total
}

func lexicalTopMean(hits []*memstore.FTSResult, k int) float64 {
	if len(hits) == 0 {
		return 0
	}
	max := 0.0
	for _, h := range hits {
		if h.Rank > max {
			max = h.Rank
		}
	}
	if max == 0 {
		return 0
	}
	sum, n := 0.0, 0
	for i, h := range hits {
		if i >= k {
			break
		}
		sum += h.Rank / max
		n++
	}
	return sum / float64(n)
}

func vectorTopMean(hits []memstore.VectorHit, k int) float64 {
	if len(hits) == 0 {
		return 0
	}
	sum, n := 0.0, 0
	for i, h := range hits {
		if i >= k {
			break
		}
		sum += h.Score
		n++
	}
	return sum / float64(n)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// preprocess strips FTS special characters and, when a Thai segmenter is
// reachable, substitutes the segmented form. Segmentation is best-effort
// and never fails the query.
func (e *Engine) preprocess(ctx context.Context, text string) string {
	cleaned := stripFTSSpecial(text)
	if e.seg == nil {
		return cleaned
	}
	segmented, err := e.seg.Segment(ctx, cleaned)
	if err != nil {
		e.logger.Debug().Err(err).Msg("thai segmenter unavailable, passing query through")
		return cleaned
	}
	return segmented
}

// stripFTSSpecial removes characters FTS5 treats as operators and
// collapses the resulting whitespace runs into single spaces.
func stripFTSSpecial(s string) string {
	mapped := strings.Map(func(r rune) rune {
		switch r {
		case '"', '\'', '*', '(', ')', '^', ':', '-', '+', '~', '{', '}', '[', ']':
			return ' '
		}
		return r
	}, s)
	return strings.Join(strings.Fields(mapped), " ")
}
