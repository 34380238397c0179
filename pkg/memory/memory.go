// Package memory implements the five-layer knowledge store on top of the
// memory store and the retrieval engine: the user model, procedural,
// semantic, and episodic layers, plus the legacy null layer, with the
// learning router, decay refresh, TTL purge, and consolidation.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chaiyawut/butler/pkg/log"
	"github.com/chaiyawut/butler/pkg/memstore"
	"github.com/chaiyawut/butler/pkg/retrieval"
	"github.com/chaiyawut/butler/pkg/types"
)

const (
	episodicTTL = 90 * 24 * time.Hour

	// Contradiction hint thresholds: near-identical meaning, different words.
	contradictionVectorSim  = 0.85
	contradictionJaccardMax = 0.7

	// Consolidation thresholds: near-duplicates in both spaces.
	consolidateVectorSim  = 0.92
	consolidateJaccardMin = 0.85
)

// Manager coordinates the memory layers.
type Manager struct {
	store  *memstore.Store
	engine *retrieval.Engine
	logger zerolog.Logger

	stopCh chan struct{}
}

// NewManager wires the layer manager.
func NewManager(store *memstore.Store, engine *retrieval.Engine) *Manager {
	return &Manager{
		store:  store,
		engine: engine,
		logger: log.WithComponent("memory"),
		stopCh: make(chan struct{}),
	}
}

// Start launches the periodic decay refresh, TTL purge, and daily
// consolidation loops.
func (m *Manager) Start() {
	go m.maintenanceLoop()
}

// Stop stops the background loops.
func (m *Manager) Stop() {
	close(m.stopCh)
}

func (m *Manager) maintenanceLoop() {
	decayTicker := time.NewTicker(1 * time.Hour)
	purgeTicker := time.NewTicker(6 * time.Hour)
	consolidateTicker := time.NewTicker(24 * time.Hour)
	defer decayTicker.Stop()
	defer purgeTicker.Stop()
	defer consolidateTicker.Stop()

	for {
		select {
		case <-decayTicker.C:
			if err := m.RefreshDecay(context.Background()); err != nil {
				m.logger.Error().Err(err).Msg("decay refresh failed")
			}
		case <-purgeTicker.C:
			if _, err := m.PurgeExpired(context.Background()); err != nil {
				m.logger.Error().Err(err).Msg("ttl purge failed")
			}
		case <-consolidateTicker.C:
			if err := m.Consolidate(context.Background()); err != nil {
				m.logger.Error().Err(err).Msg("consolidation failed")
			}
		case <-m.stopCh:
			return
		}
	}
}

// LearnRequest is one write into the memory.
type LearnRequest struct {
	Content   string      `json:"content"`
	Layer     types.Layer `json:"layer,omitempty"` // caller override; empty routes
	Type      string      `json:"type,omitempty"`
	Project   string      `json:"project,omitempty"`
	Origin    string      `json:"origin,omitempty"`
	Source    string      `json:"source,omitempty"`
	CreatedBy string      `json:"created_by,omitempty"`
}

// LearnResult reports the stored document plus any contradiction hint.
type LearnResult struct {
	Doc     *types.Document `json:"doc"`
	Warning string          `json:"warning,omitempty"`
	// ContradictionID names the existing document whose meaning the new
	// write appears to contradict. Resolution is deferred to the caller.
	ContradictionID string `json:"potential_contradiction,omitempty"`
}

var (
	memoryTagRe   = regexp.MustCompile(`(?i)\bmemory:(user_model|procedural|semantic|episodic)\b`)
	userModelRe   = regexp.MustCompile(`(?i)\buser (prefers|likes|expertise|timezone)\b|ผู้ใช้ชอบ|ผู้ใช้ถนัด`)
	proceduralRe  = regexp.MustCompile(`(?i)\bwhen\b.+\bthen\b|ถ้า.+ให้`)
)

// RouteLayer picks a layer for unrouted content by shape: explicit
// memory:* tags win, then user-model and procedural patterns, else
// semantic.
func RouteLayer(content string) types.Layer {
	if m := memoryTagRe.FindStringSubmatch(content); m != nil {
		return types.Layer(strings.ToLower(m[1]))
	}
	if userModelRe.MatchString(content) {
		return types.LayerUserModel
	}
	if proceduralRe.MatchString(content) {
		return types.LayerProcedural
	}
	return types.LayerSemantic
}

// Learn is the single write entry point. The caller may force a layer;
// otherwise the router decides.
func (m *Manager) Learn(ctx context.Context, req LearnRequest) (*LearnResult, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("content is required")
	}
	layer := req.Layer
	if layer == "" {
		layer = RouteLayer(req.Content)
	}

	var res *LearnResult
	var err error
	switch layer {
	case types.LayerUserModel:
		res, err = m.learnUserModel(ctx, req)
	case types.LayerProcedural:
		res, err = m.learnProcedural(ctx, req)
	case types.LayerEpisodic:
		res, err = m.learnEpisodic(ctx, req)
	default:
		res, err = m.learnSemantic(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	// Cache invalidation is synchronous with the write's acknowledgment:
	// a search issued after Learn returns sees the new document.
	m.engine.InvalidateCache()
	return res, nil
}

// learnSemantic writes a semantic document with origin-derived
// confidence and raises a contradiction hint when a near-identical
// meaning exists under materially different wording.
func (m *Manager) learnSemantic(ctx context.Context, req LearnRequest) (*LearnResult, error) {
	now := time.Now()
	doc := &types.Document{
		ID:         uuid.New().String(),
		Layer:      types.LayerSemantic,
		Type:       defaultType(req.Type, "learning"),
		Content:    req.Content,
		Origin:     req.Origin,
		SourcePath: req.Source,
		Project:    req.Project,
		CreatedAt:  now,
		UpdatedAt:  now,
		Confidence: types.FloatToScore(semanticConfidence(req.Origin, req.Source)),
		DecayScore: 100,
		CreatedBy:  req.CreatedBy,
	}

	result := &LearnResult{Doc: doc}

	if v := m.store.Vectors(); v != nil && v.Available() {
		hits, err := v.Query(ctx, req.Content, 1)
		if err == nil && len(hits) > 0 && hits[0].Score > contradictionVectorSim {
			existing, err := m.store.GetDocument(ctx, hits[0].ID)
			if err == nil && jaccard(req.Content, existing.Content) < contradictionJaccardMax {
				result.Warning = "potential contradiction with existing memory"
				result.ContradictionID = existing.ID
			}
		}
	}

	if err := m.store.PutDocument(ctx, doc); err != nil {
		return nil, err
	}
	return result, nil
}

// semanticConfidence derives the initial confidence from provenance.
func semanticConfidence(origin, source string) float64 {
	lowSource := strings.ToLower(source)
	switch {
	case origin == "human":
		return 0.95
	case origin == "mother":
		return 0.90
	case strings.Contains(lowSource, "correction") || strings.Contains(lowSource, "fix"):
		return 0.85
	case strings.Contains(lowSource, "http://") || strings.Contains(lowSource, "https://"):
		return 0.80
	default:
		return 0.60
	}
}

func defaultType(t, fallback string) string {
	if t != "" {
		return t
	}
	return fallback
}

// Get fetches a document and tracks the access without delaying the
// response.
func (m *Manager) Get(ctx context.Context, id string) (*types.Document, error) {
	doc, err := m.store.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	m.trackAccess(doc.ID)
	return doc, nil
}

// trackAccess bumps access bookkeeping and lazily refreshes the decay
// score. Fire-and-forget: never delays or fails the read path.
func (m *Manager) trackAccess(id string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.store.TouchAccess(ctx, id); err != nil {
			m.logger.Debug().Err(err).Str("doc", id).Msg("access tracking failed")
			return
		}
		doc, err := m.store.GetDocument(ctx, id)
		if err != nil {
			return
		}
		score := types.FloatToScore(ComputeDecay(doc, time.Now()))
		if score != doc.DecayScore {
			_ = m.store.UpdateDecay(ctx, doc.ID, score)
		}
	}()
}

// RefreshDecay recomputes decay scores across the store.
func (m *Manager) RefreshDecay(ctx context.Context) error {
	docs, err := m.store.ListDocuments(ctx, memstore.ListFilter{})
	if err != nil {
		return err
	}
	now := time.Now()
	for _, d := range docs {
		score := types.FloatToScore(ComputeDecay(d, now))
		if score != d.DecayScore {
			if err := m.store.UpdateDecay(ctx, d.ID, score); err != nil {
				return err
			}
		}
	}
	m.engine.InvalidateCache()
	return nil
}

// PurgeExpired handles TTL expiry. Episodic documents with a parseable
// payload are archived (layer demoted to legacy, TTL cleared, decay
// halved, envelope replaced with a short archived form); everything else
// is removed.
func (m *Manager) PurgeExpired(ctx context.Context) (int, error) {
	expired, err := m.store.ExpiredDocuments(ctx)
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, d := range expired {
		if d.Layer == types.LayerEpisodic {
			var ep types.EpisodicMemory
			if json.Unmarshal([]byte(d.Concepts), &ep) == nil && ep.Summary != "" {
				archived, _ := json.Marshal(map[string]interface{}{
					"archived":   true,
					"summary":    ep.Summary,
					"outcome":    ep.Outcome,
					"recordedAt": ep.RecordedAt,
				})
				d.Layer = types.LayerLegacy
				d.ExpiresAt = nil
				d.DecayScore = d.DecayScore / 2
				d.Concepts = string(archived)
				d.Content = ep.Summary
				d.UpdatedAt = time.Now()
				if err := m.store.PutDocument(ctx, d); err != nil {
					return purged, err
				}
				purged++
				continue
			}
		}
		if err := m.store.DeleteDocument(ctx, d.ID); err != nil {
			return purged, err
		}
		purged++
	}
	if purged > 0 {
		m.engine.InvalidateCache()
	}
	return purged, nil
}

// Consolidate scans the semantic layer for near-duplicate clusters and
// supersedes the lower-confidence members to the highest-confidence
// representative. Documents are never deleted; the supersede log makes
// the operation reversible. Clusters never span projects.
func (m *Manager) Consolidate(ctx context.Context) error {
	v := m.store.Vectors()
	if v == nil || !v.Available() {
		return nil // consolidation needs the vector space
	}
	docs, err := m.store.ListDocuments(ctx, memstore.ListFilter{
		Layers: []types.Layer{types.LayerSemantic},
	})
	if err != nil {
		return err
	}

	superseded := make(map[string]bool)
	for _, d := range docs {
		if superseded[d.ID] || d.SupersededBy != "" {
			continue
		}
		hits, err := v.Query(ctx, d.Content, 5)
		if err != nil {
			return nil // backend went away mid-scan; retry next cycle
		}
		for _, hit := range hits {
			if hit.ID == d.ID || hit.Score <= consolidateVectorSim {
				continue
			}
			other, err := m.store.GetDocument(ctx, hit.ID)
			if err != nil || superseded[other.ID] || other.SupersededBy != "" {
				continue
			}
			if types.EffectiveLayer(other.Layer) != types.LayerSemantic {
				continue
			}
			if other.Project != d.Project {
				continue
			}
			if jaccard(d.Content, other.Content) <= consolidateJaccardMin {
				continue
			}

			survivor, loser := d, other
			if other.Confidence > d.Confidence {
				survivor, loser = other, d
			}
			loser.SupersededBy = survivor.ID
			loser.UpdatedAt = time.Now()
			if err := m.store.PutDocument(ctx, loser); err != nil {
				return err
			}
			if err := m.store.AppendSupersede(ctx, &types.SupersedeRecord{
				SupersededID: loser.ID,
				SurvivorID:   survivor.ID,
				Reason:       "consolidation: near-duplicate",
			}); err != nil {
				return err
			}
			superseded[loser.ID] = true
			if loser.ID == d.ID {
				break
			}
		}
	}
	if len(superseded) > 0 {
		m.engine.InvalidateCache()
	}
	return nil
}

// Supersede records a manual supersession.
func (m *Manager) Supersede(ctx context.Context, supersededID, survivorID, reason string) error {
	doc, err := m.store.GetDocument(ctx, supersededID)
	if err != nil {
		return err
	}
	doc.SupersededBy = survivorID
	doc.UpdatedAt = time.Now()
	if err := m.store.PutDocument(ctx, doc); err != nil {
		return err
	}
	if err := m.store.AppendSupersede(ctx, &types.SupersedeRecord{
		SupersededID: supersededID,
		SurvivorID:   survivorID,
		Reason:       reason,
	}); err != nil {
		return err
	}
	m.engine.InvalidateCache()
	return nil
}

// Store exposes the underlying memory store.
func (m *Manager) Store() *memstore.Store {
	return m.store
}

// Engine exposes the retrieval engine.
func (m *Manager) Engine() *retrieval.Engine {
	return m.engine
}

// Stop words stripped before the word-set similarity check.
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true,
	"was": true, "were": true, "to": true, "of": true, "in": true,
	"on": true, "for": true, "and": true, "or": true, "it": true,
	"this": true, "that": true, "with": true, "as": true, "at": true,
}

// jaccard computes word-set similarity on stop-stripped lowercase text.
func jaccard(a, b string) float64 {
	setA := wordSet(a)
	setB := wordSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	inter := 0
	for w := range setA {
		if setB[w] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

func wordSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,!?;:\"'()")
		if w == "" || stopWords[w] {
			continue
		}
		out[w] = true
	}
	return out
}
