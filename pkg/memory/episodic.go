package memory

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/chaiyawut/butler/pkg/retrieval"
	"github.com/chaiyawut/butler/pkg/types"
)

// RecordEpisode stores an episodic memory with a 90-day TTL.
func (m *Manager) RecordEpisode(ctx context.Context, ep *types.EpisodicMemory, project, createdBy string) (*types.Document, error) {
	now := time.Now()
	if ep.RecordedAt.IsZero() {
		ep.RecordedAt = now
	}
	if ep.Outcome == "" {
		ep.Outcome = types.OutcomeUnknown
	}
	data, err := json.Marshal(ep)
	if err != nil {
		return nil, err
	}
	expires := now.Add(episodicTTL)
	doc := &types.Document{
		ID:         uuid.New().String(),
		Layer:      types.LayerEpisodic,
		Type:       "episode",
		Content:    ep.Summary,
		Concepts:   string(data),
		Project:    project,
		CreatedAt:  now,
		UpdatedAt:  now,
		Confidence: types.FloatToScore(0.75),
		DecayScore: 100,
		ExpiresAt:  &expires,
		CreatedBy:  createdBy,
	}
	if err := m.store.PutDocument(ctx, doc); err != nil {
		return nil, err
	}
	m.engine.InvalidateCache()
	return doc, nil
}

// learnEpisodic wraps free-form content into an episode envelope.
func (m *Manager) learnEpisodic(ctx context.Context, req LearnRequest) (*LearnResult, error) {
	doc, err := m.RecordEpisode(ctx, &types.EpisodicMemory{
		UserID:  req.CreatedBy,
		Summary: req.Content,
		Outcome: types.OutcomeUnknown,
	}, req.Project, req.CreatedBy)
	if err != nil {
		return nil, err
	}
	return &LearnResult{Doc: doc}, nil
}

// SearchEpisodes finds related episodes: a lexical-first retrieval
// scoped to the episodic layer, ordered by recorded-at descending.
func (m *Manager) SearchEpisodes(ctx context.Context, query string, limit int) ([]*types.EpisodicMemory, []*types.Document, error) {
	resp, err := m.engine.Search(ctx, retrieval.Query{
		Text:   query,
		Limit:  limit,
		Mode:   retrieval.ModeLexical,
		Layers: []types.Layer{types.LayerEpisodic},
	})
	if err != nil {
		return nil, nil, err
	}

	type pair struct {
		ep  *types.EpisodicMemory
		doc *types.Document
	}
	var pairs []pair
	for _, r := range resp.Results {
		var ep types.EpisodicMemory
		if json.Unmarshal([]byte(r.Doc.Concepts), &ep) != nil {
			continue
		}
		pairs = append(pairs, pair{&ep, r.Doc})
	}
	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].ep.RecordedAt.After(pairs[j].ep.RecordedAt)
	})

	eps := make([]*types.EpisodicMemory, len(pairs))
	docs := make([]*types.Document, len(pairs))
	for i, p := range pairs {
		eps[i] = p.ep
		docs[i] = p.doc
	}
	return eps, docs, nil
}
