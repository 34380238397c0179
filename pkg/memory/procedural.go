package memory

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chaiyawut/butler/pkg/memstore"
	"github.com/chaiyawut/butler/pkg/retrieval"
	"github.com/chaiyawut/butler/pkg/types"
)

// Procedural confidence climbs with successful use but never past this cap.
const proceduralConfidenceCap = 98

var whenThenRe = regexp.MustCompile(`(?i)^when\s+(.+?)\s*(?:,|then)\s+(.+)$`)

// learnProcedural upserts a procedure keyed by trigger. If a procedure
// with the same trigger exists, steps merge: deduplicated, order
// preserved, existing steps first.
func (m *Manager) learnProcedural(ctx context.Context, req LearnRequest) (*LearnResult, error) {
	trigger, steps := parseProcedure(req.Content)
	now := time.Now()

	existing, doc, err := m.findProcedure(ctx, trigger)
	if err == nil {
		existing.Steps = mergeSteps(existing.Steps, steps)
		data, err := json.Marshal(existing)
		if err != nil {
			return nil, err
		}
		doc.Concepts = string(data)
		doc.Content = proceduralContent(existing)
		doc.UpdatedAt = now
		if err := m.store.PutDocument(ctx, doc); err != nil {
			return nil, err
		}
		return &LearnResult{Doc: doc}, nil
	}

	proc := &types.ProceduralMemory{
		Trigger: trigger,
		Steps:   steps,
		Source:  req.Source,
	}
	data, err := json.Marshal(proc)
	if err != nil {
		return nil, err
	}
	doc = &types.Document{
		ID:         uuid.New().String(),
		Layer:      types.LayerProcedural,
		Type:       defaultType(req.Type, "procedure"),
		Content:    proceduralContent(proc),
		Concepts:   string(data),
		Origin:     req.Origin,
		SourcePath: req.Source,
		Project:    req.Project,
		CreatedAt:  now,
		UpdatedAt:  now,
		Confidence: types.FloatToScore(0.70),
		DecayScore: 100,
		CreatedBy:  req.CreatedBy,
	}
	if err := m.store.PutDocument(ctx, doc); err != nil {
		return nil, err
	}
	return &LearnResult{Doc: doc}, nil
}

// SearchProcedures finds procedures matching the query, scoped to the
// procedural layer.
func (m *Manager) SearchProcedures(ctx context.Context, query string, limit int) ([]*types.ProceduralMemory, []*types.Document, error) {
	resp, err := m.engine.Search(ctx, retrieval.Query{
		Text:   query,
		Limit:  limit,
		Mode:   retrieval.ModeHybrid,
		Layers: []types.Layer{types.LayerProcedural},
	})
	if err != nil {
		return nil, nil, err
	}
	var procs []*types.ProceduralMemory
	var docs []*types.Document
	for _, r := range resp.Results {
		var p types.ProceduralMemory
		if json.Unmarshal([]byte(r.Doc.Concepts), &p) != nil {
			continue
		}
		procs = append(procs, &p)
		docs = append(docs, r.Doc)
	}
	return procs, docs, nil
}

// RecordProcedureUsage marks a procedure as used: success count and
// last-used advance, and confidence climbs (capped).
func (m *Manager) RecordProcedureUsage(ctx context.Context, docID string) error {
	doc, err := m.store.GetDocument(ctx, docID)
	if err != nil {
		return err
	}
	var proc types.ProceduralMemory
	if err := json.Unmarshal([]byte(doc.Concepts), &proc); err != nil {
		return err
	}
	now := time.Now()
	proc.SuccessCount++
	proc.LastUsed = &now
	data, err := json.Marshal(&proc)
	if err != nil {
		return err
	}
	doc.Concepts = string(data)
	doc.AccessCount++
	doc.Confidence += 2
	if doc.Confidence > proceduralConfidenceCap {
		doc.Confidence = proceduralConfidenceCap
	}
	doc.UpdatedAt = now
	if err := m.store.PutDocument(ctx, doc); err != nil {
		return err
	}
	m.engine.InvalidateCache()
	return nil
}

func (m *Manager) findProcedure(ctx context.Context, trigger string) (*types.ProceduralMemory, *types.Document, error) {
	docs, err := m.store.ListDocuments(ctx, memstore.ListFilter{
		Layers: []types.Layer{types.LayerProcedural},
	})
	if err != nil {
		return nil, nil, err
	}
	for _, d := range docs {
		var p types.ProceduralMemory
		if json.Unmarshal([]byte(d.Concepts), &p) == nil &&
			strings.EqualFold(p.Trigger, trigger) {
			return &p, d, nil
		}
	}
	return nil, nil, memstore.ErrNotFound
}

// parseProcedure splits "when X then Y" content into a trigger and
// ordered steps. Content without the pattern becomes a single-step
// procedure triggered by its first clause.
func parseProcedure(content string) (string, []string) {
	if m := whenThenRe.FindStringSubmatch(strings.TrimSpace(content)); m != nil {
		trigger := strings.TrimSpace(m[1])
		var steps []string
		for _, s := range strings.Split(m[2], ";") {
			if s = strings.TrimSpace(s); s != "" {
				steps = append(steps, s)
			}
		}
		return trigger, steps
	}
	parts := strings.SplitN(content, ":", 2)
	if len(parts) == 2 {
		return strings.TrimSpace(parts[0]), []string{strings.TrimSpace(parts[1])}
	}
	return strings.TrimSpace(content), []string{strings.TrimSpace(content)}
}

// mergeSteps appends new steps to existing, dropping duplicates while
// preserving order.
func mergeSteps(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	out := make([]string, 0, len(existing)+len(incoming))
	for _, s := range existing {
		key := strings.ToLower(strings.TrimSpace(s))
		if !seen[key] {
			seen[key] = true
			out = append(out, s)
		}
	}
	for _, s := range incoming {
		key := strings.ToLower(strings.TrimSpace(s))
		if !seen[key] {
			seen[key] = true
			out = append(out, s)
		}
	}
	return out
}

func proceduralContent(p *types.ProceduralMemory) string {
	return "When " + p.Trigger + " then " + strings.Join(p.Steps, "; ")
}
