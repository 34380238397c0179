package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chaiyawut/butler/pkg/memstore"
	"github.com/chaiyawut/butler/pkg/types"
)

// User-model documents are fixed points of the lifecycle: private,
// decay pinned at 100, never expiring, confidence 0.95.
const userModelConfidence = 95

// GetUserModel returns the user-model document for userID, or
// memstore.ErrNotFound.
func (m *Manager) GetUserModel(ctx context.Context, userID string) (*types.UserModel, *types.Document, error) {
	doc, err := m.findUserModelDoc(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	var um types.UserModel
	if err := json.Unmarshal([]byte(doc.Concepts), &um); err != nil {
		return nil, nil, fmt.Errorf("corrupt user model envelope for %s: %w", userID, err)
	}
	m.trackAccess(doc.ID)
	return &um, doc, nil
}

// UpdateUserModel deep-merges the patch into the stored model, creating
// the document on first write. Merge rules: arrays are replaced, nested
// objects merged, absent fields skipped, explicit nulls written.
func (m *Manager) UpdateUserModel(ctx context.Context, userID string, patch map[string]interface{}) (*types.UserModel, error) {
	now := time.Now()
	doc, err := m.findUserModelDoc(ctx, userID)
	current := make(map[string]interface{})
	if err == nil {
		if err := json.Unmarshal([]byte(doc.Concepts), &current); err != nil {
			current = make(map[string]interface{})
		}
	} else {
		doc = &types.Document{
			ID:        uuid.New().String(),
			Layer:     types.LayerUserModel,
			Type:      "user_model",
			CreatedAt: now,
			IsPrivate: true,
		}
		current["userId"] = userID
	}

	merged := DeepMerge(current, patch)
	merged["userId"] = userID
	data, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}

	doc.Concepts = string(data)
	doc.Content = userModelContent(merged)
	doc.UpdatedAt = now
	doc.Confidence = userModelConfidence
	doc.DecayScore = 100
	doc.ExpiresAt = nil
	doc.IsPrivate = true
	doc.Origin = "user_model"

	if err := m.store.PutDocument(ctx, doc); err != nil {
		return nil, err
	}
	m.engine.InvalidateCache()

	var um types.UserModel
	if err := json.Unmarshal(data, &um); err != nil {
		return nil, err
	}
	return &um, nil
}

// DeleteUserModel removes the user-model document for userID.
func (m *Manager) DeleteUserModel(ctx context.Context, userID string) error {
	doc, err := m.findUserModelDoc(ctx, userID)
	if err != nil {
		return err
	}
	if err := m.store.DeleteDocument(ctx, doc.ID); err != nil {
		return err
	}
	m.engine.InvalidateCache()
	return nil
}

// learnUserModel routes free-form content into the model's notes.
func (m *Manager) learnUserModel(ctx context.Context, req LearnRequest) (*LearnResult, error) {
	userID := req.CreatedBy
	if userID == "" {
		userID = "default"
	}
	um, err := m.UpdateUserModel(ctx, userID, map[string]interface{}{
		"notes": req.Content,
	})
	if err != nil {
		return nil, err
	}
	doc, err := m.findUserModelDoc(ctx, um.UserID)
	if err != nil {
		return nil, err
	}
	return &LearnResult{Doc: doc}, nil
}

func (m *Manager) findUserModelDoc(ctx context.Context, userID string) (*types.Document, error) {
	docs, err := m.store.ListDocuments(ctx, memstore.ListFilter{
		Layers: []types.Layer{types.LayerUserModel},
	})
	if err != nil {
		return nil, err
	}
	for _, d := range docs {
		var um types.UserModel
		if json.Unmarshal([]byte(d.Concepts), &um) == nil && um.UserID == userID {
			return d, nil
		}
	}
	return nil, memstore.ErrNotFound
}

// userModelContent builds the indexable text form of the model.
func userModelContent(model map[string]interface{}) string {
	data, _ := json.Marshal(model)
	return string(data)
}

// DeepMerge merges patch into base and returns the result. Arrays are
// replaced wholesale, nested maps merged recursively, explicit nulls
// written through, and keys absent from the patch left untouched.
// DeepMerge(x, empty) == x and DeepMerge(empty, y) == y.
func DeepMerge(base, patch map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		if v == nil {
			out[k] = nil
			continue
		}
		pm, pOK := v.(map[string]interface{})
		bm, bOK := out[k].(map[string]interface{})
		if pOK && bOK {
			out[k] = DeepMerge(bm, pm)
			continue
		}
		out[k] = v
	}
	return out
}
