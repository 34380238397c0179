package memstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"
)

// VectorClient talks to the external vector collection over HTTP. The
// backend embeds text itself; this client only moves document ids and
// raw text. An unreachable backend is never fatal for retrieval — the
// engine degrades to lexical-only and sets a warning.
type VectorClient struct {
	baseURL string
	client  *http.Client
	healthy atomic.Bool
}

// NewVectorClient returns a client for the backend at baseURL. An empty
// baseURL yields a client that reports itself unavailable.
func NewVectorClient(baseURL string) *VectorClient {
	v := &VectorClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
	v.healthy.Store(baseURL != "")
	return v
}

// Available reports whether the backend is currently believed reachable.
func (v *VectorClient) Available() bool {
	return v.baseURL != "" && v.healthy.Load()
}

// Ping probes the backend and updates availability.
func (v *VectorClient) Ping(ctx context.Context) bool {
	if v.baseURL == "" {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/health", nil)
	if err != nil {
		v.healthy.Store(false)
		return false
	}
	resp, err := v.client.Do(req)
	if err != nil {
		v.healthy.Store(false)
		return false
	}
	resp.Body.Close()
	ok := resp.StatusCode < 500
	v.healthy.Store(ok)
	return ok
}

// VectorHit is one similarity match.
type VectorHit struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"` // cosine similarity in [0,1]
}

// Upsert stores (or replaces) the embedding for a document.
func (v *VectorClient) Upsert(ctx context.Context, id, content string) error {
	body, _ := json.Marshal(map[string]string{"id": id, "content": content})
	return v.do(ctx, http.MethodPost, "/vectors", body, nil)
}

// Delete removes a document's embedding.
func (v *VectorClient) Delete(ctx context.Context, id string) error {
	return v.do(ctx, http.MethodDelete, "/vectors/"+url.PathEscape(id), nil, nil)
}

// Query returns the top-k most similar documents for the query text.
func (v *VectorClient) Query(ctx context.Context, query string, limit int) ([]VectorHit, error) {
	body, _ := json.Marshal(map[string]interface{}{"query": query, "limit": limit})
	var out struct {
		Hits []VectorHit `json:"hits"`
	}
	if err := v.do(ctx, http.MethodPost, "/query", body, &out); err != nil {
		return nil, err
	}
	return out.Hits, nil
}

// ListIDs returns every document id known to the collection. Used by
// startup reconciliation.
func (v *VectorClient) ListIDs(ctx context.Context) ([]string, error) {
	var out struct {
		IDs []string `json:"ids"`
	}
	if err := v.do(ctx, http.MethodGet, "/vectors", nil, &out); err != nil {
		return nil, err
	}
	return out.IDs, nil
}

func (v *VectorClient) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	if v.baseURL == "" {
		return fmt.Errorf("vector backend not configured")
	}
	var rdr *bytes.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, v.baseURL+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		v.healthy.Store(false)
		return fmt.Errorf("vector backend unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		v.healthy.Store(false)
		return fmt.Errorf("vector backend error: %s", resp.Status)
	}
	v.healthy.Store(true)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("vector backend rejected request: %s", resp.Status)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode vector response: %w", err)
		}
	}
	return nil
}
