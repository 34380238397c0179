package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"
	"unicode"
)

// Segmenter calls an external Thai word-segmentation service. Thai has
// no word boundaries, so unsegmented text defeats the full-text index.
// The service is strictly best-effort: any failure passes the original
// text through.
type Segmenter struct {
	baseURL string
	client  *http.Client
}

// NewSegmenter returns a segmenter for the service at baseURL, or nil
// when baseURL is empty.
func NewSegmenter(baseURL string) *Segmenter {
	if baseURL == "" {
		return nil
	}
	return &Segmenter{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 2 * time.Second},
	}
}

// Segment returns the space-joined segmented form of text. Text without
// Thai characters is returned unchanged without a network call.
func (s *Segmenter) Segment(ctx context.Context, text string) (string, error) {
	if !containsThai(text) {
		return text, nil
	}
	body, _ := json.Marshal(map[string]string{"text": text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/segment", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out struct {
		Tokens []string `json:"tokens"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if len(out.Tokens) == 0 {
		return text, nil
	}
	return strings.Join(out.Tokens, " "), nil
}

func containsThai(s string) bool {
	for _, r := range s {
		if unicode.In(r, unicode.Thai) {
			return true
		}
	}
	return false
}
