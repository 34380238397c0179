package ipc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret")

func TestSignVerifyRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		doc  map[string]interface{}
	}{
		{"flat", map[string]interface{}{"type": "message", "body": "hello"}},
		{"nested", map[string]interface{}{
			"type": "result",
			"payload": map[string]interface{}{
				"status": "success",
				"result": "done",
			},
		}},
		{"unicode", map[string]interface{}{"body": "สวัสดีครับ"}},
		{"empty", map[string]interface{}{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signed, err := Sign(tt.doc, testSecret)
			require.NoError(t, err)

			got, err := Verify(signed, testSecret)
			require.NoError(t, err)

			want, err := json.Marshal(stripHMAC(tt.doc))
			require.NoError(t, err)
			gotJSON, err := json.Marshal(got)
			require.NoError(t, err)
			assert.JSONEq(t, string(want), string(gotJSON))
		})
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	signed, err := Sign(map[string]interface{}{"body": "original"}, testSecret)
	require.NoError(t, err)

	tampered := []byte(string(signed))
	for i := 0; i+8 <= len(tampered); i++ {
		if string(tampered[i:i+8]) == "original" {
			copy(tampered[i:], "altered!")
			break
		}
	}
	_, err = Verify(tampered, testSecret)
	assert.ErrorIs(t, err, ErrHMACMismatch)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	signed, err := Sign(map[string]interface{}{"body": "x"}, testSecret)
	require.NoError(t, err)

	_, err = Verify(signed, []byte("other-secret"))
	assert.ErrorIs(t, err, ErrHMACMismatch)
}

func TestVerifyRejectsMissingSignature(t *testing.T) {
	_, err := Verify([]byte(`{"body":"x"}`), testSecret)
	assert.ErrorIs(t, err, ErrHMACMismatch)

	_, err = Verify([]byte(`not json`), testSecret)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrHMACMismatch)
}

func TestCanonicalIsStable(t *testing.T) {
	doc := map[string]interface{}{"b": 1.0, "a": "x", "c": map[string]interface{}{"z": true, "y": false}}
	first, err := Canonical(doc)
	require.NoError(t, err)
	second, err := Canonical(doc)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	// Keys sorted.
	assert.Regexp(t, `(?s)"a".*"b".*"c".*"y".*"z"`, string(first))
}

func stripHMAC(doc map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		if k == hmacField {
			continue
		}
		out[k] = v
	}
	return out
}
