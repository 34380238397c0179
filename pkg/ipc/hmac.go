package ipc

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ErrHMACMismatch is returned when a payload's signature does not verify.
// Callers quarantine the offending file and raise an alert.
var ErrHMACMismatch = fmt.Errorf("hmac mismatch")

// hmacField is the trailing signature field on every IPC document.
const hmacField = "_hmac"

// Canonical serializes a document in the canonical form both sides sign:
// keys sorted, two-space indent, LF line endings. encoding/json already
// sorts map keys and emits LF, so the indent is the only extra rule.
func Canonical(doc map[string]interface{}) ([]byte, error) {
	return json.MarshalIndent(doc, "", "  ")
}

// Sign computes the HMAC-SHA256 of the canonical serialization with
// _hmac removed, attaches it, and returns the canonical signed bytes.
func Sign(doc map[string]interface{}, secret []byte) ([]byte, error) {
	delete(doc, hmacField)
	canon, err := Canonical(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize payload: %w", err)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(canon)
	doc[hmacField] = hex.EncodeToString(mac.Sum(nil))
	return Canonical(doc)
}

// Verify parses data, checks the trailing _hmac over the rest of the
// document, and returns the document with the signature stripped.
func Verify(data []byte, secret []byte) (map[string]interface{}, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("malformed ipc payload: %w", err)
	}
	sig, _ := doc[hmacField].(string)
	if sig == "" {
		return nil, ErrHMACMismatch
	}
	delete(doc, hmacField)
	canon, err := Canonical(doc)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(canon)
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return nil, ErrHMACMismatch
	}
	return doc, nil
}
