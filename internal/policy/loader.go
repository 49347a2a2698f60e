package policy

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Load reads the policy document. A missing file yields the default
// document; any other failure, including unknown fields, is an error so a
// typoed key never silently loosens policy.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultDocument(), nil
		}
		return nil, fmt.Errorf("read policy: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	// Pre-seed runtime defaults: a document with no runtime section
	// must not decode to a zero rate limit and reload disabled.
	doc := Document{Runtime: DefaultRuntimeSettings()}
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	return &doc, nil
}

// Save writes the document atomically: temp file in the same directory,
// then rename.
func Save(path string, doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}
	data = append(data, '\n')
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create policy dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write policy: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace policy: %w", err)
	}
	return nil
}

// EnsureFile creates the default policy document at path when none
// exists. Returns the loaded document and whether it was created.
func EnsureFile(path string) (*Document, bool, error) {
	if _, err := os.Stat(path); err == nil {
		doc, err := Load(path)
		return doc, false, err
	}
	doc := DefaultDocument()
	if err := Save(path, doc); err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

// Clone deep-copies a document via its JSON form.
func Clone(doc *Document) (*Document, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var out Document
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Hash returns the canonical sha256 of a document. The value is stable
// across field order and whitespace: the document is round-tripped
// through a generic map so keys marshal sorted.
func Hash(doc *Document) (string, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return "", err
	}
	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
