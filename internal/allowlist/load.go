package allowlist

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LoadFromFile reads a YAML category table. When manifestPath is set the
// file's sha256 must be listed there first. The loaded table replaces the
// builtin one entirely and must define the default category.
func LoadFromFile(path, manifestPath string) (*Registry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	if manifestPath != "" {
		if err := VerifyManifest(path, b, manifestPath); err != nil {
			return nil, err
		}
	}
	r, err := Load(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

// Load parses a YAML category table. Unknown fields are rejected.
func Load(data []byte) (*Registry, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var t Table
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	r, err := New(t)
	if err != nil {
		return nil, fmt.Errorf("validate policy: %w", err)
	}
	return r, nil
}

// VerifyManifest checks data against a sha256sum-style manifest
// ("<hex digest>  <file name>" per line).
func VerifyManifest(path string, data []byte, manifestPath string) error {
	manifest, err := os.ReadFile(manifestPath)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	base := filepath.Base(path)
	expected := ""
	for _, ln := range bytes.Split(bytes.TrimSpace(manifest), []byte{'\n'}) {
		fields := bytes.Fields(ln)
		if len(fields) >= 2 && string(fields[1]) == base {
			expected = string(fields[0])
			break
		}
	}
	if expected == "" {
		return fmt.Errorf("policy not listed in manifest: %s", base)
	}
	actual := sha256.Sum256(data)
	if expected != hex.EncodeToString(actual[:]) {
		return fmt.Errorf("policy hash mismatch: %s", base)
	}
	return nil
}
