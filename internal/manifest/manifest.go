// Package manifest serializes the versioned bundle manifest.
//
// Schema history:
//
//	version 1: provenance fields only, no hashes (legacy bundles).
//	version 2: adds db_sha256 (required) and docs_manifest.
//
// Decoding tolerates unknown fields so newer exporters can add fields
// without breaking older readers.
package manifest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/starford/laguz/internal/apperr"
)

// Format is the constant format tag written into every manifest.
const Format = "laguz-bundle"

// CurrentSchemaVersion is the schema version written by the exporter.
const CurrentSchemaVersion = 2

// DocEntry records the digest of one file under the documents subtree,
// addressed by its path relative to the bundle root.
type DocEntry struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// Manifest describes a bundle's contents, provenance and integrity hashes.
type Manifest struct {
	Format        string     `json:"format"`
	Version       int        `json:"version"` // legacy field, always 1
	SchemaVersion int        `json:"schema_version"`
	Encrypted     bool       `json:"encrypted"`
	ExportedAt    string     `json:"exported_at"`
	IncludesDocs  bool       `json:"includes_docs"`
	PatientID     string     `json:"patient_id"`
	PatientAlias  string     `json:"patient_alias"`
	DOB           string     `json:"dob"`
	PatientSex    string     `json:"patient_sex"`
	DBSHA256      string     `json:"db_sha256,omitempty"`
	DocsManifest  []DocEntry `json:"docs_manifest,omitempty"`
}

// New returns a manifest pre-filled with the current format tag, legacy
// version and export timestamp.
func New() *Manifest {
	return &Manifest{
		Format:        Format,
		Version:       1,
		SchemaVersion: CurrentSchemaVersion,
		ExportedAt:    time.Now().UTC().Format(time.RFC3339),
	}
}

// Legacy reports whether the manifest predates hash verification.
func (m *Manifest) Legacy() bool {
	return m.SchemaVersion < 2
}

// Encode serializes the manifest as indented JSON so exported bundles stay
// human-diffable.
func (m *Manifest) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("manifest: encode: %w", err)
	}
	return append(data, '\n'), nil
}

// Decode parses manifest bytes. Unknown fields are ignored for forward
// compatibility. A missing schema_version defaults to 1 because legacy
// bundles predate the field. Returns ErrManifestMalformed when the JSON is
// invalid or fields required by the declared schema version are absent.
func Decode(data []byte) (*Manifest, error) {
	// Peek at the raw keys before strict decoding so an absent
	// schema_version can be told apart from an explicit zero.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: invalid json: %v", apperr.ErrManifestMalformed, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrManifestMalformed, err)
	}
	if _, ok := raw["schema_version"]; !ok {
		m.SchemaVersion = 1
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if m.SchemaVersion < 1 {
		return fmt.Errorf("%w: schema_version %d out of range", apperr.ErrManifestMalformed, m.SchemaVersion)
	}
	if m.SchemaVersion >= 2 {
		if m.DBSHA256 == "" {
			return fmt.Errorf("%w: schema_version %d requires db_sha256", apperr.ErrManifestMalformed, m.SchemaVersion)
		}
		if len(m.DBSHA256) != 64 {
			return fmt.Errorf("%w: db_sha256 is not a sha-256 hex digest", apperr.ErrManifestMalformed)
		}
		for _, d := range m.DocsManifest {
			if d.Path == "" || len(d.SHA256) != 64 {
				return fmt.Errorf("%w: docs_manifest entry %q invalid", apperr.ErrManifestMalformed, d.Path)
			}
		}
	}
	return nil
}
