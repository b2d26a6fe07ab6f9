package manifest

import (
	"errors"
	"strings"
	"testing"

	"github.com/starford/laguz/internal/apperr"
)

const validDigest = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := New()
	m.PatientAlias = "Foo"
	m.DBSHA256 = validDigest
	m.DocsManifest = []DocEntry{{Path: "docs/scan.pdf", SHA256: validDigest}}

	data, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.PatientAlias != "Foo" || got.DBSHA256 != validDigest {
		t.Errorf("round trip lost fields: %+v", got)
	}
	if got.SchemaVersion != CurrentSchemaVersion {
		t.Errorf("schema_version = %d, want %d", got.SchemaVersion, CurrentSchemaVersion)
	}
}

func TestEncodeIsHumanDiffable(t *testing.T) {
	m := New()
	m.DBSHA256 = validDigest
	data, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(string(data), "\n  \"format\"") {
		t.Errorf("expected indented output, got %q", data)
	}
}

func TestDecodeDefaultsSchemaVersion(t *testing.T) {
	m, err := Decode([]byte(`{"format":"laguz-bundle","version":1,"patient_alias":"Old"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if m.SchemaVersion != 1 {
		t.Errorf("schema_version = %d, want 1 for legacy manifest", m.SchemaVersion)
	}
	if !m.Legacy() {
		t.Error("legacy manifest should report Legacy()")
	}
}

func TestDecodeToleratesUnknownFields(t *testing.T) {
	raw := `{"schema_version":2,"db_sha256":"` + validDigest + `","future_field":{"x":1}}`
	if _, err := Decode([]byte(raw)); err != nil {
		t.Fatalf("unknown fields should be ignored: %v", err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := map[string]string{
		"invalid json":        `{"format":`,
		"v2 without hash":     `{"schema_version":2}`,
		"v2 short hash":       `{"schema_version":2,"db_sha256":"abc"}`,
		"bad docs entry":      `{"schema_version":2,"db_sha256":"` + validDigest + `","docs_manifest":[{"path":"","sha256":"` + validDigest + `"}]}`,
		"wrong version type":  `{"schema_version":"two"}`,
		"zero schema version": `{"schema_version":0}`,
	}
	for name, raw := range cases {
		if _, err := Decode([]byte(raw)); !errors.Is(err, apperr.ErrManifestMalformed) {
			t.Errorf("%s: err = %v, want ErrManifestMalformed", name, err)
		}
	}
}

func TestDecodeExplicitVersionOne(t *testing.T) {
	m, err := Decode([]byte(`{"schema_version":1}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if m.DBSHA256 != "" {
		t.Errorf("unexpected digest on v1 manifest: %q", m.DBSHA256)
	}
}
