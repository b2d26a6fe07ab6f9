package mcpserver

// BundleFormatContract describes the canonical archive layout that every
// record bundle MUST follow. Exposed to LLM consumers as a resource so
// they can reason about archives before asking for imports or exports.
const BundleFormatContract = `# Laguz Bundle Format Contract

Every record bundle archive produced or accepted by Laguz MUST follow
this layout.

## Archive layout

` + "```" + `text
<slug>-<timestamp>.zip
├── manifest.json        # REQUIRED – integrity manifest (see below)
├── db.sqlite            # the record database (plaintext bundles)
├── db.sqlite.enc        # OR the encrypted database (encrypted bundles)
└── docs/                # OPTIONAL – attached documents, any nesting
    └── ...
` + "```" + `

Exactly one of ` + "`" + `db.sqlite` + "`" + ` or ` + "`" + `db.sqlite.enc` + "`" + ` is present. A plaintext
database must start with the SQLite header ` + "`" + `SQLite format 3\0` + "`" + `.

## manifest.json

` + "```" + `json
{
  "format": "laguz-bundle",
  "version": 1,
  "schema_version": 2,
  "encrypted": false,
  "exported_at": "2026-01-15T10:00:00Z",
  "includes_docs": true,
  "patient_id": "p-0001",
  "patient_alias": "Ada",
  "dob": "2019-03-07",
  "patient_sex": "",
  "db_sha256": "<64 hex chars>",
  "docs_manifest": [
    {"path": "docs/referral.pdf", "sha256": "<64 hex chars>"}
  ]
}
` + "```" + `

## Rules

1. **` + "`" + `db_sha256` + "`" + ` is binding.** For ` + "`" + `schema_version >= 2` + "`" + ` the database
   file hash MUST match or the import is rejected outright.
2. **Document hashes are advisory.** A missing or mismatched entry in
   ` + "`" + `docs_manifest` + "`" + ` produces a warning, never a rejection.
3. **Legacy bundles** (` + "`" + `schema_version < 2` + "`" + ` or no ` + "`" + `schema_version` + "`" + `
   field) are accepted without hash verification.
4. **Paths** in ` + "`" + `docs_manifest` + "`" + ` are archive-relative, forward slashes,
   and must stay inside the archive (no ` + "`" + `..` + "`" + `).
5. **Encrypted bundles** set ` + "`" + `"encrypted": true` + "`" + ` and ship
   ` + "`" + `db.sqlite.enc` + "`" + `; ` + "`" + `db_sha256` + "`" + ` then covers the ciphertext.
6. **Timestamps** are UTC RFC 3339.
`
