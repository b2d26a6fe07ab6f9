package api

import (
	"github.com/starford/laguz/internal/bundle"
)

// ImportResponse is returned by the import and confirm endpoints. Status
// is "activated", "reused" or "pending"; exactly one of Activation or
// Pending is set.
type ImportResponse struct {
	Status     string             `json:"status" validate:"required"`
	Activation *bundle.Activation `json:"activation,omitempty"`
	Pending    *bundle.Pending    `json:"pending,omitempty"`
}

// BundleInfo describes one active bundle in a list response.
type BundleInfo struct {
	Slug          string `json:"slug" validate:"required"`
	Alias         string `json:"alias,omitempty"`
	Path          string `json:"path" validate:"required"`
	SchemaVersion int    `json:"schema_version,omitempty"`
	Encrypted     bool   `json:"encrypted,omitempty"`
	ExportedAt    string `json:"exported_at,omitempty"`
}

// BundleListResponse wraps active bundle listings.
type BundleListResponse struct {
	Bundles []BundleInfo `json:"bundles" validate:"required"`
	Total   int          `json:"total" validate:"required"`
}

// ExportResponse is returned after a successful export.
type ExportResponse struct {
	Archive  string           `json:"archive" validate:"required"`
	URL      string           `json:"url" validate:"required"`
	Warnings []bundle.Warning `json:"warnings,omitempty"`
}

// SessionResponse reports the persisted session state.
type SessionResponse struct {
	LastLoadedBundle string `json:"last_loaded_bundle,omitempty"`
	LastLoadedAlias  string `json:"last_loaded_alias,omitempty"`
}
