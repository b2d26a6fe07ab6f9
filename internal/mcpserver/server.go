// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes Laguz bundle tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/laguz/internal/bundle"
	"github.com/starford/laguz/internal/manifest"
)

// Server wraps the MCP server with Laguz tools.
type Server struct {
	mcp   *server.MCPServer
	store *bundle.Store
	exp   *bundle.Exporter
}

// New creates a new MCP server with all Laguz tools registered.
func New(store *bundle.Store, exp *bundle.Exporter) *Server {
	s := &Server{store: store, exp: exp}

	s.mcp = server.NewMCPServer(
		"Laguz",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("list_bundles",
		mcp.WithDescription("List all active patient record bundles with their manifest summary."),
	), s.listBundles)

	s.mcp.AddTool(mcp.NewTool("verify_bundle",
		mcp.WithDescription("Run the integrity checks on an active bundle: manifest shape, "+
			"database header and hash, per-document hashes. Returns the verdict and any warnings."),
		mcp.WithString("slug", mcp.Required(), mcp.Description("Slug of the active bundle (e.g. Ada)")),
	), s.verifyBundle)

	s.mcp.AddTool(mcp.NewTool("export_bundle",
		mcp.WithDescription("Export an active bundle into a verifiable archive: checkpoint, "+
			"health-check, encrypt, hash and package. Returns the archive filename. "+
			"Read the archive layout first via the laguz://bundle-format resource."),
		mcp.WithString("slug", mcp.Required(), mcp.Description("Slug of the bundle to export")),
	), s.exportBundle)

	s.mcp.AddTool(mcp.NewTool("get_bundle_contract",
		mcp.WithDescription("Returns the canonical bundle archive layout and manifest contract."),
	), s.getBundleContract)

	// Resource: bundle archive contract.
	s.mcp.AddResource(
		mcp.NewResource("laguz://bundle-format", "Bundle Format Contract",
			mcp.WithResourceDescription("Canonical archive layout and manifest schema for record bundles."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readBundleFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// bundleSummary is the per-bundle entry returned by list_bundles.
type bundleSummary struct {
	Slug          string `json:"slug"`
	Alias         string `json:"alias,omitempty"`
	SchemaVersion int    `json:"schema_version,omitempty"`
	Encrypted     bool   `json:"encrypted,omitempty"`
	ExportedAt    string `json:"exported_at,omitempty"`
}

func (s *Server) listBundles(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	slugs, err := s.store.ActiveSlugs()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(slugs) == 0 {
		return mcp.NewToolResultText("no active bundles"), nil
	}
	summaries := make([]bundleSummary, 0, len(slugs))
	for _, slug := range slugs {
		entry := bundleSummary{Slug: slug}
		data, readErr := os.ReadFile(filepath.Join(s.store.ActivePath(slug), bundle.ManifestFileName))
		if readErr == nil {
			if m, decErr := manifest.Decode(data); decErr == nil {
				entry.Alias = m.PatientAlias
				entry.SchemaVersion = m.SchemaVersion
				entry.Encrypted = m.Encrypted
				entry.ExportedAt = m.ExportedAt
			}
		}
		summaries = append(summaries, entry)
	}
	out, _ := json.MarshalIndent(summaries, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) verifyBundle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	slug, err := req.RequireString("slug")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !s.store.HasActive(slug) {
		return mcp.NewToolResultError(fmt.Sprintf("no active bundle: %s", slug)), nil
	}
	m, warnings, err := bundle.Verify(s.store.ActivePath(slug))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("verification failed: %v", err)), nil
	}
	report := map[string]any{
		"slug":           slug,
		"verdict":        "ok",
		"schema_version": m.SchemaVersion,
		"warnings":       warnings,
	}
	out, _ := json.MarshalIndent(report, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) exportBundle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	slug, err := req.RequireString("slug")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	archivePath, warnings, err := s.exp.Export(ctx, slug)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("export failed: %v", err)), nil
	}
	report := map[string]any{
		"archive":  filepath.Base(archivePath),
		"warnings": warnings,
	}
	out, _ := json.MarshalIndent(report, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) getBundleContract(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(BundleFormatContract), nil
}

func (s *Server) readBundleFormatResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      "laguz://bundle-format",
			MIMEType: "text/markdown",
			Text:     BundleFormatContract,
		},
	}, nil
}
