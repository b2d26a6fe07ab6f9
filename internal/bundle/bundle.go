// Package bundle implements the patient record bundle lifecycle: layout,
// on-disk stores, verification, and the import/export pipelines.
package bundle

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Fixed archive layout. A bundle contains exactly one database file (plain
// or encrypted), an optional documents subtree, and one manifest at root.
const (
	DBFileName       = "db.sqlite"
	EncDBFileName    = "db.sqlite.enc"
	DocsDirName      = "docs"
	ManifestFileName = "manifest.json"
)

// Encryptor is the opaque encryption collaborator. EncryptDatabase either
// replaces the plaintext database in bundleDir with an encrypted one in
// place, or leaves the directory untouched when encryption is not
// configured.
type Encryptor interface {
	EncryptDatabase(bundleDir string) error
}

// Store owns the on-disk bundle areas under a single data directory:
//
//	inbox/    durable holding area for imported archives
//	staging/  scratch space for not-yet-trusted unpacked copies
//	active/   one active bundle directory per alias slug
//	backup/   one backup copy directory per alias slug
//	exports/  outbound archives
type Store struct {
	root string
}

// NewStore creates the bundle area layout under root.
func NewStore(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("bundle: resolve data dir: %w", err)
	}
	for _, sub := range []string{"inbox", "staging", "active", "backup", "exports"} {
		if err := os.MkdirAll(filepath.Join(abs, sub), 0o755); err != nil {
			return nil, fmt.Errorf("bundle: create %s area: %w", sub, err)
		}
	}
	return &Store{root: abs}, nil
}

// Root returns the data directory.
func (s *Store) Root() string { return s.root }

// InboxDir returns the durable holding area for imported archives.
func (s *Store) InboxDir() string { return filepath.Join(s.root, "inbox") }

// StagingDir returns the scratch area for staged imports.
func (s *Store) StagingDir() string { return filepath.Join(s.root, "staging") }

// ExportsDir returns the outbound archive area.
func (s *Store) ExportsDir() string { return filepath.Join(s.root, "exports") }

// ActivePath returns the active bundle directory for an alias slug.
func (s *Store) ActivePath(slug string) string {
	return filepath.Join(s.root, "active", slug)
}

// BackupPath returns the backup copy directory for an alias slug.
func (s *Store) BackupPath(slug string) string {
	return filepath.Join(s.root, "backup", slug)
}

// HasActive reports whether an active bundle exists for the alias slug.
func (s *Store) HasActive(slug string) bool {
	info, err := os.Stat(filepath.Join(s.ActivePath(slug), DBFileName))
	if err != nil {
		// Encrypted bundles keep only the .enc file.
		info, err = os.Stat(filepath.Join(s.ActivePath(slug), EncDBFileName))
	}
	return err == nil && !info.IsDir()
}

// ActiveSlugs lists the alias slugs that currently have an active bundle.
func (s *Store) ActiveSlugs() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "active"))
	if err != nil {
		return nil, fmt.Errorf("bundle: list active: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && s.HasActive(e.Name()) {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// ReplaceDir installs srcDir as destDir using replace-then-delete: the new
// copy is fully written next to the destination, swapped in by rename, and
// only then is the prior copy removed. The alias is never left without a
// valid bundle mid-operation.
func ReplaceDir(srcDir, destDir string) error {
	parent := filepath.Dir(destDir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("bundle: mkdir %s: %w", parent, err)
	}

	incoming := destDir + ".incoming"
	if err := os.RemoveAll(incoming); err != nil {
		return fmt.Errorf("bundle: clear incoming: %w", err)
	}
	if err := CopyDir(srcDir, incoming); err != nil {
		return err
	}

	old := destDir + ".old"
	if err := os.RemoveAll(old); err != nil {
		_ = os.RemoveAll(incoming)
		return fmt.Errorf("bundle: clear old: %w", err)
	}
	replaced := false
	if _, err := os.Stat(destDir); err == nil {
		if err := os.Rename(destDir, old); err != nil {
			_ = os.RemoveAll(incoming)
			return fmt.Errorf("bundle: set aside prior copy: %w", err)
		}
		replaced = true
	}
	if err := os.Rename(incoming, destDir); err != nil {
		// Put the prior copy back; the swap failed before deletion.
		if replaced {
			_ = os.Rename(old, destDir)
		}
		_ = os.RemoveAll(incoming)
		return fmt.Errorf("bundle: install %s: %w", destDir, err)
	}
	if replaced {
		_ = os.RemoveAll(old)
	}
	return nil
}

// CopyDir recursively copies srcDir to destDir. destDir must not exist.
func CopyDir(srcDir, destDir string) error {
	return filepath.WalkDir(srcDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("bundle: walk %s: %w", srcDir, err)
		}
		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return err
		}
		target := filepath.Join(destDir, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(p, target)
	})
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("bundle: open %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("bundle: mkdir for %s: %w", dest, err)
	}
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("bundle: create %s: %w", dest, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("bundle: copy to %s: %w", dest, err)
	}
	return out.Close()
}

// DatabasePath returns the path of whichever database artifact is present
// in dir: the encrypted file wins when both exist.
func DatabasePath(dir string) (string, bool) {
	enc := filepath.Join(dir, EncDBFileName)
	if info, err := os.Stat(enc); err == nil && !info.IsDir() {
		return enc, true
	}
	plain := filepath.Join(dir, DBFileName)
	if info, err := os.Stat(plain); err == nil && !info.IsDir() {
		return plain, false
	}
	return "", false
}
