// Package archive packs and unpacks bundle directories as zip files. The
// internal layout is fixed (database and manifest at the root, documents
// under docs/); this is deliberately not a general-purpose archiver.
package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Pack writes the contents of srcDir into a zip file at zipPath. Entry
// names use forward slashes relative to srcDir. A pre-existing file at
// zipPath is removed first (overwrite, not append).
func Pack(srcDir, zipPath string) error {
	if err := os.Remove(zipPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("archive: remove old %s: %w", zipPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(zipPath), 0o755); err != nil {
		return fmt.Errorf("archive: mkdir %s: %w", filepath.Dir(zipPath), err)
	}

	out, err := os.Create(zipPath)
	if err != nil {
		return fmt.Errorf("archive: create %s: %w", zipPath, err)
	}

	zw := zip.NewWriter(out)
	walkErr := filepath.WalkDir(srcDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
	if walkErr != nil {
		zw.Close()
		out.Close()
		_ = os.Remove(zipPath)
		return fmt.Errorf("archive: pack %s: %w", srcDir, walkErr)
	}
	if err := zw.Close(); err != nil {
		out.Close()
		_ = os.Remove(zipPath)
		return fmt.Errorf("archive: finalize %s: %w", zipPath, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(zipPath)
		return fmt.Errorf("archive: close %s: %w", zipPath, err)
	}
	return nil
}

// Unpack extracts zipPath into destDir, which is created if absent. Entry
// names that would escape destDir are rejected.
func Unpack(zipPath, destDir string) error {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("archive: open %s: %w", zipPath, err)
	}
	defer zr.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("archive: mkdir %s: %w", destDir, err)
	}

	for _, entry := range zr.File {
		abs, err := safeJoin(destDir, entry.Name)
		if err != nil {
			return err
		}
		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(abs, 0o755); err != nil {
				return fmt.Errorf("archive: mkdir %s: %w", abs, err)
			}
			continue
		}
		if err := extractFile(entry, abs); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(entry *zip.File, abs string) error {
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("archive: mkdir for %s: %w", entry.Name, err)
	}
	src, err := entry.Open()
	if err != nil {
		return fmt.Errorf("archive: open entry %s: %w", entry.Name, err)
	}
	defer src.Close()

	dst, err := os.Create(abs)
	if err != nil {
		return fmt.Errorf("archive: create %s: %w", abs, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("archive: extract %s: %w", entry.Name, err)
	}
	return dst.Close()
}

// safeJoin resolves an archive entry name under root and rejects traversal.
func safeJoin(root, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(cleaned) || strings.HasPrefix(cleaned, "..") {
		return "", fmt.Errorf("archive: entry escapes destination: %s", name)
	}
	return filepath.Join(root, cleaned), nil
}
