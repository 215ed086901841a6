package bindrelease

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charlievieth/fastwalk"
	"github.com/magefile/mage/sh"
)

// resetDir removes dir and recreates it empty. Every stage calls this on
// its own output directory before writing, so leftovers of an interrupted
// run are overwritten rather than merged.
func resetDir(dir string) error {
	if err := sh.Rm(dir); err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

// copyFile copies srcPath to destPath, creating parent directories and
// preserving the permission bits of the source.
func copyFile(srcPath, destPath string) error {
	info, err := os.Stat(srcPath)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", srcPath)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	if err := sh.Copy(destPath, srcPath); err != nil {
		return err
	}
	return os.Chmod(destPath, info.Mode().Perm())
}

// copyTree copies every regular file and directory below src into dst.
// Symlinks are not followed.
func copyTree(src, dst string) error {
	conf := fastwalk.Config{Follow: false}
	return fastwalk.Walk(&conf, src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type().IsRegular():
			return copyFile(path, target)
		default:
			return nil
		}
	})
}

// globFiles returns the slash-separated paths below root matching the
// doublestar pattern, sorted.
func globFiles(root, pattern string) ([]string, error) {
	matches, err := doublestar.Glob(os.DirFS(root), pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("failed to glob pattern %s in %s: %w", pattern, root, err)
	}
	sort.Strings(matches)
	return matches, nil
}

// requireFile returns an ErrArtifactMissing error unless path is a regular file.
func requireFile(what, path string) error {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return missingArtifact(what, path)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// safeRelativePath cleans path and refuses anything escaping its root.
func safeRelativePath(path string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(path))
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes its root", path)
	}
	return clean, nil
}

// withinDir reports whether path is dir or below it.
func withinDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
