package search

import (
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/tools/files"
)

// skipDirs are never descended into.
var skipDirs = map[string]bool{
	".git":         true,
	".hg":          true,
	".svn":         true,
	"node_modules": true,
}

// walkFiles visits regular files under root whose slash-separated path
// relative to root matches pattern. An empty pattern matches every file.
// Symlinked files are followed only when they resolve inside the allowed
// roots.
func walkFiles(root string, pattern string, ec agent.ExecutionContext, fn func(path, rel string) (bool, error)) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if d.IsDir() {
			if path != root && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if pattern != "" {
			ok, err := matchPath(pattern, rel)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
		}
		if d.Type()&fs.ModeSymlink != 0 {
			if ec.Paths == nil {
				return nil
			}
			if _, err := files.ResolveIn(ec, path); err != nil {
				return nil
			}
		} else if !d.Type().IsRegular() {
			return nil
		}
		more, err := fn(path, rel)
		if err != nil {
			return err
		}
		if !more {
			return fs.SkipAll
		}
		return nil
	})
}

// matchPath matches a doublestar pattern against rel. Patterns without a
// slash also match the base name, so "*.go" finds Go files at any depth.
func matchPath(pattern, rel string) (bool, error) {
	ok, err := doublestar.Match(pattern, rel)
	if err != nil || ok {
		return ok, err
	}
	if !strings.Contains(pattern, "/") {
		return doublestar.Match(pattern, filepath.Base(filepath.FromSlash(rel)))
	}
	return false, nil
}
