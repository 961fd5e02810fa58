package files

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/switchboard/internal/agent"
)

// Resolver confines paths to a set of allowed roots. It implements
// agent.PathValidator.
type Resolver struct {
	roots []string
}

// NewResolver builds a resolver over roots. Each root is made absolute and
// symlink-resolved once, so later comparisons are against resolved paths.
func NewResolver(roots ...string) (*Resolver, error) {
	r := &Resolver{}
	for _, root := range roots {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("resolve root %q: %w", root, err)
		}
		resolved, err := filepath.EvalSymlinks(abs)
		if err != nil {
			return nil, fmt.Errorf("resolve root %q: %w", root, err)
		}
		r.roots = append(r.roots, resolved)
	}
	if len(r.roots) == 0 {
		return nil, errors.New("at least one allowed root is required")
	}
	return r, nil
}

// Roots returns the resolved allowed roots.
func (r *Resolver) Roots() []string {
	return append([]string(nil), r.roots...)
}

// Validate returns the absolute, symlink-resolved form of path when it is an
// allowed root or sits beneath one. Relative paths resolve against the
// process working directory. Paths that do not exist yet are resolved
// through their nearest existing ancestor.
func (r *Resolver) Validate(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("%w: path is required", agent.ErrPathRejected)
	}
	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", fmt.Errorf("%w: %v", agent.ErrPathRejected, err)
	}
	resolved, err := evalExisting(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", agent.ErrPathRejected, path, err)
	}
	for _, root := range r.roots {
		if within(root, resolved) {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("%w: %s is outside the allowed roots", agent.ErrPathRejected, path)
}

// maxLinkHops bounds how many dangling symlinks evalExisting follows.
const maxLinkHops = 40

// evalExisting resolves symlinks in the longest existing prefix of abs and
// re-appends the missing tail. A dangling symlink is resolved to its target,
// so the caller checks where a write through it would land.
func evalExisting(abs string) (string, error) {
	return evalPath(abs, 0)
}

func evalPath(abs string, hops int) (string, error) {
	if hops > maxLinkHops {
		return "", errors.New("too many levels of symbolic links")
	}
	var tail []string
	cur := abs
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return joinTail(resolved, tail), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		if info, lerr := os.Lstat(cur); lerr == nil && info.Mode()&fs.ModeSymlink != 0 {
			target, err := os.Readlink(cur)
			if err != nil {
				return "", err
			}
			if !filepath.IsAbs(target) {
				dir, err := filepath.EvalSymlinks(filepath.Dir(cur))
				if err != nil {
					return "", err
				}
				target = filepath.Join(dir, target)
			}
			resolved, err := evalPath(target, hops+1)
			if err != nil {
				return "", err
			}
			return joinTail(resolved, tail), nil
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", err
		}
		tail = append(tail, filepath.Base(cur))
		cur = parent
	}
}

func joinTail(base string, tail []string) string {
	for i := len(tail) - 1; i >= 0; i-- {
		base = filepath.Join(base, tail[i])
	}
	return base
}

func within(root, target string) bool {
	if root == target {
		return true
	}
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator)) && !filepath.IsAbs(rel)
}

// ResolveIn joins a tool-supplied path with the execution context's working
// directory and validates the result. Without a validator the joined path is
// returned as is.
func ResolveIn(ec agent.ExecutionContext, path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", errors.New("path is required")
	}
	if !filepath.IsAbs(clean) && ec.WorkDir != "" {
		clean = filepath.Join(ec.WorkDir, clean)
	}
	if ec.Paths == nil {
		return filepath.Abs(clean)
	}
	return ec.Paths.Validate(clean)
}
