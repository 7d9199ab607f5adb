package tefactory

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"strings"
)

// ErrCyclicDependency reports an import chain that loops back on itself.
var ErrCyclicDependency = errors.New("cyclic dependency")

// ReadFunc fetches a repository file by its docroot path. Missing files
// must be reported with an error matching fs.ErrNotExist.
type ReadFunc func(docrootPath string) ([]byte, error)

// Resolver produces the repository files a script depends on.
type Resolver interface {
	// Resolve returns the docroot paths of every file the source depends
	// on, directly or transitively, in first-discovery order.
	Resolve(source, sourcePath string) ([]string, error)
}

// ImportResolver scans import statements and resolves them against the
// repository tree, depth-first.
//
// An imported name maps to file candidates by replacing dots with path
// separators and appending each configured extension. The directory of
// the importing file is probed first, then the repository root; names
// that resolve nowhere are assumed to be provided by the TE runtime and
// skipped.
type ImportResolver struct {
	read ReadFunc
	root string
	exts []string
}

// NewImportResolver builds a resolver reading through read. root
// defaults to /repository and exts to [".py"].
func NewImportResolver(read ReadFunc, root string, exts []string) *ImportResolver {
	if root == "" {
		root = "/repository"
	}
	if len(exts) == 0 {
		exts = []string{".py"}
	}
	return &ImportResolver{read: read, root: root, exts: exts}
}

var (
	importRe     = regexp.MustCompile(`^\s*import\s+(.+?)\s*$`)
	fromImportRe = regexp.MustCompile(`^\s*from\s+([\w.]+)\s+import\b`)
	moduleNameRe = regexp.MustCompile(`^[\w.]+$`)
)

// scanImports lists the module names a source imports, in order of
// appearance, deduplicated.
func scanImports(source string) []string {
	var names []string
	seen := make(map[string]bool)
	add := func(name string) {
		if name == "" || !moduleNameRe.MatchString(name) || seen[name] {
			return
		}
		seen[name] = true
		names = append(names, name)
	}
	for _, line := range strings.Split(source, "\n") {
		if m := fromImportRe.FindStringSubmatch(line); m != nil {
			add(m[1])
			continue
		}
		if m := importRe.FindStringSubmatch(line); m != nil {
			for _, token := range strings.Split(m[1], ",") {
				name := strings.TrimSpace(token)
				if i := strings.Index(name, " as "); i >= 0 {
					name = strings.TrimSpace(name[:i])
				}
				add(name)
			}
		}
	}
	return names
}

type resolveState struct {
	onStack  map[string]bool
	resolved map[string]bool
	order    []string
}

// Resolve implements Resolver.
func (r *ImportResolver) Resolve(source, sourcePath string) ([]string, error) {
	state := &resolveState{
		onStack:  make(map[string]bool),
		resolved: make(map[string]bool),
	}
	if err := r.resolve(source, sourcePath, state); err != nil {
		return nil, err
	}
	return state.order, nil
}

func (r *ImportResolver) resolve(source, sourcePath string, st *resolveState) error {
	st.onStack[sourcePath] = true
	defer delete(st.onStack, sourcePath)

	baseDir := path.Dir(sourcePath)
	for _, name := range scanImports(source) {
		filename, content, err := r.lookup(baseDir, strings.ReplaceAll(name, ".", "/"))
		if err != nil {
			return err
		}
		if filename == "" {
			// Not in the repository: a runtime-provided module.
			continue
		}
		if st.onStack[filename] {
			return fmt.Errorf("%w: %s imports %s", ErrCyclicDependency, sourcePath, filename)
		}
		if st.resolved[filename] {
			continue
		}
		st.resolved[filename] = true
		st.order = append(st.order, filename)
		if err := r.resolve(string(content), filename, st); err != nil {
			return err
		}
	}
	return nil
}

// lookup probes the candidate files for a module, nearest first. An
// empty filename means the module is not in the repository.
func (r *ImportResolver) lookup(baseDir, rel string) (string, []byte, error) {
	dirs := []string{baseDir}
	if baseDir != r.root {
		dirs = append(dirs, r.root)
	}
	for _, dir := range dirs {
		for _, ext := range r.exts {
			candidate := path.Join(dir, rel+ext)
			content, err := r.read(candidate)
			if err == nil {
				return candidate, content, nil
			}
			if !errors.Is(err, fs.ErrNotExist) {
				return "", nil, fmt.Errorf("unable to read dependency %s: %w", candidate, err)
			}
		}
	}
	return "", nil, nil
}
