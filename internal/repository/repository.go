// Package repository implements the document root service: the repository/,
// archives/ and components/ subtrees and safe virtual-path resolution.
package repository

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/testerman/testerman/internal/common/logger"
)

// Subtrees of the document root.
const (
	SubtreeRepository = "repository"
	SubtreeArchives   = "archives"
	SubtreeComponents = "components"
)

var (
	// ErrInvalidPath is returned when a virtual path cannot be mapped under
	// the docroot.
	ErrInvalidPath = errors.New("invalid path")

	// ErrNotFound is returned when a virtual path has no backing file.
	ErrNotFound = errors.New("file not found")
)

// Service exposes the document root. Paths exchanged with clients, agents
// and TEs are virtual: absolute-looking ("/repository/foo.ats") but rooted
// at the docroot.
type Service struct {
	root string
}

// NewService creates the docroot service and ensures the standard layout
// (repository/, archives/, components/) exists.
func NewService(root string, log *logger.Logger) (*Service, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve docroot %s: %w", root, err)
	}
	for _, subtree := range []string{SubtreeRepository, SubtreeArchives, SubtreeComponents} {
		if err := os.MkdirAll(filepath.Join(abs, subtree), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create docroot subtree %s: %w", subtree, err)
		}
	}
	log.Info("Document root ready", zap.String("path", abs))
	return &Service{root: abs}, nil
}

// Root returns the absolute document root path.
func (s *Service) Root() string {
	return s.root
}

// Resolve maps a virtual docroot path to an absolute filesystem path. Dot
// segments collapse against the virtual root, so no input escapes it.
func (s *Service) Resolve(vpath string) (string, error) {
	clean := filepath.Clean("/" + strings.TrimPrefix(vpath, "/"))
	abs := filepath.Join(s.root, clean)
	rel, err := filepath.Rel(s.root, abs)
	if err != nil {
		return "", ErrInvalidPath
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrInvalidPath
	}
	return abs, nil
}

// ReadFile returns the content of a virtual path.
func (s *Service) ReadFile(vpath string) ([]byte, error) {
	abs, err := s.Resolve(vpath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, vpath)
		}
		return nil, err
	}
	return data, nil
}
