package jobs

import (
	"os"
	"path"
	"path/filepath"

	"github.com/testerman/testerman/internal/jobs/tefactory"
)

// docrootJoin maps a docroot path onto the local filesystem, confined
// under the root ("../" cannot escape it).
func docrootJoin(docroot, p string) string {
	return filepath.Join(docroot, filepath.FromSlash(path.Clean("/"+p)))
}

// readDocrootFile reads a repository file by docroot path.
func readDocrootFile(docroot, p string) ([]byte, error) {
	return os.ReadFile(docrootJoin(docroot, p))
}

// DocRootReader adapts a docroot to the dependency resolver's read
// contract.
func DocRootReader(docroot string) tefactory.ReadFunc {
	return func(p string) ([]byte, error) {
		return readDocrootFile(docroot, p)
	}
}
