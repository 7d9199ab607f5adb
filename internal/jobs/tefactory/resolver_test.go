package tefactory

import (
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapReader serves a fake repository from a path -> content map.
func mapReader(files map[string]string) ReadFunc {
	return func(docrootPath string) ([]byte, error) {
		content, ok := files[docrootPath]
		if !ok {
			return nil, fmt.Errorf("%s: %w", docrootPath, fs.ErrNotExist)
		}
		return []byte(content), nil
	}
}

func TestScanImports(t *testing.T) {
	source := `import alpha
from beta.gamma import something
import delta as d, epsilon
  import indented
import not valid at all!
x = "import quoted"
`
	names := scanImports(source)
	assert.Equal(t, []string{"alpha", "beta.gamma", "delta", "epsilon", "indented"}, names)
}

func TestImportResolver(t *testing.T) {
	t.Run("direct and dotted imports", func(t *testing.T) {
		files := map[string]string{
			"/repository/lib/util.py":  "pass",
			"/repository/lib/net.py":   "pass",
			"/repository/tools/dig.py": "import lib.util",
		}
		r := NewImportResolver(mapReader(files), "", nil)
		deps, err := r.Resolve("import lib.util\nfrom lib.net import ping\nimport tools.dig", "/repository/main.ats")
		require.NoError(t, err)
		assert.Equal(t, []string{"/repository/lib/util.py", "/repository/lib/net.py", "/repository/tools/dig.py"}, deps)
	})

	t.Run("source directory takes priority over the root", func(t *testing.T) {
		files := map[string]string{
			"/repository/sub/helper.py": "local",
			"/repository/helper.py":     "global",
		}
		r := NewImportResolver(mapReader(files), "", nil)
		deps, err := r.Resolve("import helper", "/repository/sub/main.ats")
		require.NoError(t, err)
		assert.Equal(t, []string{"/repository/sub/helper.py"}, deps)
	})

	t.Run("runtime modules are skipped", func(t *testing.T) {
		r := NewImportResolver(mapReader(nil), "", nil)
		deps, err := r.Resolve("import os\nimport time", "/repository/main.ats")
		require.NoError(t, err)
		assert.Empty(t, deps)
	})

	t.Run("transitive dependencies in discovery order", func(t *testing.T) {
		files := map[string]string{
			"/repository/a.py": "import c",
			"/repository/b.py": "pass",
			"/repository/c.py": "pass",
		}
		r := NewImportResolver(mapReader(files), "", nil)
		deps, err := r.Resolve("import a\nimport b", "/repository/main.ats")
		require.NoError(t, err)
		assert.Equal(t, []string{"/repository/a.py", "/repository/c.py", "/repository/b.py"}, deps)
	})

	t.Run("diamond imports resolve once", func(t *testing.T) {
		files := map[string]string{
			"/repository/a.py":      "import common",
			"/repository/b.py":      "import common",
			"/repository/common.py": "pass",
		}
		r := NewImportResolver(mapReader(files), "", nil)
		deps, err := r.Resolve("import a\nimport b", "/repository/main.ats")
		require.NoError(t, err)
		assert.Equal(t, []string{"/repository/a.py", "/repository/common.py", "/repository/b.py"}, deps)
	})

	t.Run("cycle detection", func(t *testing.T) {
		files := map[string]string{
			"/repository/a.py": "import b",
			"/repository/b.py": "import a",
		}
		r := NewImportResolver(mapReader(files), "", nil)
		_, err := r.Resolve("import a", "/repository/main.ats")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrCyclicDependency)
	})

	t.Run("read failures propagate", func(t *testing.T) {
		r := NewImportResolver(func(string) ([]byte, error) {
			return nil, fmt.Errorf("permission denied")
		}, "", nil)
		_, err := r.Resolve("import a", "/repository/main.ats")
		assert.Error(t, err)
	})

	t.Run("custom extensions", func(t *testing.T) {
		files := map[string]string{
			"/repository/mod.tm": "pass",
		}
		r := NewImportResolver(mapReader(files), "", []string{".tm"})
		deps, err := r.Resolve("import mod", "/repository/main.ats")
		require.NoError(t, err)
		assert.Equal(t, []string{"/repository/mod.tm"}, deps)
	})
}
