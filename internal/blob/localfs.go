// Package blob stores uploaded source files. Jobs reference stored files by
// absolute path, which worker processes sharing the volume resolve directly.
package blob

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

type LocalFS struct {
	Root string
}

// Put writes r under the store root and returns the absolute path used as
// the job's source ref.
func (l LocalFS) Put(relPath string, r io.Reader) (string, error) {
	clean := filepath.Clean(relPath)
	if strings.HasPrefix(clean, "..") {
		return "", errors.Errorf("invalid upload path %q", relPath)
	}
	abs := filepath.Join(l.Root, clean)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", errors.Wrap(err, "create upload dir")
	}
	f, err := os.Create(abs)
	if err != nil {
		return "", errors.Wrap(err, "create upload file")
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return "", errors.Wrap(err, "write upload")
	}
	return abs, nil
}

func (l LocalFS) Open(sourceRef string) (*os.File, error) {
	return os.Open(sourceRef)
}

func (l LocalFS) Exists(sourceRef string) bool {
	_, err := os.Stat(sourceRef)
	return err == nil
}
