package sftpclient

import (
	"os"
	"path"
	"sync"

	"github.com/spf13/afero"
	"go.uber.org/multierr"
)

// tempFiles tracks the local files handed out by Read and FetchFiles so that
// Client.Close can remove them.
type tempFiles struct {
	fs  afero.Fs
	dir string

	mu    sync.Mutex
	paths map[string]struct{}
}

func newTempFiles(fs afero.Fs, dir string) *tempFiles {
	return &tempFiles{
		fs:    fs,
		dir:   dir,
		paths: make(map[string]struct{}),
	}
}

// create makes a new registered temp file whose name ends with the base
// name of remotePath.
func (t *tempFiles) create(remotePath string) (afero.File, error) {
	base := path.Base(remotePath)
	if base == "." || base == "/" {
		base = "download"
	}

	if t.dir != "" {
		if err := t.fs.MkdirAll(t.dir, 0o755); err != nil {
			return nil, err
		}
	}

	f, err := afero.TempFile(t.fs, t.dir, "*-"+base)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.paths[f.Name()] = struct{}{}
	t.mu.Unlock()
	return f, nil
}

// discard closes and removes a file that will not be returned to the caller.
func (t *tempFiles) discard(f afero.File) {
	name := f.Name()
	_ = f.Close()
	_ = t.fs.Remove(name)

	t.mu.Lock()
	delete(t.paths, name)
	t.mu.Unlock()
}

// cleanup removes every registered file that still exists.
func (t *tempFiles) cleanup() error {
	t.mu.Lock()
	paths := t.paths
	t.paths = make(map[string]struct{})
	t.mu.Unlock()

	var err error
	for p := range paths {
		if rerr := t.fs.Remove(p); rerr != nil && !os.IsNotExist(rerr) {
			err = multierr.Append(err, rerr)
		}
	}
	return err
}
