package blob

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Dir stores each blob as a file below root.
type Dir struct {
	root string
}

func OpenDir(root string) (*Dir, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrap(err, "resolve blob root")
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, errors.Wrap(err, "create blob root")
	}
	return &Dir{root: abs}, nil
}

func (d *Dir) resolve(path string) (string, error) {
	if err := checkPath(path); err != nil {
		return "", err
	}
	return filepath.Join(d.root, filepath.FromSlash(path)), nil
}

func (d *Dir) Put(ctx context.Context, path string, data []byte) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	full, err := d.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o700); err != nil {
		return errors.Wrap(err, "create blob dir")
	}
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrap(err, "write blob")
	}
	return errors.Wrap(os.Rename(tmp, full), "commit blob")
}

func (d *Dir) Get(ctx context.Context, path string) ([]byte, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	full, err := d.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return data, errors.Wrap(err, "read blob")
}

func (d *Dir) Remove(ctx context.Context, path string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	full, err := d.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove blob")
	}
	// the per-key directory is dropped once empty
	if parent := filepath.Dir(full); parent != d.root {
		_ = os.Remove(parent)
	}
	return nil
}

func (d *Dir) Ping(ctx context.Context) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	_, err := os.Stat(d.root)
	return errors.Wrap(err, "stat blob root")
}

func (d *Dir) Close() error { return nil }
