package blob

import (
	"context"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	ErrNotFound    = errors.New("blob not found")
	ErrInvalidPath = errors.New("invalid blob path")
)

// Store holds the sealed bytes of attached files, addressed by storage path.
// Remove of an absent path succeeds.
type Store interface {
	Put(ctx context.Context, path string, data []byte) error
	Get(ctx context.Context, path string) ([]byte, error)
	Remove(ctx context.Context, path string) error
	Ping(ctx context.Context) error
	Close() error
}

const maxExtLen = 16

// NewPath builds a storage path of the form <key>/<uuid><ext>.
func NewPath(key, filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	if len(ext) > maxExtLen || strings.ContainsAny(ext, `/\ `) {
		ext = ""
	}
	return key + "/" + uuid.NewString() + ext
}

func checkPath(p string) error {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, `\`) || strings.ContainsRune(p, 0) {
		return errors.Wrapf(ErrInvalidPath, "%q", p)
	}
	if path.Clean(p) != p || p == "." || strings.HasPrefix(p, "../") || p == ".." {
		return errors.Wrapf(ErrInvalidPath, "%q", p)
	}
	return nil
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
