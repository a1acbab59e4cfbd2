package connectors

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Local writes videos under a directory on the server's own disk.
type Local struct {
	dir string
}

func NewLocal(dir string) (*Local, error) {
	if dir == "" {
		return nil, fmt.Errorf("local destination requires a directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create destination dir: %w", err)
	}
	return &Local{dir: dir}, nil
}

func (l *Local) Name() string {
	return "local"
}

// Path returns where obj is (or would be) stored.
func (l *Local) Path(obj Object) string {
	return filepath.Join(l.dir, filepath.FromSlash(objectKey("", obj)))
}

func (l *Local) Store(ctx context.Context, obj Object) error {
	target := l.Path(obj)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".partial-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, readerWithContext(ctx, obj.Body)); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", target, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), target)
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return ctxReader{ctx: ctx, r: r}
}
