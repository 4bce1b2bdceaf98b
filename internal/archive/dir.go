package archive

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/keithlinneman/govexport/internal/pathutil"
	"github.com/keithlinneman/govexport/internal/xerrors"
)

// DirStore writes archives into a local directory.
type DirStore struct {
	dir string
}

func NewDirStore(dir string) (*DirStore, error) {
	if dir == "" {
		return nil, xerrors.New("archive directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, xerrors.Wrapf(err, "create archive dir %s", dir)
	}
	return &DirStore{dir: dir}, nil
}

func (d *DirStore) path(key string) (string, error) {
	if !pathutil.IsSafeRelative(key) || filepath.Base(key) != key {
		return "", xerrors.Newf("unsafe archive key %q", key)
	}
	return filepath.Join(d.dir, key), nil
}

// Put writes to a temp file and renames it into place, so readers never see
// a partial archive.
func (d *DirStore) Put(ctx context.Context, key string, r io.Reader, size int64) (string, error) {
	dst, err := d.path(key)
	if err != nil {
		return "", err
	}
	f, err := os.CreateTemp(d.dir, ".incoming-*")
	if err != nil {
		return "", xerrors.Wrap(err, "create temp file")
	}
	tmp := f.Name()
	n, err := io.Copy(f, ctxReader{ctx: ctx, r: r})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n != size {
		err = xerrors.Newf("wrote %d bytes, expected %d", n, size)
	}
	if err != nil {
		os.Remove(tmp)
		return "", xerrors.Wrapf(err, "write archive %s", key)
	}
	if err := os.Chmod(tmp, 0o640); err != nil {
		os.Remove(tmp)
		return "", xerrors.Wrap(err, "chmod archive")
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return "", xerrors.Wrap(err, "rename archive")
	}
	return "file://" + dst, nil
}

func (d *DirStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := d.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, xerrors.Wrapf(err, "open archive %s", key)
	}
	return f, nil
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
