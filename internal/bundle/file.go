package bundle

import (
	"context"
	"io"
	"os"

	"github.com/keithlinneman/govexport/internal/xerrors"
)

// File is a built archive on local disk. Close removes it.
type File struct {
	Path   string
	Result Result
}

// BuildFile builds into a new temp file under dir ("" for the OS default).
// The temp file is removed on any error, including cancellation.
func (b *Builder) BuildFile(ctx context.Context, dir string, in Input) (_ *File, err error) {
	f, err := os.CreateTemp(dir, "bundle-*.zip")
	if err != nil {
		return nil, xerrors.Wrap(err, "create temp archive")
	}
	name := f.Name()
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(name)
		}
	}()

	res, err := b.Build(ctx, in, f)
	if err != nil {
		return nil, err
	}
	if err := f.Sync(); err != nil {
		return nil, xerrors.Wrap(err, "sync temp archive")
	}
	if err := f.Close(); err != nil {
		return nil, xerrors.Wrap(err, "close temp archive")
	}
	return &File{Path: name, Result: res}, nil
}

// Open returns a reader over the archive bytes.
func (f *File) Open() (*os.File, error) { return os.Open(f.Path) }

// WriteTo streams the archive to w.
func (f *File) WriteTo(w io.Writer) (int64, error) {
	r, err := f.Open()
	if err != nil {
		return 0, err
	}
	defer r.Close()
	return io.Copy(w, r)
}

func (f *File) Close() error {
	if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
