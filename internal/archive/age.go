package archive

import (
	"context"
	"io"
	"os"
	"strings"

	"filippo.io/age"

	"github.com/keithlinneman/govexport/internal/xerrors"
)

// Putter is a store AgeStore can wrap.
type Putter interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) (string, error)
}

// AgeStore encrypts archives to a set of age recipients before handing them
// to the wrapped store. Keys gain an ".age" suffix.
type AgeStore struct {
	inner      Putter
	recipients []age.Recipient
	tmpDir     string
}

// NewAgeStore parses recipients in the age recipients-file format, one
// "age1..." key per line, comments allowed.
func NewAgeStore(inner Putter, recipients string, tmpDir string) (*AgeStore, error) {
	if inner == nil {
		return nil, xerrors.New("age store needs an inner store")
	}
	rs, err := age.ParseRecipients(strings.NewReader(recipients))
	if err != nil {
		return nil, xerrors.Wrap(err, "parse age recipients")
	}
	if len(rs) == 0 {
		return nil, xerrors.New("at least one age recipient is required")
	}
	return &AgeStore{inner: inner, recipients: rs, tmpDir: tmpDir}, nil
}

func (a *AgeStore) Put(ctx context.Context, key string, r io.Reader, size int64) (string, error) {
	f, err := os.CreateTemp(a.tmpDir, "archive-*.age")
	if err != nil {
		return "", xerrors.Wrap(err, "create temp file")
	}
	defer func() {
		f.Close()
		os.Remove(f.Name())
	}()

	w, err := age.Encrypt(f, a.recipients...)
	if err != nil {
		return "", xerrors.Wrap(err, "start age encryption")
	}
	if _, err := io.Copy(w, ctxReader{ctx: ctx, r: r}); err != nil {
		return "", xerrors.Wrap(err, "encrypt archive")
	}
	if err := w.Close(); err != nil {
		return "", xerrors.Wrap(err, "finish age encryption")
	}

	encSize, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return "", xerrors.Wrap(err, "size encrypted archive")
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", xerrors.Wrap(err, "rewind encrypted archive")
	}
	return a.inner.Put(ctx, key+".age", f, encSize)
}

// Decrypt writes the plaintext of an age-encrypted archive to dst using
// identities in the age identity-file format.
func Decrypt(dst io.Writer, src io.Reader, identities string) (int64, error) {
	ids, err := age.ParseIdentities(strings.NewReader(identities))
	if err != nil {
		return 0, xerrors.Wrap(err, "parse age identities")
	}
	r, err := age.Decrypt(src, ids...)
	if err != nil {
		return 0, xerrors.Wrap(err, "decrypt archive")
	}
	n, err := io.Copy(dst, r)
	if err != nil {
		return n, xerrors.Wrap(err, "read decrypted archive")
	}
	return n, nil
}
