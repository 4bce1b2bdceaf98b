package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"testing"

	"filippo.io/age"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

func TestDirStore_PutGet(t *testing.T) {
	ctx := context.Background()
	d, err := NewDirStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	loc, err := d.Put(ctx, "abc.zip", strings.NewReader("payload"), 7)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(loc, "file://") || !strings.HasSuffix(loc, "abc.zip") {
		t.Fatalf("location = %q", loc)
	}
	rc, err := d.Get(ctx, "abc.zip")
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	b, _ := io.ReadAll(rc)
	if string(b) != "payload" {
		t.Fatalf("content = %q", b)
	}
}

func TestDirStore_Rejects(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	d, _ := NewDirStore(dir)
	for _, key := range []string{"../escape.zip", "a/b.zip", "", "/abs.zip"} {
		if _, err := d.Put(ctx, key, strings.NewReader("x"), 1); err == nil {
			t.Errorf("key %q accepted", key)
		}
	}
	if _, err := d.Put(ctx, "short.zip", strings.NewReader("x"), 2); err == nil {
		t.Fatal("size mismatch accepted")
	}
	if _, err := d.Get(ctx, "short.zip"); err == nil {
		t.Fatal("partial archive left behind")
	}
}

type fakeS3 struct {
	put     *s3.PutObjectInput
	body    []byte
	putErr  error
	objects map[string][]byte
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	f.put = in
	f.body, _ = io.ReadAll(in.Body)
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.objects[*in.Key] = f.body
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	b, ok := f.objects[*in.Key]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

func TestS3Store_PutSetsChecksum(t *testing.T) {
	ctx := context.Background()
	content := []byte("zip bytes")
	sum := sha256.Sum256(content)
	key := hex.EncodeToString(sum[:]) + ".zip"

	api := &fakeS3{}
	s, err := newS3Store(api, "bucket", "/exports/", nil)
	if err != nil {
		t.Fatal(err)
	}
	loc, err := s.Put(ctx, key, bytes.NewReader(content), int64(len(content)))
	if err != nil {
		t.Fatal(err)
	}
	if loc != "s3://bucket/exports/"+key {
		t.Fatalf("location = %q", loc)
	}
	if got := *api.put.ChecksumSHA256; got != base64.StdEncoding.EncodeToString(sum[:]) {
		t.Fatalf("checksum = %q", got)
	}
	if *api.put.ContentType != "application/zip" || *api.put.ContentLength != int64(len(content)) {
		t.Fatalf("headers: %v %v", *api.put.ContentType, *api.put.ContentLength)
	}

	rc, err := s.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := io.ReadAll(rc)
	if !bytes.Equal(b, content) {
		t.Fatal("round trip mismatch")
	}
}

func TestS3Store_NoChecksumForOtherKeys(t *testing.T) {
	api := &fakeS3{}
	s, _ := newS3Store(api, "bucket", "", nil)
	if _, err := s.Put(context.Background(), "notahash.zip.age", strings.NewReader("x"), 1); err != nil {
		t.Fatal(err)
	}
	if api.put.ChecksumSHA256 != nil {
		t.Fatal("checksum set for non-digest key")
	}
	if *api.put.Key != "notahash.zip.age" {
		t.Fatalf("key = %q", *api.put.Key)
	}
}

func TestS3Store_PutError(t *testing.T) {
	s, _ := newS3Store(&fakeS3{putErr: errors.New("denied")}, "bucket", "p", nil)
	if _, err := s.Put(context.Background(), "k.zip", strings.NewReader("x"), 1); err == nil {
		t.Fatal("expected error")
	}
}

func TestAgeStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	id, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatal(err)
	}
	dir, _ := NewDirStore(t.TempDir())
	as, err := NewAgeStore(dir, "# export recipients\n"+id.Recipient().String()+"\n", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	plain := []byte("PK archive contents")
	loc, err := as.Put(ctx, "h.zip", bytes.NewReader(plain), int64(len(plain)))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(loc, "h.zip.age") {
		t.Fatalf("location = %q", loc)
	}

	rc, err := dir.Get(ctx, "h.zip.age")
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	var out bytes.Buffer
	if _, err := Decrypt(&out, rc, id.String()); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out.Bytes(), plain) {
		t.Fatal("decrypted content mismatch")
	}
}

func TestNewAgeStore_Validates(t *testing.T) {
	dir, _ := NewDirStore(t.TempDir())
	if _, err := NewAgeStore(dir, "not-a-recipient", ""); err == nil {
		t.Fatal("garbage recipient accepted")
	}
	if _, err := NewAgeStore(nil, "", ""); err == nil {
		t.Fatal("nil inner accepted")
	}
}
