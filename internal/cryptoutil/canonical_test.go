package cryptoutil

import (
	"bytes"
	"testing"
)

func TestCanonicalJSON_SortsKeys(t *testing.T) {
	got, err := CanonicalJSON(map[string]any{"b": 1, "a": map[string]any{"z": true, "y": "x"}})
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	want := `{"a":{"y":"x","z":true},"b":1}`
	if string(got) != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestCanonicalJSON_StructFieldOrderIndependent(t *testing.T) {
	type ab struct {
		B string `json:"b"`
		A string `json:"a"`
	}
	type ba struct {
		A string `json:"a"`
		B string `json:"b"`
	}
	h1, err := CanonicalSHA256(ab{A: "1", B: "2"})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := CanonicalSHA256(ba{A: "1", B: "2"})
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatal("field order should not change canonical hash")
	}
}

func TestCanonicalJSON_NoHTMLEscaping(t *testing.T) {
	got, err := CanonicalJSON(map[string]string{"k": "<a&b>"})
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `{"k":"<a&b>"}` {
		t.Fatalf("got %s", got)
	}
}

func TestCanonicalJSON_Unmarshalable(t *testing.T) {
	if _, err := CanonicalJSON(map[string]any{"c": make(chan int)}); err == nil {
		t.Fatal("expected error")
	}
}

func TestHashingWriter(t *testing.T) {
	var buf bytes.Buffer
	hw := NewHashingWriter(&buf)
	if _, err := hw.Write([]byte("hello ")); err != nil {
		t.Fatal(err)
	}
	if _, err := hw.Write([]byte("world")); err != nil {
		t.Fatal(err)
	}
	if hw.Sum() != SHA256Hex([]byte("hello world")) {
		t.Fatal("digest mismatch")
	}
	if hw.Size() != 11 || buf.String() != "hello world" {
		t.Fatalf("size=%d buf=%q", hw.Size(), buf.String())
	}

	discard := NewHashingWriter(nil)
	_, _ = discard.Write([]byte("x"))
	if discard.Sum() != SHA256Hex([]byte("x")) {
		t.Fatal("nil writer digest mismatch")
	}
}
