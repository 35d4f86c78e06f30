package keystore

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
)

func TestMemKeystoreSignVerify(t *testing.T) {
	ks := NewMemKeystore()

	id, err := ks.CreateKey("alice")
	if err != nil {
		t.Fatal(err)
	}
	if got, ok := ks.GetKey("alice"); !ok || got != id {
		t.Fatalf("expected GetKey to return the created identity, got %q (ok=%v)", got, ok)
	}

	sig, err := ks.Sign("alice", []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}

	ok, err := ks.Verify(id, []byte("hello"), sig)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("expected valid signature to verify")
	}

	ok, err = ks.Verify(id, []byte("goodbye"), sig)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected signature over different data to fail")
	}
}

func TestCreateKeyIdempotent(t *testing.T) {
	ks := NewMemKeystore()
	id1, err := ks.CreateKey("alice")
	if err != nil {
		t.Fatal(err)
	}
	id2, err := ks.CreateKey("alice")
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Errorf("expected creating an existing key name to be idempotent, got %q and %q", id1, id2)
	}
}

func TestLocalStorePersists(t *testing.T) {
	dir, err := ioutil.TempDir("", "keystore-test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	filename := filepath.Join(dir, "keystore.json")
	ks := NewLocalStore(filename)

	id, err := ks.CreateKey("alice")
	if err != nil {
		t.Fatal(err)
	}

	reopened := NewLocalStore(filename)
	got, ok := reopened.GetKey("alice")
	if !ok {
		t.Fatal("expected key to persist across store instances")
	}
	if got != id {
		t.Errorf("expected identity %q, got %q", id, got)
	}

	sig, err := reopened.Sign("alice", []byte("hi"))
	if err != nil {
		t.Fatal(err)
	}
	ok, err = reopened.Verify(id, []byte("hi"), sig)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("expected signature from reopened store to verify")
	}
}
