package objectstore

import "testing"

func TestMemStorePutGet(t *testing.T) {
	s := NewMemStore()

	h, err := s.Put([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(h)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Errorf("expected %q, got %q", "hello", got)
	}
}

func TestMemStoreContentAddressed(t *testing.T) {
	s := NewMemStore()

	h1, err := s.Put([]byte("same"))
	if err != nil {
		t.Fatal(err)
	}
	h2, err := s.Put([]byte("same"))
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("expected identical content to produce identical hashes, got %q and %q", h1, h2)
	}
}

func TestMemStoreGetMissing(t *testing.T) {
	s := NewMemStore()
	if _, err := s.Get("nope"); err == nil {
		t.Error("expected error fetching unknown hash")
	}
}
