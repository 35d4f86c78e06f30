package store

import (
	"context"
	"testing"

	"github.com/qri-io/oplogdb/access"
	"github.com/qri-io/oplogdb/cache"
	"github.com/qri-io/oplogdb/event"
	"github.com/qri-io/oplogdb/keystore"
	"github.com/qri-io/oplogdb/manifest"
	"github.com/qri-io/oplogdb/objectstore"
	"github.com/qri-io/oplogdb/oplog"
)

type fixture struct {
	store *Store
	bus   event.Bus
	ks    keystore.Keystore
}

func newFixture(t *testing.T, name string) *fixture {
	t.Helper()

	ks := keystore.NewMemKeystore()
	identity, err := ks.CreateKey(name)
	if err != nil {
		t.Fatal(err)
	}

	ac := access.New()
	if err := ac.Add(access.Write, identity); err != nil {
		t.Fatal(err)
	}
	if err := ac.Add(access.Admin, identity); err != nil {
		t.Fatal(err)
	}

	objs := objectstore.NewMemStore()
	c := cache.NewMemCache()
	bucket, err := c.Bucket("test-manifest", name)
	if err != nil {
		t.Fatal(err)
	}

	bus := event.NewBus(context.Background())

	s := New(Options{
		Address:      manifest.New("test-manifest", name),
		Access:       ac,
		Objects:      objs,
		Cache:        bucket,
		Keystore:     ks,
		IdentityName: name,
		Bus:          bus,
	})

	return &fixture{store: s, bus: bus, ks: ks}
}

func TestStoreAppendEmitsWrite(t *testing.T) {
	f := newFixture(t, "alice")

	var gotHeads []string
	f.bus.SubscribeTopics(func(ctx context.Context, e event.Event) error {
		gotHeads = e.Payload.(WritePayload).Heads
		return nil
	}, TopicWrite)

	e, err := f.store.Append([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if len(gotHeads) != 1 || gotHeads[0] != e.Hash {
		t.Errorf("expected write event heads to be [%s], got %v", e.Hash, gotHeads)
	}
}

func TestStoreLoadReplaysCachedHeads(t *testing.T) {
	f := newFixture(t, "alice")

	if _, err := f.store.Append([]byte("first")); err != nil {
		t.Fatal(err)
	}
	e2, err := f.store.Append([]byte("second"))
	if err != nil {
		t.Fatal(err)
	}

	reopened := New(Options{
		Address:      f.store.Address(),
		Access:       f.store.access,
		Objects:      f.store.objects,
		Cache:        f.store.cacheBucket,
		Keystore:     f.ks,
		IdentityName: "alice",
		Bus:          f.bus,
	})

	var readyHeads []string
	f.bus.SubscribeTopics(func(ctx context.Context, e event.Event) error {
		readyHeads = e.Payload.(WritePayload).Heads
		return nil
	}, TopicReady)

	if err := reopened.Load(); err != nil {
		t.Fatal(err)
	}

	if reopened.Heads()[0].Hash != e2.Hash {
		t.Errorf("expected reloaded store to converge on head %s, got %s", e2.Hash, reopened.Heads()[0].Hash)
	}
	if len(readyHeads) != 1 || readyHeads[0] != e2.Hash {
		t.Errorf("expected ready event heads [%s], got %v", e2.Hash, readyHeads)
	}
}

func TestStoreCloseIsIdempotent(t *testing.T) {
	f := newFixture(t, "alice")
	if err := f.store.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.store.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got %s", err)
	}
}

func TestEventLogAddAndList(t *testing.T) {
	f := newFixture(t, "alice")
	l := NewEventLog(f.store)

	if _, err := l.Add([]byte("a")); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Add([]byte("b")); err != nil {
		t.Fatal(err)
	}

	got := l.List(oplogOptsAll())
	if len(got) != 2 || string(got[0]) != "a" || string(got[1]) != "b" {
		t.Errorf("expected [a b], got %v", stringsOf(got))
	}
}

func TestFeedAddAndDelete(t *testing.T) {
	f := newFixture(t, "alice")
	feed := NewFeed(f.store)

	if _, err := feed.Add([]byte("keep")); err != nil {
		t.Fatal(err)
	}
	h2, err := feed.Add([]byte("drop"))
	if err != nil {
		t.Fatal(err)
	}
	if err := feed.Delete(h2); err != nil {
		t.Fatal(err)
	}

	got := feed.List(oplogOptsAll())
	if len(got) != 1 || string(got[0]) != "keep" {
		t.Errorf("expected only [keep] to survive, got %v", stringsOf(got))
	}
}

func TestKeyValuePutAndGet(t *testing.T) {
	f := newFixture(t, "alice")
	kv := NewKeyValue(f.store)

	if err := kv.Put("a", []byte("1")); err != nil {
		t.Fatal(err)
	}
	if err := kv.Put("a", []byte("2")); err != nil {
		t.Fatal(err)
	}
	if err := kv.Put("b", []byte("3")); err != nil {
		t.Fatal(err)
	}

	v, ok := kv.Get("a")
	if !ok || string(v) != "2" {
		t.Errorf("expected latest value for a to be 2, got %q (ok=%v)", v, ok)
	}
	all := kv.All()
	if len(all) != 2 {
		t.Errorf("expected 2 keys, got %d", len(all))
	}
}

func TestCounterIncreaseAndValue(t *testing.T) {
	f := newFixture(t, "alice")
	c := NewCounter(f.store)

	if err := c.Increase(3); err != nil {
		t.Fatal(err)
	}
	if err := c.Increase(4); err != nil {
		t.Fatal(err)
	}

	if got := c.Value(); got != 7 {
		t.Errorf("expected cumulative value 7, got %d", got)
	}
}

func TestCounterRejectsNegative(t *testing.T) {
	f := newFixture(t, "alice")
	c := NewCounter(f.store)
	if err := c.Increase(-1); err == nil {
		t.Error("expected negative increase to be rejected")
	}
}

func TestKeyValueDelete(t *testing.T) {
	f := newFixture(t, "alice")
	kv := NewKeyValue(f.store)

	if err := kv.Put("a", []byte("1")); err != nil {
		t.Fatal(err)
	}
	target := kv.Heads()[0].Hash

	if err := kv.Delete(target); err != nil {
		t.Fatal(err)
	}
	if _, ok := kv.Get("a"); ok {
		t.Error("expected key a to be gone after deleting its sole entry")
	}

	if err := kv.Put("a", []byte("2")); err != nil {
		t.Fatal(err)
	}
	v, ok := kv.Get("a")
	if !ok || string(v) != "2" {
		t.Errorf("expected a later put to win over the tombstone, got %q (ok=%v)", v, ok)
	}
}

func TestDocStoreDelete(t *testing.T) {
	f := newFixture(t, "alice")
	ds := NewDocStore(f.store, "")

	if _, err := ds.Put(map[string]interface{}{"_id": "doc1", "name": "first"}); err != nil {
		t.Fatal(err)
	}
	target := ds.Heads()[0].Hash

	if err := ds.Delete(target); err != nil {
		t.Fatal(err)
	}
	if _, ok := ds.Get("doc1"); ok {
		t.Error("expected doc1 to be gone after deleting its sole entry")
	}

	if _, err := ds.Put(map[string]interface{}{"_id": "doc1", "name": "second"}); err != nil {
		t.Fatal(err)
	}
	got, ok := ds.Get("doc1")
	if !ok || !containsSubstring(string(got), "second") {
		t.Errorf("expected a later put to win over the tombstone, got %q (ok=%v)", got, ok)
	}
}

func TestDocStorePutAndGet(t *testing.T) {
	f := newFixture(t, "alice")
	ds := NewDocStore(f.store, "")

	id, err := ds.Put(map[string]interface{}{"_id": "doc1", "name": "first"})
	if err != nil {
		t.Fatal(err)
	}
	if id != "doc1" {
		t.Errorf("expected id doc1, got %s", id)
	}

	if _, err := ds.Put(map[string]interface{}{"_id": "doc1", "name": "updated"}); err != nil {
		t.Fatal(err)
	}

	got, ok := ds.Get("doc1")
	if !ok {
		t.Fatal("expected doc1 to be found")
	}
	if !containsSubstring(string(got), "updated") {
		t.Errorf("expected latest doc to contain 'updated', got %s", got)
	}
}

func oplogOptsAll() oplog.IteratorOptions {
	return oplog.IteratorOptions{Limit: -1}
}

func stringsOf(bs [][]byte) []string {
	out := make([]string, len(bs))
	for i, b := range bs {
		out[i] = string(b)
	}
	return out
}

func containsSubstring(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
