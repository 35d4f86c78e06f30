package oplog

import (
	"testing"

	"github.com/qri-io/oplogdb/entry"
)

type allowAll struct{}

func (allowAll) CanAppend(identity string) bool { return true }

type onlyWriters map[string]bool

func (w onlyWriters) CanAppend(identity string) bool { return w[identity] }

func testSignVerify(identity string) (entry.SignFunc, entry.VerifyFunc) {
	key := "secret-" + identity
	sign := func(data []byte) ([]byte, error) {
		return append([]byte(key), data...), nil
	}
	verify := func(id string, data, sig []byte) (bool, error) {
		expect := append([]byte("secret-"+id), data...)
		if len(sig) != len(expect) {
			return false, nil
		}
		for i := range expect {
			if sig[i] != expect[i] {
				return false, nil
			}
		}
		return true, nil
	}
	return sign, verify
}

func TestAppendHeadsAndClock(t *testing.T) {
	sign, _ := testSignVerify("alice")
	l := New("db-1", allowAll{})

	e1, err := l.Append([]byte("one"), "alice", sign)
	if err != nil {
		t.Fatal(err)
	}
	if e1.Clock.Time != 1 {
		t.Errorf("expected first entry's clock time to be 1, got %d", e1.Clock.Time)
	}

	e2, err := l.Append([]byte("two"), "alice", sign)
	if err != nil {
		t.Fatal(err)
	}
	if e2.Clock.Time != 2 {
		t.Errorf("expected second entry's clock time to be 2, got %d", e2.Clock.Time)
	}
	if len(e2.Next) != 1 || e2.Next[0] != e1.Hash {
		t.Errorf("expected second entry to reference first as parent, got %v", e2.Next)
	}

	heads := l.HeadHashes()
	if len(heads) != 1 || heads[0] != e2.Hash {
		t.Errorf("expected single head %q, got %v", e2.Hash, heads)
	}
}

func TestHeadConsistencyInvariant(t *testing.T) {
	sign, _ := testSignVerify("alice")
	l := New("db-1", allowAll{})

	var hashes []string
	for i := 0; i < 5; i++ {
		e, err := l.Append([]byte("x"), "alice", sign)
		if err != nil {
			t.Fatal(err)
		}
		hashes = append(hashes, e.Hash)
	}

	childOf := map[string]bool{}
	for _, h := range hashes {
		e, _ := l.Get(h)
		for _, p := range e.Next {
			childOf[p] = true
		}
	}

	for _, h := range hashes {
		_, isHead := l.heads[h]
		expectHead := !childOf[h]
		if isHead != expectHead {
			t.Errorf("entry %q: head consistency violated (isHead=%v, expected=%v)", h, isHead, expectHead)
		}
	}
}

func TestMergeIdempotentAndCommutative(t *testing.T) {
	signA, verifyA := testSignVerify("a")
	signB, _ := testSignVerify("b")

	// A appends a1, a2, a3
	logA := New("sync-1", allowAll{})
	for _, p := range []string{"a1", "a2", "a3"} {
		if _, err := logA.Append([]byte(p), "a", signA); err != nil {
			t.Fatal(err)
		}
	}

	// B appends b1, b2 independently
	logB := New("sync-1", allowAll{})
	for _, p := range []string{"b1", "b2"} {
		if _, err := logB.Append([]byte(p), "b", signB); err != nil {
			t.Fatal(err)
		}
	}

	fetchFrom := func(src *Log) FetchEntryFunc {
		return func(hash string) (*entry.Entry, error) {
			e, ok := src.Get(hash)
			if !ok {
				return nil, errNotFound(hash)
			}
			return e, nil
		}
	}

	verify := func(id string, data, sig []byte) (bool, error) {
		return verifyA(id, data, sig)
	}

	// merge(merge(L, A), B)
	mergeAB := New("sync-1", allowAll{})
	if err := mergeAB.Merge(logA.HeadHashes(), fetchFrom(logA), verify); err != nil {
		t.Fatal(err)
	}
	if err := mergeAB.Merge(logB.HeadHashes(), fetchFrom(logB), verify); err != nil {
		t.Fatal(err)
	}

	// merge(merge(L, B), A)
	mergeBA := New("sync-1", allowAll{})
	if err := mergeBA.Merge(logB.HeadHashes(), fetchFrom(logB), verify); err != nil {
		t.Fatal(err)
	}
	if err := mergeBA.Merge(logA.HeadHashes(), fetchFrom(logA), verify); err != nil {
		t.Fatal(err)
	}

	if mergeAB.Len() != 5 || mergeBA.Len() != 5 {
		t.Fatalf("expected 5 entries in both merges, got %d and %d", mergeAB.Len(), mergeBA.Len())
	}

	linAB := mergeAB.linearize()
	linBA := mergeBA.linearize()
	if len(linAB) != len(linBA) {
		t.Fatalf("linearization length mismatch")
	}
	for i := range linAB {
		if linAB[i].Hash != linBA[i].Hash {
			t.Errorf("merge commutativity violated at index %d: %q != %q", i, linAB[i].Hash, linBA[i].Hash)
		}
	}

	// idempotence: merging A's heads into mergeAB again changes nothing
	before := mergeAB.Len()
	if err := mergeAB.Merge(logA.HeadHashes(), fetchFrom(logA), verify); err != nil {
		t.Fatal(err)
	}
	if mergeAB.Len() != before {
		t.Errorf("expected merge idempotence, length changed from %d to %d", before, mergeAB.Len())
	}
}

func TestMergeRejectsUnauthorizedWriter(t *testing.T) {
	signB, _ := testSignVerify("b")
	_, verifyB := testSignVerify("b")

	logB := New("priv", allowAll{})
	if _, err := logB.Append([]byte("forged"), "b", signB); err != nil {
		t.Fatal(err)
	}

	logA := New("priv", onlyWriters{"a": true})
	fetch := func(hash string) (*entry.Entry, error) {
		e, ok := logB.Get(hash)
		if !ok {
			return nil, errNotFound(hash)
		}
		return e, nil
	}

	if err := logA.Merge(logB.HeadHashes(), fetch, verifyB); err != nil {
		t.Fatal(err)
	}
	if logA.Len() != 0 {
		t.Errorf("expected unauthorized entry to be rejected, log has %d entries", logA.Len())
	}
}

func TestIteratorDeterministicAndOrdered(t *testing.T) {
	sign, _ := testSignVerify("alice")
	l := New("log-1", allowAll{})
	for i := 0; i < 10; i++ {
		if _, err := l.Append([]byte{byte(i)}, "alice", sign); err != nil {
			t.Fatal(err)
		}
	}

	all := l.Iterator(IteratorOptions{Limit: -1})
	if len(all) != 10 {
		t.Fatalf("expected 10 entries, got %d", len(all))
	}
	for i := 0; i < len(all); i++ {
		if all[i].Payload[0] != byte(i) {
			t.Errorf("expected causal order to match append order at index %d, got %d", i, all[i].Payload[0])
		}
	}

	rev := l.Iterator(IteratorOptions{Limit: -1, Reverse: true})
	for i := 0; i < len(rev); i++ {
		if rev[i].Payload[0] != byte(len(rev)-1-i) {
			t.Errorf("expected reverse order at index %d", i)
		}
	}

	limited := l.Iterator(IteratorOptions{Limit: 3})
	if len(limited) != 3 {
		t.Errorf("expected limit to cap results at 3, got %d", len(limited))
	}
}

type notFoundError struct{ hash string }

func (e notFoundError) Error() string { return "entry not found: " + e.hash }

func errNotFound(hash string) error { return notFoundError{hash} }
