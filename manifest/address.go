package manifest

import (
	"fmt"
	"strings"

	"github.com/qri-io/oplogdb/dberrors"
)

// Scheme is the fixed literal marker every address starts with (spec §6
// "Address wire form").
const Scheme = "orbit"

// Address is a database's canonical identifier: the manifest hash (Root)
// plus the database name (Path), rendered as "/orbit/<root>/<path>".
type Address struct {
	Root string
	Path string
}

// String renders the canonical wire form of an address.
func (a Address) String() string {
	return fmt.Sprintf("/%s/%s/%s", Scheme, a.Root, a.Path)
}

// IsValid reports whether the string s parses as a well-formed address,
// without surfacing the parse error. Manager.Create uses this to reject
// names that are actually addresses (spec §4.4 precondition).
func IsValid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// Parse strictly decodes a canonical address string: exactly three
// non-empty, slash-separated segments after a leading slash, the first of
// which must equal Scheme (spec §6).
func Parse(s string) (Address, error) {
	if !strings.HasPrefix(s, "/") {
		return Address{}, fmt.Errorf("%w: %q: missing leading scheme marker", dberrors.ErrInvalidAddress, s)
	}

	segments := strings.Split(s[1:], "/")
	if len(segments) != 3 {
		return Address{}, fmt.Errorf("%w: %q: expected exactly 3 path segments, got %d", dberrors.ErrInvalidAddress, s, len(segments))
	}

	for _, seg := range segments {
		if seg == "" {
			return Address{}, fmt.Errorf("%w: %q: empty path segment", dberrors.ErrInvalidAddress, s)
		}
	}

	if segments[0] != Scheme {
		return Address{}, fmt.Errorf("%w: %q: unrecognized scheme %q", dberrors.ErrInvalidAddress, s, segments[0])
	}

	return Address{Root: segments[1], Path: segments[2]}, nil
}

// New builds the canonical address for a manifest hash and database name.
func New(manifestHash, name string) Address {
	return Address{Root: manifestHash, Path: name}
}

