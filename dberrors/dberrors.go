// Package dberrors holds the sentinel error values shared across the
// database layer, following the pattern access.ErrAccessDenied uses in the
// teacher repo: a plain fmt.Errorf sentinel that callers match with
// errors.Is, wrapped with %w as it crosses package boundaries.
package dberrors

import "fmt"

var (
	// ErrInvalidType is returned when a requested store type is not one of
	// the five valid flavors.
	ErrInvalidType = fmt.Errorf("invalid database type")
	// ErrInvalidAddress is returned when a string fails to parse as an
	// address where one is required.
	ErrInvalidAddress = fmt.Errorf("invalid address")
	// ErrNameIsAddress is returned when Create is given an address instead
	// of a bare name.
	ErrNameIsAddress = fmt.Errorf("name is an address, use open instead")
	// ErrAlreadyExists is returned when a manifest already exists at the
	// target cache bucket and overwrite was not requested.
	ErrAlreadyExists = fmt.Errorf("database already exists")
	// ErrNotFound is returned by a localOnly open that finds no cached
	// manifest.
	ErrNotFound = fmt.Errorf("database not found")
	// ErrTypeMismatch is returned when an open's requested type disagrees
	// with the manifest's stored type.
	ErrTypeMismatch = fmt.Errorf("database type mismatch")
	// ErrAccessDenied is returned when an entry's identity is not permitted
	// to write by the access controller.
	ErrAccessDenied = fmt.Errorf("access denied")
	// ErrIntegrityError is returned when an entry's hash or signature does
	// not verify.
	ErrIntegrityError = fmt.Errorf("entry integrity check failed")
	// ErrTransportError wraps a failure from the object store or pub/sub
	// bus.
	ErrTransportError = fmt.Errorf("transport error")
)
