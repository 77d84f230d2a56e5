// Package catalog provides function metadata lookup for pljs.
//
// The engine consumes the catalog through the narrow Catalog interface;
// the SQLite implementation in this package doubles as the reference host
// store and as the backing for tests.
package catalog

import (
	"context"
	"strings"

	"github.com/ha1tch/pljs/pkg/types"
)

// Fingerprint identifies one version of a function's catalog row: a
// transaction-visibility id plus the row's physical location. Two equal
// fingerprints guarantee the definition has not changed.
type Fingerprint struct {
	Version  int64 // bumped on every definition change
	Location int64 // physical row id
}

// Equal reports whether two fingerprints match exactly.
func (f Fingerprint) Equal(other Fingerprint) bool {
	return f.Version == other.Version && f.Location == other.Location
}

// FunctionMeta is the catalog's view of one function definition.
type FunctionMeta struct {
	ID     int64
	Name   string
	Owner  string
	Source string

	ArgTypes []uint32
	ArgNames []string // empty string for an unnamed argument
	RetType  uint32
	RetSet   bool // true for set-returning functions

	Fingerprint Fingerprint
}

// Catalog is the host collaborator supplying function metadata.
type Catalog interface {
	types.CompositeResolver

	// LookupFunction returns the current metadata for a function id.
	LookupFunction(ctx context.Context, id int64) (*FunctionMeta, error)

	// ResolveFunction resolves a textual signature ("name" or
	// "name(argtype, ...)") to a function id.
	ResolveFunction(ctx context.Context, signature string) (int64, error)
}

// TrimSignature strips the parenthesized argument list from a signature,
// accepting both regproc ("fn") and regprocedure ("fn(int4, text)") forms.
func TrimSignature(signature string) string {
	if idx := strings.IndexByte(signature, '('); idx >= 0 {
		signature = signature[:idx]
	}
	return strings.TrimSpace(signature)
}
