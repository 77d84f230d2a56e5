package catalog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jackc/pgx/v5/pgtype"

	plerrors "github.com/ha1tch/pljs/pkg/errors"
	"github.com/ha1tch/pljs/pkg/log"
	"github.com/ha1tch/pljs/pkg/types"
)

func newTestCatalog(t *testing.T) *SQLiteCatalog {
	t.Helper()
	cat, err := OpenSQLite(Config{Path: ":memory:"}, log.Default())
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { cat.Close() })
	return cat
}

func addMeta(name string) *FunctionMeta {
	return &FunctionMeta{
		Name:     name,
		Owner:    "postgres",
		Source:   "return a + b;",
		ArgTypes: []uint32{pgtype.Int4OID, pgtype.Int4OID},
		ArgNames: []string{"a", "b"},
		RetType:  pgtype.Int4OID,
	}
}

func TestCreateAndLookupFunction(t *testing.T) {
	cat := newTestCatalog(t)
	ctx := context.Background()

	id, err := cat.CreateFunction(ctx, addMeta("add_two"))
	if err != nil {
		t.Fatalf("CreateFunction: %v", err)
	}

	meta, err := cat.LookupFunction(ctx, id)
	if err != nil {
		t.Fatalf("LookupFunction: %v", err)
	}
	if meta.Name != "add_two" || meta.Owner != "postgres" {
		t.Errorf("unexpected meta: %+v", meta)
	}
	if len(meta.ArgTypes) != 2 || meta.ArgTypes[0] != pgtype.Int4OID {
		t.Errorf("arg types not round-tripped: %v", meta.ArgTypes)
	}
	if len(meta.ArgNames) != 2 || meta.ArgNames[1] != "b" {
		t.Errorf("arg names not round-tripped: %v", meta.ArgNames)
	}
	if meta.RetSet {
		t.Error("RetSet = true, want false")
	}
}

func TestLookupMissingFunction(t *testing.T) {
	cat := newTestCatalog(t)

	_, err := cat.LookupFunction(context.Background(), 999)
	if err == nil {
		t.Fatal("LookupFunction(999) succeeded, want error")
	}
	if plerrors.GetCode(err) != plerrors.ErrCodeFuncNotFound {
		t.Errorf("unexpected code: %v", plerrors.GetCode(err))
	}
}

func TestReplaceBumpsFingerprint(t *testing.T) {
	cat := newTestCatalog(t)
	ctx := context.Background()

	id, err := cat.CreateFunction(ctx, addMeta("f"))
	if err != nil {
		t.Fatalf("CreateFunction: %v", err)
	}
	before, err := cat.LookupFunction(ctx, id)
	if err != nil {
		t.Fatalf("LookupFunction: %v", err)
	}

	updated := addMeta("f")
	updated.Source = "return a - b;"
	if err := cat.ReplaceFunction(ctx, id, updated); err != nil {
		t.Fatalf("ReplaceFunction: %v", err)
	}

	after, err := cat.LookupFunction(ctx, id)
	if err != nil {
		t.Fatalf("LookupFunction after replace: %v", err)
	}
	if after.Source != "return a - b;" {
		t.Errorf("source not replaced: %q", after.Source)
	}
	if after.Fingerprint.Equal(before.Fingerprint) {
		t.Error("fingerprint unchanged after replace")
	}
}

func TestReplaceMissingFunction(t *testing.T) {
	cat := newTestCatalog(t)

	err := cat.ReplaceFunction(context.Background(), 123, addMeta("ghost"))
	if err == nil {
		t.Fatal("ReplaceFunction(123) succeeded, want error")
	}
}

func TestResolveFunction(t *testing.T) {
	cat := newTestCatalog(t)
	ctx := context.Background()

	id, err := cat.CreateFunction(ctx, addMeta("add_two"))
	if err != nil {
		t.Fatalf("CreateFunction: %v", err)
	}

	tests := []string{"add_two", "add_two(int4, int4)", " add_two "}
	for _, sig := range tests {
		got, err := cat.ResolveFunction(ctx, sig)
		if err != nil {
			t.Errorf("ResolveFunction(%q): %v", sig, err)
			continue
		}
		if got != id {
			t.Errorf("ResolveFunction(%q) = %d, want %d", sig, got, id)
		}
	}

	if _, err := cat.ResolveFunction(ctx, "missing"); err == nil {
		t.Error("ResolveFunction(missing) succeeded, want error")
	}
}

func TestCompositeRegistration(t *testing.T) {
	cat := newTestCatalog(t)

	desc := &types.RowDesc{Columns: []types.ColumnDesc{
		{Name: "id", Type: types.TypeDesc{OID: pgtype.Int4OID, Kind: types.KindInt}},
		{Name: "name", Type: types.TypeDesc{OID: pgtype.TextOID, Kind: types.KindText}},
	}}
	cat.RegisterComposite(70000, desc)

	got, ok := cat.CompositeDesc(70000)
	if !ok || got != desc {
		t.Error("registered composite not resolvable")
	}
	if _, ok := cat.CompositeDesc(70001); ok {
		t.Error("unknown composite resolved")
	}
}

func TestFileBackedCatalogPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")

	cat, err := OpenSQLite(Config{Path: path, BusyTimeout: 1000}, log.Default())
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	id, err := cat.CreateFunction(context.Background(), addMeta("persisted"))
	if err != nil {
		t.Fatalf("CreateFunction: %v", err)
	}
	cat.Close()

	reopened, err := OpenSQLite(Config{Path: path}, log.Default())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	meta, err := reopened.LookupFunction(context.Background(), id)
	if err != nil {
		t.Fatalf("LookupFunction after reopen: %v", err)
	}
	if meta.Name != "persisted" {
		t.Errorf("unexpected meta after reopen: %+v", meta)
	}
}

func TestTrimSignature(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"fn", "fn"},
		{"fn(int4)", "fn"},
		{"fn(int4, text)", "fn"},
		{"  fn  ", "fn"},
	}
	for _, tt := range tests {
		if got := TrimSignature(tt.in); got != tt.want {
			t.Errorf("TrimSignature(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
