package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	plerrors "github.com/ha1tch/pljs/pkg/errors"
	"github.com/ha1tch/pljs/pkg/log"
	"github.com/ha1tch/pljs/pkg/types"
)

// SQLiteCatalog stores function definitions in a SQLite database and
// implements the Catalog interface over them. Composite row types are
// registered in memory, since SQLite has no native composite types.
type SQLiteCatalog struct {
	mu sync.RWMutex
	db *sql.DB

	logger *log.Logger

	// version is a monotonically increasing counter standing in for the
	// transaction-visibility id of a catalog row.
	version int64

	composites map[uint32]*types.RowDesc
}

// Config holds SQLite catalog configuration.
type Config struct {
	// Path to the database file. Use ":memory:" for an in-memory catalog.
	Path string

	BusyTimeout int // milliseconds
}

// DefaultConfig returns sensible defaults for the SQLite catalog.
func DefaultConfig() Config {
	return Config{
		Path:        ":memory:",
		BusyTimeout: 5000,
	}
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS pljs_functions (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	name      TEXT    NOT NULL UNIQUE,
	owner     TEXT    NOT NULL,
	source    TEXT    NOT NULL,
	arg_types TEXT    NOT NULL DEFAULT '',
	arg_names TEXT    NOT NULL DEFAULT '',
	ret_type  INTEGER NOT NULL,
	ret_set   INTEGER NOT NULL DEFAULT 0,
	version   INTEGER NOT NULL
)`

// OpenSQLite opens (and if necessary initializes) a SQLite-backed catalog.
func OpenSQLite(cfg Config, logger *log.Logger) (*SQLiteCatalog, error) {
	dsn := cfg.Path
	var opts []string
	if cfg.BusyTimeout > 0 {
		opts = append(opts, fmt.Sprintf("_busy_timeout=%d", cfg.BusyTimeout))
	}
	opts = append(opts, "_foreign_keys=ON")
	if len(opts) > 0 {
		dsn = dsn + "?" + strings.Join(opts, "&")
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, plerrors.Wrap(err, plerrors.ErrCodeStorageConnect,
			"failed to open catalog database").
			WithOp("catalog.OpenSQLite").
			WithField("path", cfg.Path).
			Err()
	}
	// SQLite prefers a single writer; the host model is single-threaded
	// anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, plerrors.Wrap(err, plerrors.ErrCodeStorageConnect,
			"failed to ping catalog database").
			WithOp("catalog.OpenSQLite").
			Err()
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, plerrors.Wrap(err, plerrors.ErrCodeStorageExec,
			"failed to create catalog schema").
			WithOp("catalog.OpenSQLite").
			Err()
	}

	c := &SQLiteCatalog{
		db:         db,
		logger:     logger,
		composites: make(map[uint32]*types.RowDesc),
	}

	// Resume the version counter past anything already stored.
	row := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM pljs_functions`)
	if err := row.Scan(&c.version); err != nil {
		db.Close()
		return nil, plerrors.Wrap(err, plerrors.ErrCodeStorageQuery,
			"failed to read catalog version").
			WithOp("catalog.OpenSQLite").
			Err()
	}

	logger.Storage().Debug("catalog opened", "path", cfg.Path)
	return c, nil
}

// DB exposes the underlying database so the host query session can share
// the same store as the catalog.
func (c *SQLiteCatalog) DB() *sql.DB {
	return c.db
}

// Close closes the catalog database.
func (c *SQLiteCatalog) Close() error {
	return c.db.Close()
}

// CreateFunction installs a new function definition and returns its id.
func (c *SQLiteCatalog) CreateFunction(ctx context.Context, meta *FunctionMeta) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.version++
	res, err := c.db.ExecContext(ctx,
		`INSERT INTO pljs_functions (name, owner, source, arg_types, arg_names, ret_type, ret_set, version)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		meta.Name, meta.Owner, meta.Source,
		encodeOIDs(meta.ArgTypes), strings.Join(meta.ArgNames, ","),
		int64(meta.RetType), boolToInt(meta.RetSet), c.version)
	if err != nil {
		return 0, plerrors.Wrapf(err, plerrors.ErrCodeStorageExec,
			"failed to create function %q", meta.Name).
			WithOp("SQLiteCatalog.CreateFunction").
			Err()
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, plerrors.Wrap(err, plerrors.ErrCodeStorageExec,
			"failed to read new function id").
			WithOp("SQLiteCatalog.CreateFunction").
			Err()
	}

	c.logger.Storage().Debug("function created",
		"function", meta.Name,
		"id", id,
		"owner", meta.Owner,
	)
	return id, nil
}

// ReplaceFunction updates a function definition in place, bumping its
// catalog fingerprint so cached compilations invalidate.
func (c *SQLiteCatalog) ReplaceFunction(ctx context.Context, id int64, meta *FunctionMeta) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.version++
	res, err := c.db.ExecContext(ctx,
		`UPDATE pljs_functions
		 SET name = ?, owner = ?, source = ?, arg_types = ?, arg_names = ?,
		     ret_type = ?, ret_set = ?, version = ?
		 WHERE id = ?`,
		meta.Name, meta.Owner, meta.Source,
		encodeOIDs(meta.ArgTypes), strings.Join(meta.ArgNames, ","),
		int64(meta.RetType), boolToInt(meta.RetSet), c.version, id)
	if err != nil {
		return plerrors.Wrapf(err, plerrors.ErrCodeStorageExec,
			"failed to replace function %d", id).
			WithOp("SQLiteCatalog.ReplaceFunction").
			Err()
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return plerrors.NotFound("function", strconv.FormatInt(id, 10)).
			WithOp("SQLiteCatalog.ReplaceFunction").
			Err()
	}

	c.logger.Storage().Debug("function replaced", "id", id, "version", c.version)
	return nil
}

// LookupFunction returns the current metadata for a function id.
func (c *SQLiteCatalog) LookupFunction(ctx context.Context, id int64) (*FunctionMeta, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	row := c.db.QueryRowContext(ctx,
		`SELECT id, name, owner, source, arg_types, arg_names, ret_type, ret_set, version, rowid
		 FROM pljs_functions WHERE id = ?`, id)
	return scanFunction(row)
}

// ResolveFunction resolves a textual signature to a function id.
func (c *SQLiteCatalog) ResolveFunction(ctx context.Context, signature string) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	name := TrimSignature(signature)
	var id int64
	err := c.db.QueryRowContext(ctx,
		`SELECT id FROM pljs_functions WHERE name = ?`, name).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, plerrors.NotFound("function", signature).
			WithOp("SQLiteCatalog.ResolveFunction").
			Err()
	}
	if err != nil {
		return 0, plerrors.Wrap(err, plerrors.ErrCodeStorageQuery,
			"failed to resolve function").
			WithOp("SQLiteCatalog.ResolveFunction").
			WithField("signature", signature).
			Err()
	}
	return id, nil
}

// RegisterComposite registers a composite row type under an OID.
func (c *SQLiteCatalog) RegisterComposite(oid uint32, desc *types.RowDesc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.composites[oid] = desc
}

// CompositeDesc resolves a registered composite type OID.
func (c *SQLiteCatalog) CompositeDesc(oid uint32) (*types.RowDesc, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	desc, ok := c.composites[oid]
	return desc, ok
}

func scanFunction(row *sql.Row) (*FunctionMeta, error) {
	var (
		meta     FunctionMeta
		argTypes string
		argNames string
		retType  int64
		retSet   int64
	)
	err := row.Scan(&meta.ID, &meta.Name, &meta.Owner, &meta.Source,
		&argTypes, &argNames, &retType, &retSet,
		&meta.Fingerprint.Version, &meta.Fingerprint.Location)
	if err == sql.ErrNoRows {
		return nil, plerrors.New(plerrors.ErrCodeFuncNotFound,
			"cache lookup failed for function").
			WithOp("catalog.scanFunction").
			Err()
	}
	if err != nil {
		return nil, plerrors.Wrap(err, plerrors.ErrCodeStorageQuery,
			"failed to scan function row").
			WithOp("catalog.scanFunction").
			Err()
	}

	meta.ArgTypes = decodeOIDs(argTypes)
	if argNames != "" {
		meta.ArgNames = strings.Split(argNames, ",")
	}
	meta.RetType = uint32(retType)
	meta.RetSet = retSet != 0
	return &meta, nil
}

func encodeOIDs(oids []uint32) string {
	parts := make([]string, len(oids))
	for i, o := range oids {
		parts[i] = strconv.FormatUint(uint64(o), 10)
	}
	return strings.Join(parts, ",")
}

func decodeOIDs(s string) []uint32 {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	oids := make([]uint32, 0, len(parts))
	for _, p := range parts {
		if v, err := strconv.ParseUint(p, 10, 32); err == nil {
			oids = append(oids, uint32(v))
		}
	}
	return oids
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
