// Package host provides the relational-side collaborators the engine
// calls into: query sessions bracketing every function invocation, row
// sinks receiving set-returning output, and the transaction manager whose
// end-of-transaction hooks drive execution-environment cleanup.
package host

import (
	"context"
	"database/sql"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgtype"

	plerrors "github.com/ha1tch/pljs/pkg/errors"
	"github.com/ha1tch/pljs/pkg/log"
	"github.com/ha1tch/pljs/pkg/types"
)

// Status is a query-session status code. Zero is success; negative values
// describe the failure mode.
type Status int

const (
	StatusOK           Status = 0
	StatusConnectError Status = -1
	StatusFinishError  Status = -2
	StatusQueryError   Status = -3
	StatusUnconnected  Status = -4
)

// FormatStatus returns a readable description for a status code, used
// verbatim in error messages surfaced to script code.
func FormatStatus(s Status) string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusConnectError:
		return "connect failed"
	case StatusFinishError:
		return "finish failed"
	case StatusQueryError:
		return "query failed"
	case StatusUnconnected:
		return "not connected"
	default:
		return "unknown status"
	}
}

// QueryResult holds the outcome of one statement executed through a
// query session.
type QueryResult struct {
	// Desc and Rows are set for row-returning statements.
	Desc *types.RowDesc
	Rows []*types.Row

	// RowsAffected is set for data-modifying statements.
	RowsAffected int64
}

// QuerySession brackets engine calls the way the relational layer expects:
// Connect before control enters script code, Finish after it returns.
// Execute runs a statement inside the bracket.
type QuerySession interface {
	Connect() Status
	Execute(ctx context.Context, query string, args ...interface{}) (*QueryResult, error)
	Finish() Status
}

// SQLSession is a QuerySession over a database/sql store. Nested Connect
// calls are counted, so re-entrant function invocations share the
// outermost bracket.
type SQLSession struct {
	mu     sync.Mutex
	db     *sql.DB
	depth  int
	logger *log.Logger
}

// NewSQLSession creates a query session over db.
func NewSQLSession(db *sql.DB, logger *log.Logger) *SQLSession {
	if logger == nil {
		logger = log.Default()
	}
	return &SQLSession{db: db, logger: logger}
}

// Connect opens (or deepens) the session bracket.
func (s *SQLSession) Connect() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return StatusConnectError
	}
	s.depth++
	return StatusOK
}

// Finish closes one level of the session bracket.
func (s *SQLSession) Finish() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.depth == 0 {
		return StatusUnconnected
	}
	s.depth--
	return StatusOK
}

// Execute runs one statement. Row-returning statements produce Desc/Rows;
// everything else reports RowsAffected.
func (s *SQLSession) Execute(ctx context.Context, query string, args ...interface{}) (*QueryResult, error) {
	s.mu.Lock()
	connected := s.depth > 0
	s.mu.Unlock()
	if !connected {
		return nil, plerrors.New(plerrors.ErrCodeSessionFailed,
			"execute outside of a query session").
			WithOp("SQLSession.Execute").
			Err()
	}

	if returnsRows(query) {
		return s.query(ctx, query, args...)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, plerrors.Wrap(err, plerrors.ErrCodeStorageExec,
			"statement failed").
			WithOp("SQLSession.Execute").
			Err()
	}
	n, _ := res.RowsAffected()
	s.logger.Storage().Debug("statement executed", "rows_affected", n)
	return &QueryResult{RowsAffected: n}, nil
}

func (s *SQLSession) query(ctx context.Context, query string, args ...interface{}) (*QueryResult, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, plerrors.Wrap(err, plerrors.ErrCodeStorageQuery,
			"query failed").
			WithOp("SQLSession.query").
			Err()
	}
	defer rows.Close()

	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, plerrors.Wrap(err, plerrors.ErrCodeStorageQuery,
			"failed to read result columns").
			WithOp("SQLSession.query").
			Err()
	}

	desc := &types.RowDesc{Columns: make([]types.ColumnDesc, len(colTypes))}
	for i, ct := range colTypes {
		td, _ := types.Describe(columnOID(ct.DatabaseTypeName()), nil)
		desc.Columns[i] = types.ColumnDesc{
			Name:    ct.Name(),
			Type:    td,
			Ordinal: i,
		}
	}

	result := &QueryResult{Desc: desc}
	scan := make([]interface{}, len(colTypes))
	for rows.Next() {
		for i := range scan {
			scan[i] = new(interface{})
		}
		if err := rows.Scan(scan...); err != nil {
			return nil, plerrors.Wrap(err, plerrors.ErrCodeStorageQuery,
				"failed to scan result row").
				WithOp("SQLSession.query").
				Err()
		}
		row := types.NewRow(len(colTypes))
		for i := range scan {
			v := *(scan[i].(*interface{}))
			row.Values[i], row.Nulls[i] = types.NormalizeDatum(v, desc.Columns[i].Type)
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, plerrors.Wrap(err, plerrors.ErrCodeStorageQuery,
			"result iteration failed").
			WithOp("SQLSession.query").
			Err()
	}

	result.RowsAffected = int64(len(result.Rows))
	return result, nil
}

// returnsRows classifies a statement by its leading verb.
func returnsRows(query string) bool {
	verb := strings.ToUpper(firstWord(query))
	switch verb {
	case "SELECT", "WITH", "PRAGMA", "VALUES", "EXPLAIN":
		return true
	}
	return false
}

func firstWord(s string) string {
	s = strings.TrimSpace(s)
	for i, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == '(' {
			return s[:i]
		}
	}
	return s
}

// columnOID maps a driver-reported column type name to a type OID.
func columnOID(dbType string) uint32 {
	switch strings.ToUpper(dbType) {
	case "INTEGER", "INT", "BIGINT", "SMALLINT":
		return pgtype.Int8OID
	case "REAL", "FLOAT", "DOUBLE":
		return pgtype.Float8OID
	case "BOOLEAN", "BOOL":
		return pgtype.BoolOID
	case "NUMERIC", "DECIMAL":
		return pgtype.NumericOID
	case "TIMESTAMP", "DATETIME":
		return pgtype.TimestampOID
	case "DATE":
		return pgtype.DateOID
	default:
		return pgtype.TextOID
	}
}
