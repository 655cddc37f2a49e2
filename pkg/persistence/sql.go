package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"regexp"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	"github.com/rowseal/rowseal"
)

const (
	defaultLoadKeyQuery    = "SELECT key_record FROM encryption_key WHERE id = ? AND created = ?"
	defaultStoreKeyQuery   = "INSERT INTO encryption_key (id, created, key_record) VALUES (?, ?, ?)"
	defaultLoadLatestQuery = "SELECT key_record FROM encryption_key WHERE id = ? ORDER BY created DESC LIMIT 1"

	// mysqlDuplicateEntry is the server error for a unique key
	// violation (ER_DUP_ENTRY).
	mysqlDuplicateEntry = 1062
)

var (
	// Verify SQLMetastore implements the Metastore interface.
	_ rowseal.Metastore = (*SQLMetastore)(nil)

	loadSQLTimer       = metrics.GetOrRegisterTimer(rowseal.MetricsPrefix+".metastore.sql.load", nil)
	loadLatestSQLTimer = metrics.GetOrRegisterTimer(rowseal.MetricsPrefix+".metastore.sql.loadlatest", nil)
	storeSQLTimer      = metrics.GetOrRegisterTimer(rowseal.MetricsPrefix+".metastore.sql.store", nil)
)

// SQLMetastoreDBType identifies a family of database/sql drivers.
type SQLMetastoreDBType string

const (
	Postgres SQLMetastoreDBType = "postgres"
	Oracle   SQLMetastoreDBType = "oracle"
	MySQL    SQLMetastoreDBType = "mysql"

	DefaultDBType = MySQL
)

var placeholderRx = regexp.MustCompile(`\?`)

// q rewrites "?" placeholders to $1..$n for Postgres and :1..:n for
// Oracle. MySQL queries pass through unchanged.
func (t SQLMetastoreDBType) q(query string) string {
	var pref string

	//nolint:exhaustive
	switch t {
	case Postgres:
		pref = "$"
	case Oracle:
		pref = ":"
	default:
		return query
	}

	n := 0

	return placeholderRx.ReplaceAllStringFunc(query, func(string) string {
		n++
		return pref + strconv.Itoa(n)
	})
}

// SQLMetastoreOption configures a SQLMetastore.
type SQLMetastoreOption func(*SQLMetastore)

// WithSQLMetastoreDBType adapts the metastore's queries to the given
// driver family. The default is MySQL.
func WithSQLMetastoreDBType(t SQLMetastoreDBType) SQLMetastoreOption {
	return func(s *SQLMetastore) {
		s.dbType = t
		s.loadKeyQuery = t.q(s.loadKeyQuery)
		s.storeKeyQuery = t.q(s.storeKeyQuery)
		s.loadLatestQuery = t.q(s.loadLatestQuery)
	}
}

// SQLMetastore persists envelope key records in a relational table with
// primary key (id, created) and a key_record column holding the record
// JSON.
type SQLMetastore struct {
	db *sql.DB

	dbType          SQLMetastoreDBType
	loadKeyQuery    string
	storeKeyQuery   string
	loadLatestQuery string
}

// NewSQLMetastore returns a SQLMetastore using the provided connection
// pool.
func NewSQLMetastore(db *sql.DB, opts ...SQLMetastoreOption) *SQLMetastore {
	s := &SQLMetastore{
		db: db,

		dbType:          DefaultDBType,
		loadKeyQuery:    defaultLoadKeyQuery,
		storeKeyQuery:   defaultStoreKeyQuery,
		loadLatestQuery: defaultLoadLatestQuery,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

type scanner interface {
	Scan(v ...interface{}) error
}

func parseEnvelope(s scanner) (*rowseal.EnvelopeKeyRecord, error) {
	var keyRecord string

	if err := s.Scan(&keyRecord); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, errors.Wrap(err, "error scanning key record")
	}

	var ekr *rowseal.EnvelopeKeyRecord

	if err := json.Unmarshal([]byte(keyRecord), &ekr); err != nil {
		return nil, errors.Wrap(err, "unable to unmarshal key record")
	}

	return ekr, nil
}

// Load retrieves the record matching id and created, or nil.
func (s *SQLMetastore) Load(ctx context.Context, id string, created int64) (*rowseal.EnvelopeKeyRecord, error) {
	defer loadSQLTimer.UpdateSince(time.Now())

	return parseEnvelope(s.db.QueryRowContext(ctx, s.loadKeyQuery, id, time.Unix(created, 0)))
}

// LoadLatest retrieves the newest record for id, or nil.
func (s *SQLMetastore) LoadLatest(ctx context.Context, id string) (*rowseal.EnvelopeKeyRecord, error) {
	defer loadLatestSQLTimer.UpdateSince(time.Now())

	return parseEnvelope(s.db.QueryRowContext(ctx, s.loadLatestQuery, id))
}

// Store inserts the record unless one with the same identity exists. A
// unique key violation reports a clean duplicate (false, nil) on MySQL;
// other driver families cannot distinguish duplicates from faults, so
// their insert errors surface to the caller.
func (s *SQLMetastore) Store(ctx context.Context, id string, created int64, envelope *rowseal.EnvelopeKeyRecord) (bool, error) {
	defer storeSQLTimer.UpdateSince(time.Now())

	bytes, err := json.Marshal(envelope)
	if err != nil {
		return false, errors.Wrap(err, "error marshaling key record")
	}

	if _, err := s.db.ExecContext(ctx, s.storeKeyQuery, id, time.Unix(created, 0), string(bytes)); err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
			return false, nil
		}

		return false, errors.Wrapf(err, "error storing key record %s-%d", id, created)
	}

	return true, nil
}
