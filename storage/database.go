// Package storage persists the durable GTNet records: peers and their
// capabilities, protocol messages with delivery attempts, the local
// instrument store and the shared push pool, and open status notices.
//
// The backend is database/sql with either the sqlite3 or the postgres
// driver. All statements are written with ? placeholders and rebound to $n
// for postgres.
package storage

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Drivers supported by Open.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Options selects and configures the backend.
type Options struct {
	Driver string
	DSN    string
}

// Store wraps one open database handle.
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to the configured backend and applies all migrations.
func Open(opts Options) (*Store, error) {
	switch opts.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("storage: unsupported driver %q", opts.Driver)
	}
	if opts.DSN == "" {
		return nil, fmt.Errorf("storage: DSN is required")
	}

	dsn := opts.DSN
	if opts.Driver == DriverSQLite && !strings.Contains(dsn, "_busy_timeout") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_busy_timeout=5000"
	}

	db, err := sql.Open(opts.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &Store{db: db, driver: opts.Driver}

	if opts.Driver == DriverSQLite {
		if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
		if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// serialPK returns the driver-specific auto-assigned integer primary key
// column definition.
func (s *Store) serialPK() string {
	if s.driver == DriverPostgres {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

func (s *Store) migrations() []string {
	return []string{
		`
CREATE TABLE IF NOT EXISTS peers (
  domain                TEXT PRIMARY KEY,
  timezone              TEXT NOT NULL,
  spread_capability     INTEGER NOT NULL DEFAULT 0,
  daily_request_limit   INTEGER,
  server_busy           INTEGER NOT NULL DEFAULT 0,
  server_online         TEXT NOT NULL CHECK(server_online IN ('unknown','online','offline')) DEFAULT 'unknown',
  allow_server_creation INTEGER NOT NULL DEFAULT 0,
  added_timestamp       BIGINT NOT NULL,
  last_seen_timestamp   BIGINT
);
`,
		`
CREATE TABLE IF NOT EXISTS peer_capabilities (
  peer_domain    TEXT NOT NULL REFERENCES peers(domain),
  kind           SMALLINT NOT NULL,
  accept_request TEXT NOT NULL CHECK(accept_request IN ('closed','open','push_open')) DEFAULT 'closed',
  server_state   TEXT NOT NULL CHECK(server_state IN ('none','closed','maintenance','open')) DEFAULT 'none',
  PRIMARY KEY (peer_domain, kind)
);
`,
		`
CREATE TABLE IF NOT EXISTS messages (
  message_id   TEXT PRIMARY KEY,
  message_code SMALLINT NOT NULL,
  direction    TEXT NOT NULL CHECK(direction IN ('sent','received')),
  peer_domain  TEXT,
  timestamp    BIGINT NOT NULL,
  note         TEXT NOT NULL DEFAULT '',
  params       TEXT NOT NULL DEFAULT '',
  reply_to_id  TEXT
);
`,
		`
CREATE TABLE IF NOT EXISTS message_attempts (
  message_id      TEXT NOT NULL REFERENCES messages(message_id),
  target_domain   TEXT NOT NULL,
  delivery_status TEXT NOT NULL CHECK(delivery_status IN ('pending','delivered','failed')) DEFAULT 'pending',
  attempt_count   INTEGER NOT NULL DEFAULT 0,
  last_attempt    BIGINT,
  PRIMARY KEY (message_id, target_domain)
);
`,
		`
CREATE INDEX IF NOT EXISTS idx_message_attempts_status
ON message_attempts (delivery_status, last_attempt);
`,
		`
CREATE INDEX IF NOT EXISTS idx_messages_peer_code_time
ON messages (peer_domain, direction, timestamp);
`,
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS instruments (
  id          %s,
  isin        TEXT,
  currency    TEXT NOT NULL,
  to_currency TEXT
);
`, s.serialPK()),
		`
CREATE UNIQUE INDEX IF NOT EXISTS idx_instruments_security
ON instruments (isin, currency) WHERE isin IS NOT NULL;
`,
		`
CREATE UNIQUE INDEX IF NOT EXISTS idx_instruments_currencypair
ON instruments (currency, to_currency) WHERE isin IS NULL AND to_currency IS NOT NULL;
`,
		`
CREATE TABLE IF NOT EXISTS instrument_lastprices (
  instrument_id BIGINT PRIMARY KEY REFERENCES instruments(id),
  timestamp     BIGINT,
  open          DOUBLE PRECISION,
  high          DOUBLE PRECISION,
  low           DOUBLE PRECISION,
  last          DOUBLE PRECISION,
  volume        DOUBLE PRECISION
);
`,
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS pooled_instruments (
  id                %s,
  isin              TEXT,
  currency          TEXT NOT NULL,
  to_currency       TEXT,
  created_by_domain TEXT NOT NULL,
  created_timestamp BIGINT NOT NULL
);
`, s.serialPK()),
		`
CREATE UNIQUE INDEX IF NOT EXISTS idx_pooled_instruments_security
ON pooled_instruments (isin, currency) WHERE isin IS NOT NULL;
`,
		`
CREATE UNIQUE INDEX IF NOT EXISTS idx_pooled_instruments_currencypair
ON pooled_instruments (currency, to_currency) WHERE isin IS NULL AND to_currency IS NOT NULL;
`,
		`
CREATE TABLE IF NOT EXISTS pooled_lastprices (
  instrument_id BIGINT PRIMARY KEY REFERENCES pooled_instruments(id),
  timestamp     BIGINT,
  open          DOUBLE PRECISION,
  high          DOUBLE PRECISION,
  low           DOUBLE PRECISION,
  last          DOUBLE PRECISION,
  volume        DOUBLE PRECISION
);
`,
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS notices (
  id                %s,
  class             TEXT NOT NULL CHECK(class IN ('maintenance','operation_discontinued')),
  domain            TEXT NOT NULL,
  status            TEXT NOT NULL CHECK(status IN ('open','canceled','superseded')) DEFAULT 'open',
  from_timestamp    BIGINT NOT NULL,
  until_timestamp   BIGINT,
  note              TEXT NOT NULL DEFAULT '',
  created_timestamp BIGINT NOT NULL
);
`, s.serialPK()),
		`
CREATE INDEX IF NOT EXISTS idx_notices_domain_class_status
ON notices (domain, class, status);
`,
	}
}

func (s *Store) migrate() error {
	for i, migration := range s.migrations() {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("apply migration %d: %w", i, err)
		}
	}
	return nil
}

// rebind converts ? placeholders to $n for the postgres driver.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// insertReturningID runs an insert producing an auto-assigned id. The query
// must be written without a RETURNING clause.
func (s *Store) insertReturningID(tx *sql.Tx, query string, args ...any) (int64, error) {
	if s.driver == DriverPostgres {
		var id int64
		err := tx.QueryRow(s.rebind(query+" RETURNING id"), args...).Scan(&id)
		return id, err
	}

	res, err := tx.Exec(query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
