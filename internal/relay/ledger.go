package relay

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

//go:embed migrations
var migrationsFS embed.FS

const (
	dialectSQLite   = "sqlite"
	dialectPostgres = "postgres"
)

// Ledger is the durable record of bytes uploaded per client. Quota
// decisions are derived from it, so an entry must be committed before
// RecordUpload returns: a crash after acceptance must not lose the record.
//
// The default backend is an embedded sqlite database; a postgres:// DSN
// selects PostgreSQL instead. Schema is managed by golang-migrate at open
// time. A missing database file is initialized; a corrupt or unreadable
// one fails the open so startup halts instead of silently resetting
// quota history.
type Ledger struct {
	db      *sql.DB
	dialect string
}

// OpenLedger opens the usage ledger at dsn, runs migrations, and
// validates connectivity. dsn is either a sqlite file path or a
// postgres:// / postgresql:// URL.
func OpenLedger(dsn string) (*Ledger, error) {
	if dsn == "" {
		return nil, errors.New("ledger dsn is empty")
	}

	l := &Ledger{dialect: dialectSQLite}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		l.dialect = dialectPostgres
	}

	var err error
	switch l.dialect {
	case dialectPostgres:
		l.db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open ledger: %w", err)
		}
		// Conservative pool defaults.
		l.db.SetMaxOpenConns(10)
		l.db.SetMaxIdleConns(10)
		l.db.SetConnMaxLifetime(30 * time.Minute)
	default:
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("open ledger: %w", err)
		}
		// WAL for concurrent readers, FULL sync so committed entries
		// survive a crash, busy_timeout so the single writer queues
		// instead of erroring.
		uri := "file:" + dsn + "?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)"
		l.db, err = sql.Open("sqlite", uri)
		if err != nil {
			return nil, fmt.Errorf("open ledger: %w", err)
		}
		// The ledger's read-modify-write cycle is a single serialization
		// domain: one connection means one writer, no lost updates.
		l.db.SetMaxOpenConns(1)
	}

	// Validate connectivity immediately.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.db.PingContext(ctx); err != nil {
		_ = l.db.Close()
		return nil, fmt.Errorf("ping ledger: %w", err)
	}

	if err := l.migrate(); err != nil {
		_ = l.db.Close()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}

	return l, nil
}

func (l *Ledger) migrate() error {
	src, err := iofs.New(migrationsFS, "migrations/"+l.dialect)
	if err != nil {
		return err
	}

	var drv database.Driver
	switch l.dialect {
	case dialectPostgres:
		drv, err = migratepgx.WithInstance(l.db, &migratepgx.Config{})
	default:
		drv, err = migratesqlite.WithInstance(l.db, &migratesqlite.Config{})
	}
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", src, l.dialect, drv)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// RecordUpload appends one entry. The insert is committed before return.
func (l *Ledger) RecordUpload(ctx context.Context, clientID string, size int64, ts time.Time) error {
	_, err := l.db.ExecContext(ctx,
		l.rebind(`INSERT INTO ledger_entries (client_id, size_bytes, uploaded_at) VALUES (?, ?, ?)`),
		clientID, size, ts.UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("record upload: %w", err)
	}
	return nil
}

// DailyTotal sums the entries for clientID on the UTC calendar day of
// asOf. Calendar day, not a rolling 24h window. Unknown clients total 0.
func (l *Ledger) DailyTotal(ctx context.Context, clientID string, asOf time.Time) (int64, error) {
	asOf = asOf.UTC()
	dayStart := time.Date(asOf.Year(), asOf.Month(), asOf.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.AddDate(0, 0, 1)

	var total int64
	err := l.db.QueryRowContext(ctx,
		l.rebind(`SELECT COALESCE(SUM(size_bytes), 0) FROM ledger_entries WHERE client_id = ? AND uploaded_at >= ? AND uploaded_at < ?`),
		clientID, dayStart.Unix(), dayEnd.Unix(),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("daily total: %w", err)
	}
	return total, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

// rebind rewrites ? placeholders to $n for postgres.
func (l *Ledger) rebind(query string) string {
	if l.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}
