// Package migrate applies the embedded schema migrations and seed files to PostgreSQL.
package migrate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"ontour.app/internal/obs"
)

const (
	defaultHistoryTable = "ontour_schema_history"

	// lockID serializes concurrent migrate runs against one database.
	lockID int64 = 0x6f6e746f7572

	KindMigration = "migration"
	KindSeed      = "seed"
)

var (
	// ErrChecksumMismatch reports an applied migration whose file changed afterwards.
	ErrChecksumMismatch = errors.New("migrate: applied migration changed on disk")
	// ErrNothingApplied is returned by Down when the history holds no migration.
	ErrNothingApplied = errors.New("migrate: no migrations applied")
)

// Record is one row of the history table.
type Record struct {
	Kind      string
	Name      string
	Checksum  string
	AppliedAt time.Time
}

// Manager runs migrations (*.up.sql / *.down.sql) and seeds (*.sql) read from file systems.
type Manager struct {
	db         *sql.DB
	migrations fs.FS
	seeds      fs.FS
	table      string
	now        func() time.Time
}

// Option configures Manager.
type Option func(*Manager)

// WithHistoryTable overrides the bookkeeping table. Names that are not plain identifiers are
// ignored.
func WithHistoryTable(name string) Option {
	return func(m *Manager) {
		if isIdentifier(name) {
			m.table = name
		}
	}
}

// WithClock overrides the applied_at time source.
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewManager constructs a Manager. Either file system may be nil.
func NewManager(db *sql.DB, migrations, seeds fs.FS, opts ...Option) *Manager {
	m := &Manager{
		db:         db,
		migrations: migrations,
		seeds:      seeds,
		table:      defaultHistoryTable,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies pending migrations in file name order. It refuses to continue when an applied
// migration no longer matches its recorded checksum.
func (m *Manager) Up(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		return m.apply(ctx, conn, KindMigration, m.migrations, ".up.sql")
	})
}

// Seed applies seed files that have not run yet. Edited seeds are reported but not re-run.
func (m *Manager) Seed(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		return m.apply(ctx, conn, KindSeed, m.seeds, ".sql")
	})
}

// Down rolls back the most recently applied migration.
func (m *Manager) Down(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		history, err := m.history(ctx, conn, KindMigration)
		if err != nil {
			return err
		}
		if len(history) == 0 {
			return ErrNothingApplied
		}
		last := history[len(history)-1].Name
		downName := strings.TrimSuffix(last, ".up.sql") + ".down.sql"
		if m.migrations == nil {
			return fmt.Errorf("migrate: missing %s", downName)
		}
		data, err := fs.ReadFile(m.migrations, downName)
		if err != nil {
			return fmt.Errorf("migrate: missing %s: %w", downName, err)
		}
		err = m.runFile(ctx, conn, data, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				fmt.Sprintf(`delete from %s where kind = $1 and name = $2`, m.table), KindMigration, last)
			return err
		})
		if err != nil {
			return fmt.Errorf("migrate: roll back %s: %w", last, err)
		}
		obs.Info("migrate.rolled_back", map[string]any{"name": last})
		return nil
	})
}

// Status lists applied migrations and seeds in the order they ran.
func (m *Manager) Status(ctx context.Context) ([]Record, error) {
	var out []Record
	err := m.locked(ctx, func(conn *sql.Conn) error {
		var err error
		out, err = m.history(ctx, conn, "")
		return err
	})
	return out, err
}

func (m *Manager) locked(ctx context.Context, fn func(*sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("migrate: connect: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `select pg_advisory_lock($1)`, lockID); err != nil {
		return fmt.Errorf("migrate: acquire lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), `select pg_advisory_unlock($1)`, lockID)
	}()

	ddl := fmt.Sprintf(`create table if not exists %s (
	kind text not null,
	name text not null,
	checksum text not null,
	applied_at timestamptz not null,
	primary key (kind, name)
)`, m.table)
	if _, err := conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("migrate: ensure %s: %w", m.table, err)
	}
	return fn(conn)
}

func (m *Manager) apply(ctx context.Context, conn *sql.Conn, kind string, fsys fs.FS, suffix string) error {
	records, err := m.history(ctx, conn, kind)
	if err != nil {
		return err
	}
	applied := make(map[string]string, len(records))
	for _, r := range records {
		applied[r.Name] = r.Checksum
	}
	files, err := collectSQL(fsys, suffix)
	if err != nil {
		return err
	}

	for _, f := range files {
		data, err := fs.ReadFile(fsys, f.Path)
		if err != nil {
			return err
		}
		sum := checksum(data)
		if prev, ok := applied[f.Base]; ok {
			if prev == sum {
				continue
			}
			if kind == KindMigration {
				return fmt.Errorf("%w: %s", ErrChecksumMismatch, f.Base)
			}
			obs.Warn("migrate.seed_changed", map[string]any{"name": f.Base})
			continue
		}
		err = m.runFile(ctx, conn, data, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				fmt.Sprintf(`insert into %s (kind, name, checksum, applied_at) values ($1, $2, $3, $4)`, m.table),
				kind, f.Base, sum, m.now().UTC())
			return err
		})
		if err != nil {
			return fmt.Errorf("migrate: apply %s %s: %w", kind, f.Base, err)
		}
		obs.Info("migrate.applied", map[string]any{"kind": kind, "name": f.Base})
	}
	return nil
}

// runFile executes every statement of data and the bookkeeping step in one transaction.
func (m *Manager) runFile(ctx context.Context, conn *sql.Conn, data []byte, record func(*sql.Tx) error) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(data)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if err := record(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// history returns applied records of kind, or of every kind when kind is empty.
func (m *Manager) history(ctx context.Context, conn *sql.Conn, kind string) ([]Record, error) {
	query := fmt.Sprintf(`select kind, name, checksum, applied_at from %s`, m.table)
	var args []any
	if kind != "" {
		query += ` where kind = $1`
		args = append(args, kind)
	}
	query += ` order by applied_at asc, name asc`

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("migrate: read history: %w", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Kind, &r.Name, &r.Checksum, &r.AppliedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type sqlFile struct {
	Base string
	Path string
}

func collectSQL(fsys fs.FS, suffix string) ([]sqlFile, error) {
	if fsys == nil {
		return nil, nil
	}
	var files []sqlFile
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		switch {
		case err != nil:
			return err
		case d.IsDir(), !strings.HasSuffix(d.Name(), suffix):
			return nil
		}
		files = append(files, sqlFile{Base: path.Base(p), Path: p})
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Base < files[j].Base })
	return files, nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// splitStatements splits on semicolons that are outside quoted literals and -- comments.
// Comment-only and blank fragments are dropped.
func splitStatements(src string) []string {
	var (
		stmts     []string
		current   strings.Builder
		inString  bool
		inComment bool
		content   bool
	)
	flush := func() {
		if content {
			stmts = append(stmts, strings.TrimSpace(current.String()))
		}
		current.Reset()
		content = false
	}
	for i := 0; i < len(src); i++ {
		c := src[i]
		switch {
		case inComment:
			if c == '\n' {
				inComment = false
				current.WriteByte(c)
			}
			continue
		case !inString && c == '-' && i+1 < len(src) && src[i+1] == '-':
			inComment = true
			i++
			continue
		case c == '\'':
			inString = !inString
		case c == ';' && !inString:
			current.WriteByte(c)
			flush()
			continue
		}
		current.WriteByte(c)
		if c != ' ' && c != '\t' && c != '\n' && c != '\r' {
			content = true
		}
	}
	flush()
	return stmts
}

func isIdentifier(name string) bool {
	if name == "" || len(name) > 63 {
		return false
	}
	for i, c := range name {
		switch {
		case c == '_', c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
