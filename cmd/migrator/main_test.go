package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeMigratorDB struct {
	execFn     func(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	queryRowFn func(ctx context.Context, sql string, args ...any) pgx.Row
	beginFn    func(ctx context.Context) (pgx.Tx, error)
}

func (f *fakeMigratorDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	if f.execFn != nil {
		return f.execFn(ctx, sql, arguments...)
	}
	return pgconn.NewCommandTag("EXEC 1"), nil
}

func (f *fakeMigratorDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if f.queryRowFn != nil {
		return f.queryRowFn(ctx, sql, args...)
	}
	return fakeMigratorRow{values: []any{false}}
}

func (f *fakeMigratorDB) Begin(ctx context.Context) (pgx.Tx, error) {
	if f.beginFn != nil {
		return f.beginFn(ctx)
	}
	return &fakeMigratorTx{}, nil
}

type fakeMigratorRow struct {
	values []any
	err    error
}

func (r fakeMigratorRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return errors.New("scan arity mismatch")
	}
	for i := range dest {
		switch d := dest[i].(type) {
		case *bool:
			v, ok := r.values[i].(bool)
			if !ok {
				return errors.New("expected bool")
			}
			*d = v
		default:
			return errors.New("unsupported scan type")
		}
	}
	return nil
}

type fakeMigratorTx struct {
	execFn        func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	commitErr     error
	rollbackErr   error
	rollbackCalls int
}

func (t *fakeMigratorTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }
func (t *fakeMigratorTx) Commit(ctx context.Context) error          { return t.commitErr }
func (t *fakeMigratorTx) Rollback(ctx context.Context) error {
	t.rollbackCalls++
	return t.rollbackErr
}
func (t *fakeMigratorTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not implemented")
}
func (t *fakeMigratorTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (t *fakeMigratorTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (t *fakeMigratorTx) Prepare(ctx context.Context, name string, sql string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeMigratorTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if t.execFn != nil {
		return t.execFn(ctx, sql, args...)
	}
	return pgconn.NewCommandTag("EXEC 1"), nil
}
func (t *fakeMigratorTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeMigratorTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return fakeMigratorRow{err: errors.New("not implemented")}
}
func (t *fakeMigratorTx) Conn() *pgx.Conn { return nil }

func sqlFS(names ...string) fstest.MapFS {
	out := fstest.MapFS{}
	for _, n := range names {
		out[n] = &fstest.MapFile{Data: []byte("SELECT 1;")}
	}
	return out
}

func pendingDB(tx *fakeMigratorTx) *fakeMigratorDB {
	return &fakeMigratorDB{
		queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return fakeMigratorRow{values: []any{false}}
		},
		beginFn: func(ctx context.Context) (pgx.Tx, error) { return tx, nil },
	}
}

func TestRunMigrationsSuccessAndSkip(t *testing.T) {
	db := &fakeMigratorDB{}
	var applied []string
	tx := &fakeMigratorTx{
		execFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			if len(args) == 1 {
				applied = append(applied, args[0].(string))
			}
			return pgconn.NewCommandTag("EXEC 1"), nil
		},
	}
	db.beginFn = func(ctx context.Context) (pgx.Tx, error) { return tx, nil }
	db.queryRowFn = func(ctx context.Context, sql string, args ...any) pgx.Row {
		return fakeMigratorRow{values: []any{args[0].(string) == "0001_intents.sql"}}
	}
	fsys := sqlFS("0003_kb.sql", "0001_intents.sql", "0002_audit_log.sql")
	fsys["README.md"] = &fstest.MapFile{Data: []byte("not a migration")}
	fsys["nested/0004_x.sql"] = &fstest.MapFile{Data: []byte("SELECT 1;")}

	var logs []string
	logf := func(format string, args ...any) { logs = append(logs, fmt.Sprintf(format, args...)) }

	if err := runMigrations(context.Background(), db, fsys, logf); err != nil {
		t.Fatalf("runMigrations failed: %v", err)
	}
	if strings.Join(applied, ",") != "0002_audit_log.sql,0003_kb.sql" {
		t.Fatalf("unexpected applied order: %v", applied)
	}
	if tx.rollbackCalls != 0 {
		t.Fatalf("unexpected rollback calls: %d", tx.rollbackCalls)
	}
	if len(logs) != 3 || logs[2] != "migrations done: 2 applied, 1 already present" {
		t.Fatalf("unexpected logs: %#v", logs)
	}
}

func TestEmbeddedMigrationsAreOrdered(t *testing.T) {
	var applied []string
	tx := &fakeMigratorTx{
		execFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			if len(args) == 1 {
				applied = append(applied, args[0].(string))
			} else if !strings.Contains(sql, "CREATE TABLE") {
				t.Errorf("migration body has no DDL: %.60s", sql)
			}
			return pgconn.NewCommandTag("EXEC 1"), nil
		},
	}
	if err := runMigrations(context.Background(), pendingDB(tx), migrationsFS(), func(string, ...any) {}); err != nil {
		t.Fatalf("runMigrations: %v", err)
	}
	if strings.Join(applied, ",") != "0001_intents.sql,0002_audit_log.sql,0003_kb.sql" {
		t.Fatalf("unexpected embedded migrations: %v", applied)
	}
}

func TestRunMigrationsErrorBranches(t *testing.T) {
	t.Run("db required", func(t *testing.T) {
		err := runMigrations(context.Background(), nil, sqlFS(), nil)
		if err == nil || !strings.Contains(err.Error(), "db required") {
			t.Fatalf("expected db required error, got %v", err)
		}
	})

	t.Run("fs required", func(t *testing.T) {
		err := runMigrations(context.Background(), &fakeMigratorDB{}, nil, nil)
		if err == nil || !strings.Contains(err.Error(), "migrations fs required") {
			t.Fatalf("expected fs required error, got %v", err)
		}
	})

	t.Run("create table failure", func(t *testing.T) {
		db := &fakeMigratorDB{
			execFn: func(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
				return pgconn.CommandTag{}, errors.New("create fail")
			},
		}
		err := runMigrations(context.Background(), db, sqlFS("0001.sql"), nil)
		if err == nil || !strings.Contains(err.Error(), "create schema_migrations") {
			t.Fatalf("expected create schema error, got %v", err)
		}
	})

	t.Run("glob failure", func(t *testing.T) {
		err := runMigrations(context.Background(), &fakeMigratorDB{}, badGlobFS{}, nil)
		if err == nil || !strings.Contains(err.Error(), "glob migrations") {
			t.Fatalf("expected glob error, got %v", err)
		}
	})

	t.Run("lookup failure", func(t *testing.T) {
		db := &fakeMigratorDB{
			queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
				return fakeMigratorRow{err: errors.New("lookup fail")}
			},
		}
		err := runMigrations(context.Background(), db, sqlFS("0001.sql"), nil)
		if err == nil || !strings.Contains(err.Error(), "migration lookup") {
			t.Fatalf("expected lookup error, got %v", err)
		}
	})

	t.Run("read failure", func(t *testing.T) {
		fsys := fstest.MapFS{"0001.sql": &fstest.MapFile{Mode: fs.ModeDir}}
		err := runMigrations(context.Background(), pendingDB(&fakeMigratorTx{}), fsys, nil)
		if err == nil || !strings.Contains(err.Error(), "read migration") {
			t.Fatalf("expected read error, got %v", err)
		}
	})

	t.Run("begin failure", func(t *testing.T) {
		db := pendingDB(nil)
		db.beginFn = func(ctx context.Context) (pgx.Tx, error) { return nil, errors.New("begin fail") }
		err := runMigrations(context.Background(), db, sqlFS("0001.sql"), nil)
		if err == nil || !strings.Contains(err.Error(), "begin migration tx") {
			t.Fatalf("expected begin error, got %v", err)
		}
	})

	t.Run("apply failure rollbacks", func(t *testing.T) {
		tx := &fakeMigratorTx{
			execFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
				return pgconn.CommandTag{}, errors.New("apply fail")
			},
		}
		err := runMigrations(context.Background(), pendingDB(tx), sqlFS("0001.sql"), nil)
		if err == nil || !strings.Contains(err.Error(), "apply migration 0001.sql") {
			t.Fatalf("expected apply error, got %v", err)
		}
		if tx.rollbackCalls != 1 {
			t.Fatalf("expected rollback on apply failure, got %d", tx.rollbackCalls)
		}
	})

	t.Run("mark failure rollbacks", func(t *testing.T) {
		execCalls := 0
		tx := &fakeMigratorTx{
			execFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
				execCalls++
				if execCalls == 2 {
					return pgconn.CommandTag{}, errors.New("mark fail")
				}
				return pgconn.NewCommandTag("EXEC 1"), nil
			},
		}
		err := runMigrations(context.Background(), pendingDB(tx), sqlFS("0001.sql"), nil)
		if err == nil || !strings.Contains(err.Error(), "mark migration") {
			t.Fatalf("expected mark error, got %v", err)
		}
		if tx.rollbackCalls != 1 {
			t.Fatalf("expected rollback on mark failure, got %d", tx.rollbackCalls)
		}
	})

	t.Run("commit failure", func(t *testing.T) {
		tx := &fakeMigratorTx{commitErr: errors.New("commit fail")}
		err := runMigrations(context.Background(), pendingDB(tx), sqlFS("0001.sql"), nil)
		if err == nil || !strings.Contains(err.Error(), "commit migration") {
			t.Fatalf("expected commit error, got %v", err)
		}
	})
}

// badGlobFS fails every directory read.
type badGlobFS struct{}

func (badGlobFS) Open(name string) (fs.File, error) { return nil, errors.New("glob fail") }

func (badGlobFS) Glob(pattern string) ([]string, error) { return nil, errors.New("glob fail") }
