package props

import (
	"context"
	"database/sql"
	"encoding/xml"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const deadPropertiesTable = "dead_properties"

// SQLStore keeps dead properties in a SQL database (sqlite3 or postgres).
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQLStore opens the database behind dsn and creates the schema.
func OpenSQLStore(ctx context.Context, dialect Dialect, dsn string) (*SQLStore, error) {
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("open property database: %w", err)
	}

	if dialect == DialectSQLite {
		// sqlite serializes writers, and every :memory: connection is a new database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	s := NewSQLStore(db, dialect)
	if err := s.Initialize(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an open database. Call Initialize before use.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// Initialize creates the table and its index when missing.
func (s *SQLStore) Initialize(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS dead_properties (
			path TEXT NOT NULL,
			namespace TEXT NOT NULL,
			name TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (path, namespace, name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dead_properties_path ON dead_properties(path)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create property schema: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) List(ctx context.Context, path string) ([]*Element, error) {
	rows, err := NewSelectBuilder(deadPropertiesTable, "value").
		Where("path = ?", path).
		OrderBy("namespace", "name").
		ExecuteQuery(ctx, s.db, s.dialect)
	if err != nil {
		return nil, fmt.Errorf("list properties of %s: %w", path, err)
	}
	defer rows.Close()

	var out []*Element
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("scan property: %w", err)
		}
		el, err := ParseElement([]byte(value))
		if err != nil {
			return nil, fmt.Errorf("decode stored property of %s: %w", path, err)
		}
		out = append(out, el)
	}
	return out, rows.Err()
}

func (s *SQLStore) Apply(ctx context.Context, path string, set []*Element, remove []xml.Name) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, name := range remove {
			_, err := NewDeleteBuilder(deadPropertiesTable).
				Where("path = ?", path).
				Where("namespace = ?", name.Space).
				Where("name = ?", name.Local).
				Execute(ctx, tx, s.dialect)
			if err != nil {
				return fmt.Errorf("remove property %s: %w", name.Local, err)
			}
		}
		now := time.Now().Unix()
		for _, el := range set {
			value, err := xml.Marshal(el)
			if err != nil {
				return fmt.Errorf("encode property %s: %w", el.XMLName.Local, err)
			}
			_, err = NewInsertBuilder(deadPropertiesTable).
				Columns("path", "namespace", "name", "value", "updated_at").
				Values(path, el.XMLName.Space, el.XMLName.Local, string(value), now).
				OnConflict([]string{"path", "namespace", "name"}, "value", "updated_at").
				Execute(ctx, tx, s.dialect)
			if err != nil {
				return fmt.Errorf("store property %s: %w", el.XMLName.Local, err)
			}
		}
		return nil
	})
}

func (s *SQLStore) Copy(ctx context.Context, src, dst string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := NewDeleteBuilder(deadPropertiesTable).Where("path = ?", dst).Execute(ctx, tx, s.dialect); err != nil {
			return fmt.Errorf("clear properties of %s: %w", dst, err)
		}
		query := Rebind(s.dialect, `INSERT INTO dead_properties (path, namespace, name, value, updated_at)
			SELECT CAST(? AS TEXT), namespace, name, value, CAST(? AS BIGINT) FROM dead_properties WHERE path = ?`)
		if _, err := tx.ExecContext(ctx, query, dst, time.Now().Unix(), src); err != nil {
			return fmt.Errorf("copy properties %s -> %s: %w", src, dst, err)
		}
		return nil
	})
}

func (s *SQLStore) Move(ctx context.Context, src, dst string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := NewDeleteBuilder(deadPropertiesTable).Where("path = ?", dst).Execute(ctx, tx, s.dialect); err != nil {
			return fmt.Errorf("clear properties of %s: %w", dst, err)
		}
		_, err := NewUpdateBuilder(deadPropertiesTable).
			Set("path", dst).
			Set("updated_at", time.Now().Unix()).
			Where("path = ?", src).
			Execute(ctx, tx, s.dialect)
		if err != nil {
			return fmt.Errorf("move properties %s -> %s: %w", src, dst, err)
		}
		return nil
	})
}

func (s *SQLStore) Remove(ctx context.Context, path string) error {
	if _, err := NewDeleteBuilder(deadPropertiesTable).Where("path = ?", path).Execute(ctx, s.db, s.dialect); err != nil {
		return fmt.Errorf("remove properties of %s: %w", path, err)
	}
	return nil
}

func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
