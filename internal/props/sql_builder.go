package props

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
)

// Dialect selects the placeholder style of generated statements.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "postgres"
)

// Rebind rewrites ? placeholders into the style of d.
func Rebind(d Dialect, query string) string {
	if d != DialectPostgres {
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

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLBuilder builds SELECT statements.
type SQLBuilder struct {
	table      string
	selectCols []string
	whereConds []string
	orderBy    []string
	args       []any
}

// NewSelectBuilder creates a SELECT builder. No columns selects *.
func NewSelectBuilder(table string, cols ...string) *SQLBuilder {
	selectCols := cols
	if len(cols) == 0 {
		selectCols = []string{"*"}
	}
	return &SQLBuilder{table: table, selectCols: selectCols}
}

// Where adds a condition; conditions are joined with AND.
func (b *SQLBuilder) Where(condition string, args ...any) *SQLBuilder {
	b.whereConds = append(b.whereConds, condition)
	b.args = append(b.args, args...)
	return b
}

// OrderBy adds ORDER BY columns.
func (b *SQLBuilder) OrderBy(cols ...string) *SQLBuilder {
	b.orderBy = append(b.orderBy, cols...)
	return b
}

// Args returns the bound arguments in placeholder order.
func (b *SQLBuilder) Args() []any {
	return b.args
}

// Build renders the statement with ? placeholders.
func (b *SQLBuilder) Build() string {
	var query strings.Builder

	query.WriteString("SELECT ")
	query.WriteString(strings.Join(b.selectCols, ", "))
	query.WriteString(" FROM " + b.table)

	if len(b.whereConds) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(b.whereConds, " AND "))
	}

	if len(b.orderBy) > 0 {
		query.WriteString(" ORDER BY ")
		query.WriteString(strings.Join(b.orderBy, ", "))
	}

	return query.String()
}

// ExecuteQuery runs the statement.
func (b *SQLBuilder) ExecuteQuery(ctx context.Context, q querier, d Dialect) (*sql.Rows, error) {
	return q.QueryContext(ctx, Rebind(d, b.Build()), b.args...)
}

// InsertBuilder builds INSERT statements.
type InsertBuilder struct {
	table      string
	cols       []string
	rows       int
	args       []any
	conflict   []string
	updateCols []string
}

// NewInsertBuilder creates an INSERT builder.
func NewInsertBuilder(table string) *InsertBuilder {
	return &InsertBuilder{table: table}
}

// Columns sets the inserted columns.
func (i *InsertBuilder) Columns(cols ...string) *InsertBuilder {
	i.cols = append(i.cols, cols...)
	return i
}

// Values adds one row. The number of values must match Columns.
func (i *InsertBuilder) Values(vals ...any) *InsertBuilder {
	i.rows++
	i.args = append(i.args, vals...)
	return i
}

// OnConflict makes rows that collide on cols update updateCols instead. Without
// updateCols colliding rows are skipped.
func (i *InsertBuilder) OnConflict(cols []string, updateCols ...string) *InsertBuilder {
	i.conflict = cols
	i.updateCols = updateCols
	return i
}

// Build renders the statement with ? placeholders.
func (i *InsertBuilder) Build() string {
	var query strings.Builder

	query.WriteString("INSERT INTO " + i.table)
	query.WriteString(" (" + strings.Join(i.cols, ", ") + ")")

	placeholders := make([]string, len(i.cols))
	for j := range placeholders {
		placeholders[j] = "?"
	}
	row := "(" + strings.Join(placeholders, ", ") + ")"
	query.WriteString(" VALUES ")
	for r := 0; r < i.rows; r++ {
		if r > 0 {
			query.WriteString(", ")
		}
		query.WriteString(row)
	}

	if len(i.conflict) > 0 {
		query.WriteString(" ON CONFLICT (" + strings.Join(i.conflict, ", ") + ")")
		if len(i.updateCols) == 0 {
			query.WriteString(" DO NOTHING")
		} else {
			sets := make([]string, len(i.updateCols))
			for j, col := range i.updateCols {
				sets[j] = col + " = excluded." + col
			}
			query.WriteString(" DO UPDATE SET " + strings.Join(sets, ", "))
		}
	}

	return query.String()
}

// Args returns the bound arguments in placeholder order.
func (i *InsertBuilder) Args() []any {
	return i.args
}

// Execute runs the statement.
func (i *InsertBuilder) Execute(ctx context.Context, q querier, d Dialect) (sql.Result, error) {
	return q.ExecContext(ctx, Rebind(d, i.Build()), i.args...)
}

// UpdateBuilder builds UPDATE statements.
type UpdateBuilder struct {
	table      string
	sets       []string
	setArgs    []any
	conditions []string
	whereArgs  []any
}

// NewUpdateBuilder creates an UPDATE builder.
func NewUpdateBuilder(table string) *UpdateBuilder {
	return &UpdateBuilder{table: table}
}

// Set adds an assignment.
func (u *UpdateBuilder) Set(col string, val any) *UpdateBuilder {
	u.sets = append(u.sets, col+" = ?")
	u.setArgs = append(u.setArgs, val)
	return u
}

// Where adds a condition; conditions are joined with AND.
func (u *UpdateBuilder) Where(condition string, args ...any) *UpdateBuilder {
	u.conditions = append(u.conditions, condition)
	u.whereArgs = append(u.whereArgs, args...)
	return u
}

// Build renders the statement with ? placeholders.
func (u *UpdateBuilder) Build() string {
	var query strings.Builder

	query.WriteString("UPDATE " + u.table)
	query.WriteString(" SET " + strings.Join(u.sets, ", "))

	if len(u.conditions) > 0 {
		query.WriteString(" WHERE " + strings.Join(u.conditions, " AND "))
	}

	return query.String()
}

// Args returns the bound arguments in placeholder order.
func (u *UpdateBuilder) Args() []any {
	return append(append([]any{}, u.setArgs...), u.whereArgs...)
}

// Execute runs the statement.
func (u *UpdateBuilder) Execute(ctx context.Context, q querier, d Dialect) (sql.Result, error) {
	return q.ExecContext(ctx, Rebind(d, u.Build()), u.Args()...)
}

// DeleteBuilder builds DELETE statements.
type DeleteBuilder struct {
	table      string
	conditions []string
	args       []any
}

// NewDeleteBuilder creates a DELETE builder.
func NewDeleteBuilder(table string) *DeleteBuilder {
	return &DeleteBuilder{table: table}
}

// Where adds a condition; conditions are joined with AND.
func (d *DeleteBuilder) Where(condition string, args ...any) *DeleteBuilder {
	d.conditions = append(d.conditions, condition)
	d.args = append(d.args, args...)
	return d
}

// Build renders the statement with ? placeholders.
func (d *DeleteBuilder) Build() string {
	var query strings.Builder

	query.WriteString("DELETE FROM " + d.table)

	if len(d.conditions) > 0 {
		query.WriteString(" WHERE " + strings.Join(d.conditions, " AND "))
	}

	return query.String()
}

// Args returns the bound arguments in placeholder order.
func (d *DeleteBuilder) Args() []any {
	return d.args
}

// Execute runs the statement.
func (d *DeleteBuilder) Execute(ctx context.Context, q querier, dialect Dialect) (sql.Result, error) {
	return q.ExecContext(ctx, Rebind(dialect, d.Build()), d.args...)
}
