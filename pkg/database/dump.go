package database

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"strings"
)

// sqliteHeader opens every non-empty SQLite database file.
const sqliteHeader = "SQLite format 3\x00"

// ReadDump opens the database at path read-only and returns a SQL dump that
// recreates it. The dump is returned only when it was produced in full.
//
// Layout of the dump, in order:
//
//	PRAGMA foreign_keys=OFF;
//	BEGIN TRANSACTION;
//	PRAGMA application_id / user_version   (when non-zero)
//	per table, by name: CREATE TABLE, then one INSERT per row
//	sqlite_sequence rows                   (when present)
//	indexes, views, triggers               (each group by name)
//	COMMIT;
//
// Reading an unmodified file twice yields identical text. Opening a WAL-mode
// file creates -wal and -shm files; ReadDump removes them again when they
// did not exist before and the -wal is empty.
func ReadDump(ctx context.Context, path string) (string, error) {
	driver, err := NewSQLiteDriver(Config{Path: path})
	if err != nil {
		return "", newError(ErrNotFound, "read", path, err)
	}

	if err := driver.Connect(ctx); err != nil {
		return "", err
	}
	defer driver.Close()

	var buf bytes.Buffer
	if err := driver.Dump(ctx, &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// checkFile classifies path before SQLite sees it: missing files are
// ErrNotFound, anything that is not a regular SQLite file is ErrFormat.
// A zero-length file is an empty database.
func checkFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return newError(ErrNotFound, "open", path, err)
		}
		return newError(ErrRead, "open", path, err)
	}
	if !info.Mode().IsRegular() {
		return newError(ErrFormat, "open", path, fmt.Errorf("not a regular file"))
	}
	if info.Size() == 0 {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return newError(ErrRead, "open", path, err)
	}
	defer f.Close()

	header := make([]byte, len(sqliteHeader))
	if _, err := io.ReadFull(f, header); err != nil || string(header) != sqliteHeader {
		return newError(ErrFormat, "open", path, fmt.Errorf("missing SQLite header"))
	}
	return nil
}

type schemaObject struct {
	Type    string
	Name    string
	TblName string
	SQL     string
}

type dumper struct {
	tx *sql.Tx
	w  *bufio.Writer
}

func (s *SQLiteDriver) Dump(ctx context.Context, w io.Writer) error {
	if s.db == nil {
		return newError(ErrRead, "dump", s.path, fmt.Errorf("database not connected"))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.readError("begin", err)
	}
	defer tx.Rollback()

	d := &dumper{tx: tx, w: bufio.NewWriter(w)}
	if err := d.run(ctx); err != nil {
		return s.readError("dump", err)
	}
	return nil
}

func (s *SQLiteDriver) readError(op string, err error) error {
	if _, ok := err.(*Error); ok {
		return err
	}
	if isFormatCode(err) {
		return newError(ErrFormat, op, s.path, err)
	}
	return newError(ErrRead, op, s.path, err)
}

func (d *dumper) run(ctx context.Context) error {
	objects, err := d.schema(ctx)
	if err != nil {
		return err
	}

	d.line("PRAGMA foreign_keys=OFF;")
	d.line("BEGIN TRANSACTION;")

	for _, pragma := range []string{"application_id", "user_version"} {
		var v int64
		if err := d.tx.QueryRowContext(ctx, "PRAGMA "+pragma).Scan(&v); err != nil {
			return fmt.Errorf("read %s: %w", pragma, err)
		}
		if v != 0 {
			d.line(fmt.Sprintf("PRAGMA %s=%d;", pragma, v))
		}
	}

	hasSequence := false
	var rest []schemaObject

	for _, obj := range objects {
		if obj.Type != "table" {
			rest = append(rest, obj)
			continue
		}
		if obj.Name == "sqlite_sequence" {
			hasSequence = true
			continue
		}
		if strings.HasPrefix(obj.Name, "sqlite_") {
			continue
		}
		if isVirtualTable(obj.SQL) {
			return fmt.Errorf("virtual table %s cannot be dumped", obj.Name)
		}

		d.line(obj.SQL + ";")
		if err := d.rows(ctx, obj); err != nil {
			return fmt.Errorf("dump table %s: %w", obj.Name, err)
		}
	}

	if hasSequence {
		if err := d.sequence(ctx); err != nil {
			return err
		}
	}

	for _, obj := range rest {
		d.line(obj.SQL + ";")
	}

	d.line("COMMIT;")
	return d.w.Flush()
}

// schema lists user objects: tables first, then indexes, views and triggers,
// each group ordered by name. Automatic indexes have no SQL and are skipped.
func (d *dumper) schema(ctx context.Context) ([]schemaObject, error) {
	rows, err := d.tx.QueryContext(ctx, `
		SELECT type, name, tbl_name, sql
		FROM sqlite_master
		WHERE sql IS NOT NULL
		AND type IN ('table', 'index', 'view', 'trigger')
		AND (type = 'table' OR name NOT LIKE 'sqlite_%')
		ORDER BY CASE type
			WHEN 'table' THEN 0
			WHEN 'index' THEN 1
			WHEN 'view' THEN 2
			ELSE 3
		END, name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query schema: %w", err)
	}
	defer rows.Close()

	var objects []schemaObject
	for rows.Next() {
		var obj schemaObject
		if err := rows.Scan(&obj.Type, &obj.Name, &obj.TblName, &obj.SQL); err != nil {
			return nil, fmt.Errorf("failed to scan schema row: %w", err)
		}
		objects = append(objects, obj)
	}
	return objects, rows.Err()
}

func (d *dumper) columns(ctx context.Context, table string) ([]string, error) {
	rows, err := d.tx.QueryContext(ctx, "SELECT name FROM pragma_table_info(?) ORDER BY cid", table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

// rows emits one INSERT per row. Values are rendered by SQLite's quote() so
// every storage class survives the trip exactly.
func (d *dumper) rows(ctx context.Context, obj schemaObject) error {
	cols, err := d.columns(ctx, obj.Name)
	if err != nil {
		return err
	}
	if len(cols) == 0 {
		return nil
	}

	quoted := make([]string, len(cols))
	selects := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = QuoteIdent(c)
		selects[i] = "quote(" + quoted[i] + ")"
	}

	query := "SELECT " + strings.Join(selects, ", ") + " FROM " + QuoteIdent(obj.Name) +
		" ORDER BY " + orderBy(obj.SQL, cols)

	rows, err := d.tx.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()

	prefix := "INSERT INTO " + QuoteIdent(obj.Name) + "(" + strings.Join(quoted, ",") + ") VALUES("

	values := make([]string, len(cols))
	dest := make([]any, len(cols))
	for i := range values {
		dest[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return err
		}
		d.w.WriteString(prefix)
		d.w.WriteString(strings.Join(values, ","))
		d.w.WriteString(");\n")
	}
	return rows.Err()
}

func (d *dumper) sequence(ctx context.Context) error {
	rows, err := d.tx.QueryContext(ctx, "SELECT quote(name), seq FROM sqlite_sequence ORDER BY name")
	if err != nil {
		return fmt.Errorf("dump sqlite_sequence: %w", err)
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var name string
		var seq int64
		if err := rows.Scan(&name, &seq); err != nil {
			return fmt.Errorf("dump sqlite_sequence: %w", err)
		}
		lines = append(lines, fmt.Sprintf("INSERT INTO sqlite_sequence(name,seq) VALUES(%s,%d);", name, seq))
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("dump sqlite_sequence: %w", err)
	}

	if len(lines) == 0 {
		return nil
	}
	d.line("DELETE FROM sqlite_sequence;")
	for _, l := range lines {
		d.line(l)
	}
	return nil
}

func (d *dumper) line(s string) {
	d.w.WriteString(s)
	d.w.WriteByte('\n')
}

// orderBy picks a stable row order: the rowid where the table has an
// addressable one, otherwise every column in declaration order.
func orderBy(createSQL string, cols []string) string {
	if !isWithoutRowid(createSQL) {
		if alias := rowidAlias(cols); alias != "" {
			return alias
		}
	}

	pos := make([]string, len(cols))
	for i := range cols {
		pos[i] = FormatInteger(int64(i + 1))
	}
	return strings.Join(pos, ", ")
}

// rowidAlias returns a rowid alias not taken by a declared column.
func rowidAlias(cols []string) string {
	taken := map[string]bool{}
	for _, c := range cols {
		taken[strings.ToLower(c)] = true
	}
	for _, alias := range []string{"rowid", "_rowid_", "oid"} {
		if !taken[alias] {
			return alias
		}
	}
	return ""
}

func isWithoutRowid(createSQL string) bool {
	s := strings.ToUpper(createSQL)
	i := strings.LastIndex(s, ")")
	if i < 0 {
		return false
	}
	return strings.Contains(strings.Join(strings.Fields(s[i:]), " "), "WITHOUT ROWID")
}

func isVirtualTable(createSQL string) bool {
	fields := strings.Fields(strings.ToUpper(createSQL))
	return len(fields) >= 2 && fields[0] == "CREATE" && fields[1] == "VIRTUAL"
}
