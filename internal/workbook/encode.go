package workbook

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/AltynCore/keste/pkg/database"
)

const (
	// ApplicationID marks a SQLite file as a .kst workbook ("KST1").
	ApplicationID = 0x4B535431
	// FormatVersion is stored in user_version.
	FormatVersion = 1
)

var ErrInvalidWorkbook = errors.New("invalid workbook")

const schema = `CREATE TABLE workbook_meta(key TEXT PRIMARY KEY, value TEXT NOT NULL) WITHOUT ROWID;
CREATE TABLE sheets(id TEXT PRIMARY KEY, position INTEGER NOT NULL UNIQUE, name TEXT NOT NULL UNIQUE, sheet_id INTEGER NOT NULL, has_pane INTEGER NOT NULL DEFAULT 0, pane_x_split INTEGER, pane_y_split INTEGER, pane_top_left_cell TEXT, pane_state TEXT) WITHOUT ROWID;
CREATE TABLE cells(sheet TEXT NOT NULL REFERENCES sheets(id), row INTEGER NOT NULL, col INTEGER NOT NULL, type TEXT NOT NULL, value, formula TEXT, style_id INTEGER, PRIMARY KEY(sheet, row, col)) WITHOUT ROWID;
CREATE TABLE shared_strings(idx INTEGER PRIMARY KEY, value TEXT NOT NULL);
CREATE TABLE num_fmts(id INTEGER PRIMARY KEY, code TEXT NOT NULL);
CREATE TABLE styles(idx INTEGER PRIMARY KEY, num_fmt_id INTEGER, font_id INTEGER, fill_id INTEGER, border_id INTEGER, xf_id INTEGER);
CREATE TABLE merged_ranges(sheet TEXT NOT NULL REFERENCES sheets(id), position INTEGER NOT NULL, ref TEXT NOT NULL, PRIMARY KEY(sheet, position)) WITHOUT ROWID;
CREATE TABLE row_props(sheet TEXT NOT NULL REFERENCES sheets(id), row INTEGER NOT NULL, height REAL, hidden INTEGER NOT NULL DEFAULT 0, custom_height INTEGER NOT NULL DEFAULT 0, PRIMARY KEY(sheet, row)) WITHOUT ROWID;
CREATE TABLE col_props(sheet TEXT NOT NULL REFERENCES sheets(id), col INTEGER NOT NULL, width REAL, hidden INTEGER NOT NULL DEFAULT 0, custom_width INTEGER NOT NULL DEFAULT 0, PRIMARY KEY(sheet, col)) WITHOUT ROWID;
CREATE TABLE defined_names(position INTEGER PRIMARY KEY, name TEXT NOT NULL, ref TEXT NOT NULL, local_sheet_id INTEGER);
CREATE INDEX idx_cells_formula ON cells(sheet) WHERE formula IS NOT NULL;
`

// Encode renders wb as a SQL dump that the Dump Writer turns into a .kst
// file. The same workbook always encodes to the same text.
func Encode(wb *Workbook) (string, error) {
	if wb == nil {
		return "", fmt.Errorf("%w: nil workbook", ErrInvalidWorkbook)
	}
	if err := validate(wb); err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("PRAGMA application_id=%d;\n", ApplicationID))
	b.WriteString(fmt.Sprintf("PRAGMA user_version=%d;\n", FormatVersion))
	b.WriteString("BEGIN TRANSACTION;\n")
	b.WriteString(schema)

	insert(&b, "workbook_meta", database.QuoteText("id"), database.QuoteText(wb.ID))
	insert(&b, "workbook_meta", database.QuoteText("format"), database.QuoteText("kst"))

	for pos, s := range wb.Sheets {
		if err := encodeSheet(&b, pos, s); err != nil {
			return "", err
		}
	}

	for i, str := range wb.SharedStrings {
		insert(&b, "shared_strings", database.FormatInteger(int64(i)), database.QuoteText(str))
	}

	ids := make([]int, 0, len(wb.NumFmts))
	for id := range wb.NumFmts {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		insert(&b, "num_fmts", database.FormatInteger(int64(id)), database.QuoteText(wb.NumFmts[id]))
	}

	for i, st := range wb.Styles {
		insert(&b, "styles", database.FormatInteger(int64(i)),
			optInt(st.NumFmtID), optInt(st.FontID), optInt(st.FillID), optInt(st.BorderID), optInt(st.XfID))
	}

	for i, dn := range wb.DefinedNames {
		insert(&b, "defined_names", database.FormatInteger(int64(i)),
			database.QuoteText(dn.Name), database.QuoteText(dn.Ref), optInt(dn.LocalSheetID))
	}

	b.WriteString("COMMIT;\n")
	return b.String(), nil
}

func encodeSheet(b *strings.Builder, pos int, s *Sheet) error {
	sheet := database.QuoteText(s.ID)

	hasPane := "0"
	xSplit, ySplit, topLeft, state := "NULL", "NULL", "NULL", "NULL"
	if s.View != nil && s.View.Pane != nil {
		p := s.View.Pane
		hasPane = "1"
		xSplit, ySplit = optInt(p.XSplit), optInt(p.YSplit)
		topLeft, state = optText(p.TopLeftCell), optText(p.State)
	}
	insert(b, "sheets", sheet, database.FormatInteger(int64(pos)), database.QuoteText(s.Name),
		database.FormatInteger(int64(s.SheetID)), hasPane, xSplit, ySplit, topLeft, state)

	for _, c := range s.SortedCells() {
		value, err := encodeValue(c.Value)
		if err != nil {
			return fmt.Errorf("%w: sheet %q cell %s: %v", ErrInvalidWorkbook, s.Name, c.Ref(), err)
		}
		insert(b, "cells", sheet, database.FormatInteger(int64(c.Row)), database.FormatInteger(int64(c.Col)),
			database.QuoteText(string(c.Type)), value, optText(c.Formula), optInt(c.StyleID))
	}

	for i, m := range s.MergedRanges {
		insert(b, "merged_ranges", sheet, database.FormatInteger(int64(i)), database.QuoteText(m.Ref))
	}

	rows := make([]int, 0, len(s.RowProps))
	for r := range s.RowProps {
		rows = append(rows, r)
	}
	sort.Ints(rows)
	for _, r := range rows {
		p := s.RowProps[r]
		insert(b, "row_props", sheet, database.FormatInteger(int64(r)), optReal(p.Height),
			boolInt(p.Hidden), boolInt(p.CustomHeight))
	}

	cols := make([]int, 0, len(s.ColProps))
	for c := range s.ColProps {
		cols = append(cols, c)
	}
	sort.Ints(cols)
	for _, c := range cols {
		p := s.ColProps[c]
		insert(b, "col_props", sheet, database.FormatInteger(int64(c)), optReal(p.Width),
			boolInt(p.Hidden), boolInt(p.CustomWidth))
	}

	return nil
}

func validate(wb *Workbook) error {
	ids := map[string]bool{}
	names := map[string]bool{}

	for _, s := range wb.Sheets {
		if s == nil {
			return fmt.Errorf("%w: nil sheet", ErrInvalidWorkbook)
		}
		if s.ID == "" || s.Name == "" {
			return fmt.Errorf("%w: sheet id and name are required", ErrInvalidWorkbook)
		}
		if ids[s.ID] {
			return fmt.Errorf("%w: duplicate sheet id %q", ErrInvalidWorkbook, s.ID)
		}
		if names[s.Name] {
			return fmt.Errorf("%w: duplicate sheet name %q", ErrInvalidWorkbook, s.Name)
		}
		ids[s.ID] = true
		names[s.Name] = true

		for ref, c := range s.Cells {
			if ref != c.Ref() {
				return fmt.Errorf("%w: sheet %q: cell stored at %s claims %s", ErrInvalidWorkbook, s.Name, ref, c.Ref())
			}
			if c.Row < 1 || c.Col < 1 {
				return fmt.Errorf("%w: sheet %q: cell position %d,%d out of range", ErrInvalidWorkbook, s.Name, c.Row, c.Col)
			}
			if !c.Type.Valid() {
				return fmt.Errorf("%w: sheet %q cell %s: unknown type %q", ErrInvalidWorkbook, s.Name, ref, c.Type)
			}
		}
		for r, p := range s.RowProps {
			if r != p.Row {
				return fmt.Errorf("%w: sheet %q: row props keyed %d describe row %d", ErrInvalidWorkbook, s.Name, r, p.Row)
			}
		}
		for c, p := range s.ColProps {
			if c != p.Col {
				return fmt.Errorf("%w: sheet %q: col props keyed %d describe col %d", ErrInvalidWorkbook, s.Name, c, p.Col)
			}
		}
	}
	return nil
}

// encodeValue stores numbers as REAL, booleans as INTEGER 0/1 and text as TEXT.
func encodeValue(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "NULL", nil
	case string:
		return database.QuoteText(x), nil
	case bool:
		return boolInt(x), nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return "", fmt.Errorf("non-finite number %v", x)
		}
		return database.FormatReal(x), nil
	case float32:
		return encodeValue(float64(x))
	case int:
		return database.FormatReal(float64(x)), nil
	case int64:
		return database.FormatReal(float64(x)), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}

func insert(b *strings.Builder, table string, values ...string) {
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" VALUES(")
	b.WriteString(strings.Join(values, ","))
	b.WriteString(");\n")
}

func optInt(p *int) string {
	if p == nil {
		return "NULL"
	}
	return database.FormatInteger(int64(*p))
}

func optReal(p *float64) string {
	if p == nil || math.IsNaN(*p) || math.IsInf(*p, 0) {
		return "NULL"
	}
	return database.FormatReal(*p)
}

func optText(s string) string {
	if s == "" {
		return "NULL"
	}
	return database.QuoteText(s)
}

func boolInt(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
