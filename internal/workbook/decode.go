package workbook

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/AltynCore/keste/pkg/database"

	_ "modernc.org/sqlite"
)

var (
	ErrNotWorkbook        = errors.New("not a keste workbook")
	ErrUnsupportedVersion = errors.New("unsupported workbook format version")
)

// Decode opens the .kst file at path read-only and rebuilds the workbook.
// Missing and non-SQLite files fail with the pkg/database error kinds.
func Decode(ctx context.Context, path string) (*Workbook, error) {
	driver, err := database.NewSQLiteDriver(database.Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := driver.Connect(ctx); err != nil {
		return nil, err
	}
	defer driver.Close()

	wb, err := decode(ctx, driver.DB())
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return wb, nil
}

// DecodeDump replays dump into a private in-memory database and decodes it.
func DecodeDump(ctx context.Context, dump string) (*Workbook, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, dump); err != nil {
		return nil, fmt.Errorf("%w: %v", database.ErrExecution, err)
	}

	return decode(ctx, db)
}

func decode(ctx context.Context, db *sql.DB) (*Workbook, error) {
	var appID, version int64
	if err := db.QueryRowContext(ctx, "PRAGMA application_id").Scan(&appID); err != nil {
		return nil, fmt.Errorf("failed to read application id: %w", err)
	}
	if appID != ApplicationID {
		return nil, fmt.Errorf("%w: application id %#x", ErrNotWorkbook, appID)
	}
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return nil, fmt.Errorf("failed to read format version: %w", err)
	}
	if version > FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}

	var id string
	err := db.QueryRowContext(ctx, "SELECT value FROM workbook_meta WHERE key = 'id'").Scan(&id)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read workbook id: %w", err)
	}

	wb := New(id)
	d := &decoder{db: db, wb: wb, sheets: map[string]*Sheet{}}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"sheets", d.readSheets},
		{"cells", d.readCells},
		{"shared_strings", d.readSharedStrings},
		{"num_fmts", d.readNumFmts},
		{"styles", d.readStyles},
		{"merged_ranges", d.readMergedRanges},
		{"row_props", d.readRowProps},
		{"col_props", d.readColProps},
		{"defined_names", d.readDefinedNames},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", step.name, err)
		}
	}

	return wb, nil
}

type decoder struct {
	db     *sql.DB
	wb     *Workbook
	sheets map[string]*Sheet
}

// each runs query and calls scan for every row.
func (d *decoder) each(ctx context.Context, query string, scan func(*sql.Rows) error) error {
	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (d *decoder) sheet(id string) (*Sheet, error) {
	s, ok := d.sheets[id]
	if !ok {
		return nil, fmt.Errorf("%w: reference to unknown sheet %q", ErrInvalidWorkbook, id)
	}
	return s, nil
}

func (d *decoder) readSheets(ctx context.Context) error {
	return d.each(ctx, `
		SELECT id, name, sheet_id, has_pane, pane_x_split, pane_y_split, pane_top_left_cell, pane_state
		FROM sheets ORDER BY position`,
		func(rows *sql.Rows) error {
			var (
				id, name       string
				sheetID        int
				hasPane        bool
				xSplit, ySplit sql.NullInt64
				topLeft, state sql.NullString
			)
			if err := rows.Scan(&id, &name, &sheetID, &hasPane, &xSplit, &ySplit, &topLeft, &state); err != nil {
				return err
			}

			s := NewSheet(id, name, sheetID)
			if hasPane {
				s.View = &SheetView{Pane: &Pane{
					XSplit:      nullInt(xSplit),
					YSplit:      nullInt(ySplit),
					TopLeftCell: topLeft.String,
					State:       state.String,
				}}
			}
			d.sheets[id] = s
			d.wb.Sheets = append(d.wb.Sheets, s)
			return nil
		})
}

func (d *decoder) readCells(ctx context.Context) error {
	return d.each(ctx, `
		SELECT sheet, row, col, type, value, formula, style_id
		FROM cells ORDER BY sheet, row, col`,
		func(rows *sql.Rows) error {
			var (
				sheetID string
				c       Cell
				typ     string
				raw     any
				formula sql.NullString
				styleID sql.NullInt64
			)
			if err := rows.Scan(&sheetID, &c.Row, &c.Col, &typ, &raw, &formula, &styleID); err != nil {
				return err
			}

			s, err := d.sheet(sheetID)
			if err != nil {
				return err
			}

			c.Type = CellType(typ)
			c.Formula = formula.String
			c.StyleID = nullInt(styleID)
			c.Value, err = decodeValue(c.Type, raw)
			if err != nil {
				return fmt.Errorf("sheet %q cell %s: %w", s.Name, c.Ref(), err)
			}

			s.SetCell(c)
			return nil
		})
}

func decodeValue(typ CellType, raw any) (any, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case float64:
		return v, nil
	case int64:
		if typ == CellBool {
			return v != 0, nil
		}
		return float64(v), nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return nil, fmt.Errorf("unexpected stored value %T", raw)
	}
}

func (d *decoder) readSharedStrings(ctx context.Context) error {
	return d.each(ctx, "SELECT value FROM shared_strings ORDER BY idx", func(rows *sql.Rows) error {
		var s string
		if err := rows.Scan(&s); err != nil {
			return err
		}
		d.wb.SharedStrings = append(d.wb.SharedStrings, s)
		return nil
	})
}

func (d *decoder) readNumFmts(ctx context.Context) error {
	return d.each(ctx, "SELECT id, code FROM num_fmts ORDER BY id", func(rows *sql.Rows) error {
		var id int
		var code string
		if err := rows.Scan(&id, &code); err != nil {
			return err
		}
		d.wb.NumFmts[id] = code
		return nil
	})
}

func (d *decoder) readStyles(ctx context.Context) error {
	return d.each(ctx, `
		SELECT num_fmt_id, font_id, fill_id, border_id, xf_id
		FROM styles ORDER BY idx`,
		func(rows *sql.Rows) error {
			var numFmt, font, fill, border, xf sql.NullInt64
			if err := rows.Scan(&numFmt, &font, &fill, &border, &xf); err != nil {
				return err
			}
			d.wb.Styles = append(d.wb.Styles, Style{
				NumFmtID: nullInt(numFmt),
				FontID:   nullInt(font),
				FillID:   nullInt(fill),
				BorderID: nullInt(border),
				XfID:     nullInt(xf),
			})
			return nil
		})
}

func (d *decoder) readMergedRanges(ctx context.Context) error {
	return d.each(ctx, "SELECT sheet, ref FROM merged_ranges ORDER BY sheet, position", func(rows *sql.Rows) error {
		var sheetID, ref string
		if err := rows.Scan(&sheetID, &ref); err != nil {
			return err
		}
		s, err := d.sheet(sheetID)
		if err != nil {
			return err
		}
		s.MergedRanges = append(s.MergedRanges, MergedRange{Ref: ref})
		return nil
	})
}

func (d *decoder) readRowProps(ctx context.Context) error {
	return d.each(ctx, "SELECT sheet, row, height, hidden, custom_height FROM row_props", func(rows *sql.Rows) error {
		var (
			sheetID string
			p       RowProp
			height  sql.NullFloat64
		)
		if err := rows.Scan(&sheetID, &p.Row, &height, &p.Hidden, &p.CustomHeight); err != nil {
			return err
		}
		s, err := d.sheet(sheetID)
		if err != nil {
			return err
		}
		p.Height = nullFloat(height)
		s.RowProps[p.Row] = p
		return nil
	})
}

func (d *decoder) readColProps(ctx context.Context) error {
	return d.each(ctx, "SELECT sheet, col, width, hidden, custom_width FROM col_props", func(rows *sql.Rows) error {
		var (
			sheetID string
			p       ColProp
			width   sql.NullFloat64
		)
		if err := rows.Scan(&sheetID, &p.Col, &width, &p.Hidden, &p.CustomWidth); err != nil {
			return err
		}
		s, err := d.sheet(sheetID)
		if err != nil {
			return err
		}
		p.Width = nullFloat(width)
		s.ColProps[p.Col] = p
		return nil
	})
}

func (d *decoder) readDefinedNames(ctx context.Context) error {
	return d.each(ctx, "SELECT name, ref, local_sheet_id FROM defined_names ORDER BY position", func(rows *sql.Rows) error {
		var (
			dn    DefinedName
			local sql.NullInt64
		)
		if err := rows.Scan(&dn.Name, &dn.Ref, &local); err != nil {
			return err
		}
		dn.LocalSheetID = nullInt(local)
		d.wb.DefinedNames = append(d.wb.DefinedNames, dn)
		return nil
	})
}

func nullInt(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func nullFloat(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}
