package workbook

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/AltynCore/keste/pkg/database"
)

// ErrNotXLSX is returned when an import source is not a readable .xlsx file.
var ErrNotXLSX = errors.New("not an xlsx workbook")

// Excel's sizes for rows and columns that carry no explicit value.
const (
	defaultRowHeight = 15
	defaultColWidth  = 9.140625
)

// ReadXLSX parses an .xlsx document into a Workbook with a fresh id. Cell
// values are taken raw, before number formats are applied.
func ReadXLSX(r io.Reader) (*Workbook, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotXLSX, err)
	}
	defer f.Close()

	return fromExcelize(f)
}

// ReadXLSXFile is ReadXLSX for a file on disk. A missing file fails with
// database.ErrNotFound.
func ReadXLSXFile(path string) (*Workbook, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &database.Error{Kind: database.ErrNotFound, Op: "open", Path: path, Err: err}
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrNotXLSX, path, err)
	}
	defer f.Close()

	return fromExcelize(f)
}

func fromExcelize(f *excelize.File) (*Workbook, error) {
	wb := New(uuid.NewString())
	readStyles(f, wb)

	strs := newStringTable()
	names := f.GetSheetList()
	ids := sheetIDs(f)

	for pos, name := range names {
		sheet, err := readSheet(f, name, pos, ids[name], strs)
		if err != nil {
			return nil, fmt.Errorf("sheet %q: %w", name, err)
		}
		wb.Sheets = append(wb.Sheets, sheet)
	}
	wb.SharedStrings = strs.values

	for _, dn := range f.GetDefinedName() {
		d := DefinedName{Name: dn.Name, Ref: strings.TrimPrefix(dn.RefersTo, "=")}
		for i, name := range names {
			if dn.Scope == name {
				local := i
				d.LocalSheetID = &local
				break
			}
		}
		wb.DefinedNames = append(wb.DefinedNames, d)
	}

	return wb, nil
}

type sheetRef struct {
	relID   string
	sheetID int
}

// sheetIDs maps sheet names to their workbook.xml sheetId and r:id.
func sheetIDs(f *excelize.File) map[string]sheetRef {
	refs := map[string]sheetRef{}
	for id, name := range f.GetSheetMap() {
		refs[name] = sheetRef{sheetID: id}
	}
	if f.WorkBook != nil {
		for _, s := range f.WorkBook.Sheets.Sheet {
			ref := refs[s.Name]
			ref.relID = s.ID
			refs[s.Name] = ref
		}
	}
	return refs
}

func readStyles(f *excelize.File, wb *Workbook) {
	if f.Styles == nil {
		return
	}
	if f.Styles.NumFmts != nil {
		for _, nf := range f.Styles.NumFmts.NumFmt {
			if nf != nil {
				wb.NumFmts[nf.NumFmtID] = nf.FormatCode
			}
		}
	}
	if f.Styles.CellXfs != nil {
		for _, xf := range f.Styles.CellXfs.Xf {
			wb.Styles = append(wb.Styles, Style{
				NumFmtID: xf.NumFmtID,
				FontID:   xf.FontID,
				FillID:   xf.FillID,
				BorderID: xf.BorderID,
				XfID:     xf.XfID,
			})
		}
	}
}

func readSheet(f *excelize.File, name string, pos int, ref sheetRef, strs *stringTable) (*Sheet, error) {
	id := ref.relID
	if id == "" {
		id = "rId" + strconv.Itoa(pos+1)
	}
	sheetID := ref.sheetID
	if sheetID == 0 {
		sheetID = pos + 1
	}
	sheet := NewSheet(id, name, sheetID)

	rows, err := f.Rows(name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	defHeight := float64(defaultRowHeight)
	if props, err := f.GetSheetProps(name); err == nil && props.DefaultRowHeight != nil &&
		props.CustomHeight != nil && *props.CustomHeight {
		defHeight = *props.DefaultRowHeight
	}

	maxCol := 0
	for row := 1; rows.Next(); row++ {
		if err := readRowProps(f, sheet, row, defHeight); err != nil {
			return nil, err
		}

		values, err := rows.Columns(excelize.Options{RawCellValue: true})
		if err != nil {
			return nil, err
		}
		for i, raw := range values {
			c, ok, err := readCell(f, name, row, i+1, raw, strs)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			sheet.SetCell(c)
			if i+1 > maxCol {
				maxCol = i + 1
			}
		}
	}
	if err := rows.Error(); err != nil {
		return nil, err
	}

	if err := readColumns(f, sheet, maxCol); err != nil {
		return nil, err
	}

	merged, err := f.GetMergeCells(name)
	if err != nil {
		return nil, err
	}
	for _, m := range merged {
		sheet.MergedRanges = append(sheet.MergedRanges, MergedRange{Ref: m.GetStartAxis() + ":" + m.GetEndAxis()})
	}

	if panes, err := f.GetPanes(name); err == nil && (panes.Freeze || panes.Split) {
		p := &Pane{TopLeftCell: panes.TopLeftCell, State: "split"}
		if panes.Freeze {
			p.State = "frozen"
		}
		if panes.XSplit != 0 {
			x := panes.XSplit
			p.XSplit = &x
		}
		if panes.YSplit != 0 {
			y := panes.YSplit
			p.YSplit = &y
		}
		sheet.View = &SheetView{Pane: p}
	}

	return sheet, nil
}

func readRowProps(f *excelize.File, sheet *Sheet, row int, defHeight float64) error {
	height, err := f.GetRowHeight(sheet.Name, row)
	if err != nil {
		return err
	}
	visible, err := f.GetRowVisible(sheet.Name, row)
	if err != nil {
		return err
	}
	if height == defHeight && visible {
		return nil
	}

	rp := RowProp{Row: row, Hidden: !visible}
	if height != defHeight {
		h := height
		rp.Height = &h
		rp.CustomHeight = true
	}
	sheet.RowProps[row] = rp
	return nil
}

// readCell builds the cell at row, col. Empty cells are skipped unless they
// hold a formula that has not been calculated yet.
func readCell(f *excelize.File, sheet string, row, col int, raw string, strs *stringTable) (Cell, bool, error) {
	ref, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return Cell{}, false, err
	}

	formula, err := f.GetCellFormula(sheet, ref)
	if err != nil {
		return Cell{}, false, err
	}
	if raw == "" && formula == "" {
		return Cell{}, false, nil
	}

	typ, err := f.GetCellType(sheet, ref)
	if err != nil {
		return Cell{}, false, err
	}
	style, err := f.GetCellStyle(sheet, ref)
	if err != nil {
		return Cell{}, false, err
	}

	c := Cell{Row: row, Col: col, Formula: formula}
	if style > 0 {
		c.StyleID = &style
	}

	switch typ {
	case excelize.CellTypeSharedString:
		c.Type = CellSharedString
		c.Value = raw
		if raw != "" {
			strs.add(raw)
		}
	case excelize.CellTypeBool:
		c.Type = CellBool
		c.Value = raw == "1" || strings.EqualFold(raw, "true")
	case excelize.CellTypeDate:
		c.Type = CellDate
		c.Value = raw
	case excelize.CellTypeError:
		c.Type = CellError
		c.Value = raw
	case excelize.CellTypeFormula:
		c.Type = CellFormulaText
		c.Value = raw
	case excelize.CellTypeInlineString:
		c.Type = CellInlineString
		c.Value = raw
	default:
		c.Type = CellNumber
		if raw != "" {
			n, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return Cell{}, false, fmt.Errorf("cell %s: invalid number %q", ref, raw)
			}
			c.Value = n
		}
	}

	if raw == "" {
		c.Value = nil
	}
	return c, true, nil
}

func readColumns(f *excelize.File, sheet *Sheet, maxCol int) error {
	def := float64(defaultColWidth)
	if props, err := f.GetSheetProps(sheet.Name); err == nil && props.DefaultColWidth != nil && *props.DefaultColWidth > 0 {
		def = *props.DefaultColWidth
	}

	for col := 1; col <= maxCol; col++ {
		name := ColumnName(col)
		width, err := f.GetColWidth(sheet.Name, name)
		if err != nil {
			return err
		}
		visible, err := f.GetColVisible(sheet.Name, name)
		if err != nil {
			return err
		}
		if width == def && visible {
			continue
		}

		cp := ColProp{Col: col, Hidden: !visible}
		if width != def {
			w := width
			cp.Width = &w
			cp.CustomWidth = true
		}
		sheet.ColProps[col] = cp
	}
	return nil
}

// stringTable collects shared strings in first-use order.
type stringTable struct {
	index  map[string]int
	values []string
}

func newStringTable() *stringTable {
	return &stringTable{index: map[string]int{}}
}

func (t *stringTable) add(s string) {
	if _, ok := t.index[s]; ok {
		return
	}
	t.index[s] = len(t.values)
	t.values = append(t.values, s)
}
