// Package workbook holds the in-memory spreadsheet document and its
// encoding to and from the .kst SQL dump format.
package workbook

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

type CellType string

const (
	CellNumber       CellType = "n"
	CellSharedString CellType = "s"
	CellBool         CellType = "b"
	CellDate         CellType = "d"
	CellFormulaText  CellType = "str"
	CellError        CellType = "e"
	CellInlineString CellType = "inlineStr"
)

func (t CellType) Valid() bool {
	switch t {
	case CellNumber, CellSharedString, CellBool, CellDate, CellFormulaText, CellError, CellInlineString:
		return true
	}
	return false
}

// CellRef addresses a cell by 1-based row and column.
type CellRef struct {
	Row int
	Col int
}

func (r CellRef) String() string {
	return ColumnName(r.Col) + strconv.Itoa(r.Row)
}

// ColumnName converts a 1-based column index to its letter form (1 → A, 27 → AA).
func ColumnName(col int) string {
	if col < 1 {
		return ""
	}
	var b []byte
	for col > 0 {
		col--
		b = append(b, byte('A'+col%26))
		col /= 26
	}
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return string(b)
}

// ParseCellRef parses an A1-style reference. Absolute markers ($A$1) are
// accepted and ignored.
func ParseCellRef(s string) (CellRef, error) {
	ref := strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(s)), "$", "")

	i := 0
	col := 0
	for i < len(ref) && ref[i] >= 'A' && ref[i] <= 'Z' {
		col = col*26 + int(ref[i]-'A'+1)
		if col > maxColumns {
			return CellRef{}, fmt.Errorf("invalid cell reference %q: column out of range", s)
		}
		i++
	}
	if i == 0 || i == len(ref) {
		return CellRef{}, fmt.Errorf("invalid cell reference %q", s)
	}

	row, err := strconv.Atoi(ref[i:])
	if err != nil || row < 1 || row > maxRows {
		return CellRef{}, fmt.Errorf("invalid cell reference %q", s)
	}

	return CellRef{Row: row, Col: col}, nil
}

const (
	maxRows    = 1048576
	maxColumns = 16384
)

type Cell struct {
	Row     int
	Col     int
	Type    CellType
	Value   any // nil, float64, bool or string
	Formula string
	StyleID *int
}

func (c Cell) Ref() CellRef {
	return CellRef{Row: c.Row, Col: c.Col}
}

type MergedRange struct {
	Ref string
}

type RowProp struct {
	Row          int
	Height       *float64
	Hidden       bool
	CustomHeight bool
}

type ColProp struct {
	Col         int
	Width       *float64
	Hidden      bool
	CustomWidth bool
}

type Pane struct {
	XSplit      *int
	YSplit      *int
	TopLeftCell string
	State       string
}

type SheetView struct {
	Pane *Pane
}

type DefinedName struct {
	Name         string
	Ref          string
	LocalSheetID *int
}

// Style is a cellXfs entry.
type Style struct {
	NumFmtID *int
	FontID   *int
	FillID   *int
	BorderID *int
	XfID     *int
}

type Sheet struct {
	ID           string
	Name         string
	SheetID      int
	Cells        map[CellRef]Cell
	MergedRanges []MergedRange
	RowProps     map[int]RowProp
	ColProps     map[int]ColProp
	View         *SheetView
}

func NewSheet(id, name string, sheetID int) *Sheet {
	return &Sheet{
		ID:       id,
		Name:     name,
		SheetID:  sheetID,
		Cells:    make(map[CellRef]Cell),
		RowProps: make(map[int]RowProp),
		ColProps: make(map[int]ColProp),
	}
}

// SetCell stores c under its own reference, replacing any previous value.
func (s *Sheet) SetCell(c Cell) {
	if s.Cells == nil {
		s.Cells = make(map[CellRef]Cell)
	}
	s.Cells[c.Ref()] = c
}

func (s *Sheet) Cell(ref string) (Cell, bool) {
	r, err := ParseCellRef(ref)
	if err != nil {
		return Cell{}, false
	}
	c, ok := s.Cells[r]
	return c, ok
}

// SortedCells returns the cells in row-major order.
func (s *Sheet) SortedCells() []Cell {
	cells := make([]Cell, 0, len(s.Cells))
	for _, c := range s.Cells {
		cells = append(cells, c)
	}
	sort.Slice(cells, func(i, j int) bool {
		if cells[i].Row != cells[j].Row {
			return cells[i].Row < cells[j].Row
		}
		return cells[i].Col < cells[j].Col
	})
	return cells
}

type Workbook struct {
	ID            string
	Sheets        []*Sheet
	SharedStrings []string
	NumFmts       map[int]string
	Styles        []Style
	DefinedNames  []DefinedName
}

func New(id string) *Workbook {
	return &Workbook{
		ID:      id,
		NumFmts: make(map[int]string),
	}
}

func (wb *Workbook) Sheet(name string) *Sheet {
	for _, s := range wb.Sheets {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Summary is a short description of a workbook used for inspection.
type Summary struct {
	ID       string         `json:"id"`
	Sheets   []SheetSummary `json:"sheets"`
	Cells    int            `json:"cells"`
	Formulas int            `json:"formulas"`
}

type SheetSummary struct {
	Name      string `json:"name"`
	Cells     int    `json:"cells"`
	Formulas  int    `json:"formulas"`
	Dimension string `json:"dimension,omitempty"`
}

func (wb *Workbook) Summary() Summary {
	sum := Summary{ID: wb.ID, Sheets: []SheetSummary{}}
	for _, s := range wb.Sheets {
		ss := SheetSummary{Name: s.Name, Cells: len(s.Cells)}

		var minRef, maxRef CellRef
		for ref, c := range s.Cells {
			if c.Formula != "" {
				ss.Formulas++
			}
			if minRef.Row == 0 || ref.Row < minRef.Row {
				minRef.Row = ref.Row
			}
			if minRef.Col == 0 || ref.Col < minRef.Col {
				minRef.Col = ref.Col
			}
			if ref.Row > maxRef.Row {
				maxRef.Row = ref.Row
			}
			if ref.Col > maxRef.Col {
				maxRef.Col = ref.Col
			}
		}
		if len(s.Cells) > 0 {
			ss.Dimension = minRef.String()
			if maxRef != minRef {
				ss.Dimension += ":" + maxRef.String()
			}
		}

		sum.Cells += ss.Cells
		sum.Formulas += ss.Formulas
		sum.Sheets = append(sum.Sheets, ss)
	}
	return sum
}
