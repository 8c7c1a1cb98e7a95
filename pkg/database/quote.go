package database

import (
	"encoding/hex"
	"math"
	"strconv"
	"strings"
)

// QuoteIdent quotes a table or column name for use in generated SQL.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuoteText renders s as a SQL string literal. Text containing NUL bytes
// cannot be written as a plain literal and is emitted as a blob cast to TEXT.
func QuoteText(s string) string {
	if strings.IndexByte(s, 0) >= 0 {
		return "CAST(" + QuoteBlob([]byte(s)) + " AS TEXT)"
	}
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func QuoteBlob(b []byte) string {
	return "X'" + strings.ToUpper(hex.EncodeToString(b)) + "'"
}

func FormatInteger(n int64) string {
	return strconv.FormatInt(n, 10)
}

// FormatReal renders f so that SQLite reads it back as the same REAL value.
// Integral values keep a decimal point to stay REAL, infinities use SQLite's
// overflow literal and NaN becomes NULL, which is what SQLite stores for it.
func FormatReal(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NULL"
	case math.IsInf(f, 1):
		return "9.0e+999"
	case math.IsInf(f, -1):
		return "-9.0e+999"
	}

	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}
