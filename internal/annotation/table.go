package annotation

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
)

// IdentityColumn is the protected column holding the annotation identity.
// Bulk column removal must never drop it; it is the only link between the
// personal and medical halves of a record.
const IdentityColumn = "annotation_id"

// ErrProtectedColumn is returned when a removal request names the identity
// column.
var ErrProtectedColumn = errors.New("the annotation identity column cannot be removed")

// Direct identifier columns stripped from the medical half of a record.
var personalColumns = []string{"name", "first_name", "birth_year", "age"}

// Table is a simple columnar view over one sheet of tabular data.
type Table struct {
	Columns []string
	Rows    [][]string
}

// ReadCSV parses a table from CSV. The first record is the header.
func ReadCSV(r io.Reader) (*Table, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse csv: %w", err)
	}
	if len(records) == 0 {
		return nil, errors.New("csv file has no header row")
	}

	t := &Table{Columns: records[0]}
	for _, rec := range records[1:] {
		row := make([]string, len(t.Columns))
		copy(row, rec)
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// ReadXLSX parses a table from the first sheet of an XLSX workbook.
func ReadXLSX(r io.Reader) (*Table, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("workbook has no sheets")
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %q: %w", sheets[0], err)
	}
	if len(rows) == 0 {
		return nil, errors.New("sheet has no header row")
	}

	t := &Table{Columns: rows[0]}
	for _, rec := range rows[1:] {
		row := make([]string, len(t.Columns))
		copy(row, rec)
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// WriteCSV renders the table as CSV.
func (t *Table) WriteCSV(w io.Writer) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(t.Columns); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}
	for _, row := range t.Rows {
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write csv row: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}

// WriteXLSX renders the table as a single-sheet XLSX workbook.
func (t *Table) WriteXLSX(w io.Writer) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetList()[0]
	for i, col := range t.Columns {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, col); err != nil {
			return err
		}
	}
	for rowIdx, row := range t.Rows {
		for colIdx, value := range row {
			cell, err := excelize.CoordinatesToCellName(colIdx+1, rowIdx+2)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(sheet, cell, value); err != nil {
				return err
			}
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

// ColumnIndex returns the index of a column by case-insensitive name, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, col := range t.Columns {
		if strings.EqualFold(strings.TrimSpace(col), name) {
			return i
		}
	}
	return -1
}

func (t *Table) value(row []string, col int) string {
	if col < 0 || col >= len(row) {
		return ""
	}
	return row[col]
}

// AssignIdentities derives an annotation identity for every row from its
// date, sex, age and diagnosis columns and appends it as the identity
// column. The reference time anchors rows with no usable date.
func (t *Table) AssignIdentities(now time.Time) {
	dateCol := t.ColumnIndex("date")
	sexCol := t.ColumnIndex("sex")
	ageCol := t.ColumnIndex("age")
	diagCol := t.ColumnIndex("diagnosis")

	if t.ColumnIndex(IdentityColumn) == -1 {
		t.Columns = append(t.Columns, IdentityColumn)
	}
	idCol := t.ColumnIndex(IdentityColumn)

	for i, row := range t.Rows {
		fields := FieldsFromRecord(
			t.value(row, dateCol),
			t.value(row, sexCol),
			t.value(row, ageCol),
			t.value(row, diagCol),
			now,
		)
		id := Derive(fields).String()

		for len(row) <= idCol {
			row = append(row, "")
		}
		row[idCol] = id
		t.Rows[i] = row
	}
}

// Split divides an annotated table into its personal half (direct
// identifiers plus the identity) and its medical half (everything else plus
// the identity). Birth year is computed from age against the reference time
// so the medical half can drop the raw age.
func (t *Table) Split(now time.Time) (personal, medical *Table) {
	idCol := t.ColumnIndex(IdentityColumn)
	ageCol := t.ColumnIndex("age")

	personal = &Table{}
	for _, name := range []string{"name", "first_name"} {
		if t.ColumnIndex(name) >= 0 {
			personal.Columns = append(personal.Columns, name)
		}
	}
	personal.Columns = append(personal.Columns, "birth_year", IdentityColumn)

	medical = &Table{}
	medicalCols := make([]int, 0, len(t.Columns))
	for i, col := range t.Columns {
		if isPersonalColumn(col) {
			continue
		}
		medical.Columns = append(medical.Columns, col)
		medicalCols = append(medicalCols, i)
	}

	for _, row := range t.Rows {
		var birthYear string
		var age int
		if _, err := fmt.Sscanf(strings.TrimSpace(t.value(row, ageCol)), "%d", &age); err == nil {
			birthYear = fmt.Sprintf("%d", now.Year()-age)
		}

		pRow := make([]string, 0, len(personal.Columns))
		for _, name := range personal.Columns {
			switch name {
			case "birth_year":
				pRow = append(pRow, birthYear)
			case IdentityColumn:
				pRow = append(pRow, t.value(row, idCol))
			default:
				pRow = append(pRow, t.value(row, t.ColumnIndex(name)))
			}
		}
		personal.Rows = append(personal.Rows, pRow)

		mRow := make([]string, 0, len(medicalCols))
		for _, col := range medicalCols {
			mRow = append(mRow, t.value(row, col))
		}
		medical.Rows = append(medical.Rows, mRow)
	}

	return personal, medical
}

func isPersonalColumn(name string) bool {
	for _, p := range personalColumns {
		if strings.EqualFold(strings.TrimSpace(name), p) {
			return true
		}
	}
	return false
}

// DropColumns removes the named columns. Requests naming the identity
// column are rejected outright; names not present in the table are ignored.
func (t *Table) DropColumns(names []string) error {
	for _, name := range names {
		if strings.EqualFold(strings.TrimSpace(name), IdentityColumn) {
			return ErrProtectedColumn
		}
	}

	drop := make(map[int]bool)
	for _, name := range names {
		if idx := t.ColumnIndex(name); idx >= 0 {
			drop[idx] = true
		}
	}
	if len(drop) == 0 {
		return nil
	}

	keptCols := make([]string, 0, len(t.Columns))
	kept := make([]int, 0, len(t.Columns))
	for i, col := range t.Columns {
		if drop[i] {
			continue
		}
		keptCols = append(keptCols, col)
		kept = append(kept, i)
	}
	t.Columns = keptCols

	for rowIdx, row := range t.Rows {
		newRow := make([]string, 0, len(kept))
		for _, i := range kept {
			newRow = append(newRow, t.value(row, i))
		}
		t.Rows[rowIdx] = newRow
	}
	return nil
}
