package filestore

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/austindbirch/pallet_sync/internal/domain"
	"github.com/xuri/excelize/v2"
)

// Headers is the header row of the pallet workbook, in column order
var Headers = []string{
	"Job Number", "Release Number", "Pallet Number", "Size", "Elevation",
	"Made", "Accessories", "Shipped Date", "Notes",
}

// madeMark is how a made pallet is flagged
const madeMark = "X"

// PalletRow is one data row of the workbook
type PalletRow struct {
	JobNumber     string `json:"job_number"`
	ReleaseNumber string `json:"release_number"`
	PalletNumber  string `json:"pallet_number"`
	Size          string `json:"size,omitempty"`
	Elevation     string `json:"elevation,omitempty"`
	Made          bool   `json:"made"`
	Accessories   string `json:"accessories,omitempty"`
	ShippedDate   string `json:"shipped_date,omitempty"`
	Notes         string `json:"notes,omitempty"`
}

func (r PalletRow) values() []any {
	made := ""
	if r.Made {
		made = madeMark
	}
	return []any{r.JobNumber, r.ReleaseNumber, r.PalletNumber, r.Size, r.Elevation, made, r.Accessories, r.ShippedDate, r.Notes}
}

// Validate requires the identifying columns
func (r PalletRow) Validate() error {
	switch {
	case strings.TrimSpace(r.JobNumber) == "":
		return &domain.ValidationError{Field: "job_number", Reason: "required"}
	case strings.TrimSpace(r.PalletNumber) == "":
		return &domain.ValidationError{Field: "pallet_number", Reason: "required"}
	}
	return nil
}

// DecodeWorkbook reads the data rows of the first sheet. Columns are located by
// header name so reordered sheets still load; blank rows are dropped.
func DecodeWorkbook(data []byte) ([]PalletRow, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	if len(rows) == 0 {
		return nil, &domain.ValidationError{Field: "header", Reason: "workbook has no header row"}
	}

	col := make(map[string]int, len(Headers))
	for i, h := range rows[0] {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, h := range Headers {
		if _, ok := col[strings.ToLower(h)]; !ok {
			return nil, &domain.ValidationError{Field: "header", Reason: fmt.Sprintf("missing column %q", h)}
		}
	}
	cell := func(row []string, header string) string {
		i := col[strings.ToLower(header)]
		if i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var out []PalletRow
	for _, row := range rows[1:] {
		if strings.TrimSpace(strings.Join(row, "")) == "" {
			continue
		}
		out = append(out, PalletRow{
			JobNumber:     cell(row, "Job Number"),
			ReleaseNumber: cell(row, "Release Number"),
			PalletNumber:  cell(row, "Pallet Number"),
			Size:          cell(row, "Size"),
			Elevation:     cell(row, "Elevation"),
			Made:          strings.EqualFold(cell(row, "Made"), madeMark),
			Accessories:   cell(row, "Accessories"),
			ShippedDate:   cell(row, "Shipped Date"),
			Notes:         cell(row, "Notes"),
		})
	}
	return out, nil
}

// EncodeWorkbook writes rows under the header row of the first sheet of base,
// keeping its other sheets. A nil base starts a fresh workbook. Rows are
// rewritten in place and compacted, so a first sheet holding cells outside
// the Headers columns is refused rather than left misaligned.
func EncodeWorkbook(base []byte, rows []PalletRow) ([]byte, error) {
	var f *excelize.File
	if len(base) == 0 {
		f = excelize.NewFile()
	} else {
		var err error
		if f, err = excelize.OpenReader(bytes.NewReader(base)); err != nil {
			return nil, fmt.Errorf("open workbook: %w", err)
		}
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	existing, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	if err := checkManagedColumns(existing); err != nil {
		return nil, err
	}

	header := make([]any, len(Headers))
	for i, h := range Headers {
		header[i] = h
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return nil, err
	}
	for i, r := range rows {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		cellRef, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		vals := r.values()
		if err := f.SetSheetRow(sheet, cellRef, &vals); err != nil {
			return nil, err
		}
	}
	// Drop leftovers from a longer previous version, bottom up
	for n := len(existing); n > len(rows)+1; n-- {
		if err := f.RemoveRow(sheet, n); err != nil {
			return nil, err
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("encode workbook: %w", err)
	}
	return buf.Bytes(), nil
}

// checkManagedColumns fails on any non-blank cell right of the last header column
func checkManagedColumns(rows [][]string) error {
	for i, row := range rows {
		for j := len(Headers); j < len(row); j++ {
			if strings.TrimSpace(row[j]) == "" {
				continue
			}
			cellRef, _ := excelize.CoordinatesToCellName(j+1, i+1)
			return &domain.ValidationError{
				Field:  "sheet",
				Reason: fmt.Sprintf("cell %s is outside the pallet columns; edit this sheet by hand", cellRef),
			}
		}
	}
	return nil
}
