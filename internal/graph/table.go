package graph

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/austindbirch/pallet_sync/internal/domain"
)

// Column positions in the external table
const (
	ColTaskID = iota
	ColJobNumber
	ColReleaseNumber
	ColPalletNumber
	ColSize
	ColElevation
	ColStatus
	ColAssignedTo
	ColDueDate
	ColAccessories
	ColShippedDate
	ColNotes
	ColumnCount
)

// Columns is the header row the table is expected to carry
var Columns = []string{
	"Task ID", "Job Number", "Release Number", "Pallet Number", "Size", "Elevation",
	"Status", "Assigned To", "Due Date", "Accessories", "Shipped Date", "Notes",
}

// TableMetadata describes the external table
type TableMetadata struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	ShowHeaders bool     `json:"showHeaders"`
	Columns     []string `json:"columns"`
	RowCount    int      `json:"rowCount"`
}

// Table is the gateway to one workbook table
type Table struct {
	client *Client
	base   string
}

// NewTable addresses /drives/{drive}/items/{item}/workbook/tables/{table}.
// An empty driveID means the signed-in user's drive.
func NewTable(c *Client, driveID, itemID, table string) *Table {
	drive := "/me/drive"
	if driveID != "" {
		drive = "/drives/" + url.PathEscape(driveID)
	}
	return &Table{
		client: c,
		base:   fmt.Sprintf("%s/items/%s/workbook/tables/%s", drive, url.PathEscape(itemID), url.PathEscape(table)),
	}
}

type rowResource struct {
	ODataID string  `json:"@odata.id,omitempty"`
	Index   int     `json:"index"`
	Values  [][]any `json:"values"`
}

func (r rowResource) toExternal() domain.ExternalRow {
	row := domain.ExternalRow{Index: r.Index, ID: r.ODataID}
	if row.ID == "" {
		row.ID = strconv.Itoa(r.Index)
	}
	if len(r.Values) > 0 {
		row.Values = make([]string, len(r.Values[0]))
		for i, v := range r.Values[0] {
			row.Values[i] = cellString(v)
		}
	}
	return row
}

// cellString renders a Graph cell value. Whole numbers drop the trailing ".0".
func cellString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case float64:
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return strings.TrimSpace(fmt.Sprint(x))
	}
}

// ListRows returns the full snapshot; the provider has no delta primitive
func (t *Table) ListRows(ctx context.Context) ([]domain.ExternalRow, error) {
	var resp struct {
		Value []rowResource `json:"value"`
	}
	if err := t.client.do(ctx, "list_rows", "GET", t.base+"/rows", "table", nil, &resp); err != nil {
		return nil, err
	}
	rows := make([]domain.ExternalRow, 0, len(resp.Value))
	for _, r := range resp.Value {
		rows = append(rows, r.toExternal())
	}
	return rows, nil
}

func (t *Table) rowPath(index int) string {
	return fmt.Sprintf("%s/rows/itemAt(index=%d)", t.base, index)
}

func (t *Table) GetRow(ctx context.Context, index int) (domain.ExternalRow, error) {
	var r rowResource
	if err := t.client.do(ctx, "get_row", "GET", t.rowPath(index), "row", nil, &r); err != nil {
		return domain.ExternalRow{}, err
	}
	return r.toExternal(), nil
}

// FindRow scans the snapshot for taskID
func (t *Table) FindRow(ctx context.Context, taskID string) (domain.ExternalRow, error) {
	rows, err := t.ListRows(ctx)
	if err != nil {
		return domain.ExternalRow{}, err
	}
	for _, r := range rows {
		if len(r.Values) > ColTaskID && r.Values[ColTaskID] == taskID {
			return r, nil
		}
	}
	return domain.ExternalRow{}, &domain.NotFoundError{Kind: "row", ID: taskID}
}

func (t *Table) UpdateRow(ctx context.Context, index int, values []string) (domain.ExternalRow, error) {
	if len(values) != ColumnCount {
		return domain.ExternalRow{}, &domain.ValidationError{Field: "values", Reason: fmt.Sprintf("want %d columns, got %d", ColumnCount, len(values))}
	}
	var r rowResource
	body := map[string]any{"values": [][]string{values}}
	if err := t.client.do(ctx, "update_row", "PATCH", t.rowPath(index), "row", body, &r); err != nil {
		return domain.ExternalRow{}, err
	}
	return r.toExternal(), nil
}

// InsertRow adds a row; a nil index appends
func (t *Table) InsertRow(ctx context.Context, values []string, index *int) (domain.ExternalRow, error) {
	if len(values) != ColumnCount {
		return domain.ExternalRow{}, &domain.ValidationError{Field: "values", Reason: fmt.Sprintf("want %d columns, got %d", ColumnCount, len(values))}
	}
	var r rowResource
	body := map[string]any{"index": index, "values": [][]string{values}}
	if err := t.client.do(ctx, "insert_row", "POST", t.base+"/rows", "table", body, &r); err != nil {
		return domain.ExternalRow{}, err
	}
	return r.toExternal(), nil
}

func (t *Table) DeleteRow(ctx context.Context, index int) error {
	return t.client.do(ctx, "delete_row", "DELETE", t.rowPath(index), "row", nil, nil)
}

func (t *Table) Metadata(ctx context.Context) (TableMetadata, error) {
	var meta TableMetadata
	if err := t.client.do(ctx, "table_metadata", "GET", t.base, "table", nil, &meta); err != nil {
		return TableMetadata{}, err
	}
	var cols struct {
		Value []struct {
			Name  string `json:"name"`
			Index int    `json:"index"`
		} `json:"value"`
	}
	if err := t.client.do(ctx, "table_columns", "GET", t.base+"/columns", "table", nil, &cols); err != nil {
		return TableMetadata{}, err
	}
	meta.Columns = make([]string, len(cols.Value))
	for i, c := range cols.Value {
		meta.Columns[i] = c.Name
	}
	var count struct {
		Value int `json:"value"`
	}
	if err := t.client.do(ctx, "row_count", "GET", t.base+"/rows/$count", "table", nil, &count); err == nil {
		meta.RowCount = count.Value
	}
	return meta, nil
}

// ValidTaskID rejects blank ids and ids containing whitespace or control characters
func ValidTaskID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
	}
	return true
}

// RowToTask maps a row onto the syncable task fields. When the id is valid but
// another field is not, the returned task still carries TaskID next to the
// ValidationError so callers can tell "bad row" from "missing row".
func RowToTask(row domain.ExternalRow) (domain.Task, error) {
	v := make([]string, ColumnCount)
	copy(v, row.Values)

	t := domain.Task{TaskID: strings.TrimSpace(v[ColTaskID])}
	if !ValidTaskID(t.TaskID) {
		return domain.Task{}, &domain.ValidationError{Field: "taskId", Reason: fmt.Sprintf("row %d has malformed id %q", row.Index, v[ColTaskID])}
	}

	status, ok := domain.ParseTaskStatus(v[ColStatus])
	if !ok {
		return t, &domain.ValidationError{Field: "status", Reason: fmt.Sprintf("task %s has unknown status %q", t.TaskID, v[ColStatus])}
	}

	t.JobNumber = v[ColJobNumber]
	t.ReleaseNumber = v[ColReleaseNumber]
	t.PalletNumber = v[ColPalletNumber]
	t.Size = v[ColSize]
	t.Elevation = v[ColElevation]
	t.Status = status
	t.AssignedTo = v[ColAssignedTo]
	t.DueDate = normalizeDate(v[ColDueDate])
	t.Accessories = splitList(v[ColAccessories])
	t.ShippedDate = normalizeDate(v[ColShippedDate])
	t.Notes = v[ColNotes]
	return t, nil
}

// TaskToValues is the inverse of RowToTask
func TaskToValues(t domain.Task) []string {
	v := make([]string, ColumnCount)
	v[ColTaskID] = t.TaskID
	v[ColJobNumber] = t.JobNumber
	v[ColReleaseNumber] = t.ReleaseNumber
	v[ColPalletNumber] = t.PalletNumber
	v[ColSize] = t.Size
	v[ColElevation] = t.Elevation
	v[ColStatus] = StatusLabel(t.Status)
	v[ColAssignedTo] = t.AssignedTo
	v[ColDueDate] = t.DueDate
	v[ColAccessories] = strings.Join(t.Accessories, ", ")
	v[ColShippedDate] = t.ShippedDate
	v[ColNotes] = t.Notes
	return v
}

// StatusLabel is how a status is shown to people editing the table
func StatusLabel(s domain.TaskStatus) string {
	switch s {
	case domain.StatusInProgress:
		return "In Progress"
	case domain.StatusDone:
		return "Done"
	default:
		return "New"
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// excelEpoch is day zero of the 1900 date system as Excel counts it
var excelEpoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)

// normalizeDate turns serial day numbers and common spellings into YYYY-MM-DD.
// Anything unrecognised is kept verbatim.
func normalizeDate(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if serial, err := strconv.ParseFloat(s, 64); err == nil && serial > 0 && serial < 2958466 {
		return excelEpoch.AddDate(0, 0, int(serial)).Format("2006-01-02")
	}
	for _, layout := range []string{"2006-01-02", "1/2/2006", "01/02/2006", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return s
}
