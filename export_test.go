package querycore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func exportRecords(n int) []Record {
	records := make([]Record, n)
	for i := range records {
		records[i] = Record{
			"id":     fmt.Sprintf("r%05d", i),
			"name":   fmt.Sprintf("Person %d", i),
			"active": i%2 == 0,
			"score":  float64(i) / 10,
		}
	}
	return records
}

// A large result streams out as one header line plus one line per record.
func TestExportCSVLarge(t *testing.T) {
	const n = 10001
	w, err := WriterFor(FormatCSV)
	if err != nil {
		t.Fatalf("WriterFor failed: %v", err)
	}

	var buf bytes.Buffer
	rows, err := w.Write(&buf, NewSliceIterator(exportRecords(n)), ExportOptions{}, nil)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if rows != n {
		t.Errorf("Expected %d rows written, got %d", n, rows)
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != n+1 {
		t.Fatalf("Expected %d lines (header + records), got %d", n+1, len(lines))
	}
	if lines[0] != "active,id,name,score" {
		t.Errorf("Expected sorted header, got %q", lines[0])
	}
	if !strings.Contains(lines[1], "r00000") {
		t.Errorf("Expected first record on line 2, got %q", lines[1])
	}
	if !strings.Contains(lines[n], "r10000") {
		t.Errorf("Expected last record on final line, got %q", lines[n])
	}
}

func TestExportTSV(t *testing.T) {
	w, err := WriterFor(FormatTSV)
	if err != nil {
		t.Fatalf("WriterFor failed: %v", err)
	}

	var buf bytes.Buffer
	if _, err := w.Write(&buf, NewSliceIterator(exportRecords(2)), ExportOptions{}, nil); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("Expected 3 lines, got %d", len(lines))
	}
	if !strings.Contains(lines[0], "\t") {
		t.Errorf("Expected tab-delimited header, got %q", lines[0])
	}
}

func TestExportCSVExplicitColumns(t *testing.T) {
	w, _ := WriterFor(FormatCSV)
	var buf bytes.Buffer
	_, err := w.Write(&buf, NewSliceIterator(exportRecords(1)),
		ExportOptions{Columns: []string{"name", "id"}}, nil)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if lines[0] != "name,id" {
		t.Errorf("Expected explicit column order, got %q", lines[0])
	}
	if lines[1] != "Person 0,r00000" {
		t.Errorf("Expected cells in column order, got %q", lines[1])
	}
}

func TestExportCSVNoHeader(t *testing.T) {
	w, _ := WriterFor(FormatCSV)
	var buf bytes.Buffer
	rows, err := w.Write(&buf, NewSliceIterator(exportRecords(2)), ExportOptions{NoHeader: true}, nil)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if rows != 2 {
		t.Errorf("Expected 2 rows, got %d", rows)
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 lines without header, got %d", len(lines))
	}
	if !strings.Contains(lines[0], "r00000") {
		t.Errorf("Expected first line to be a data row, got %q", lines[0])
	}
}

func TestExportCSVMissingFields(t *testing.T) {
	records := []Record{
		{"id": "a", "name": "first"},
		{"id": "b"}, // missing name emits an empty cell
	}
	w, _ := WriterFor(FormatCSV)
	var buf bytes.Buffer
	if _, err := w.Write(&buf, NewSliceIterator(records), ExportOptions{}, nil); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if lines[2] != "b," {
		t.Errorf("Expected empty cell for missing field, got %q", lines[2])
	}
}

func TestExportJSON(t *testing.T) {
	w, err := WriterFor(FormatJSON)
	if err != nil {
		t.Fatalf("WriterFor failed: %v", err)
	}

	var buf bytes.Buffer
	rows, err := w.Write(&buf, NewSliceIterator(exportRecords(3)), ExportOptions{}, nil)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if rows != 3 {
		t.Errorf("Expected 3 rows, got %d", rows)
	}

	var decoded []Record
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("Output is not valid JSON: %v", err)
	}
	if len(decoded) != 3 || RecordID(decoded[0]) != "r00000" {
		t.Errorf("Expected 3 decoded records, got %v", decoded)
	}
}

func TestExportJSONEmpty(t *testing.T) {
	w, _ := WriterFor(FormatJSON)
	var buf bytes.Buffer
	rows, err := w.Write(&buf, NewSliceIterator(nil), ExportOptions{}, nil)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if rows != 0 || buf.String() != "[]" {
		t.Errorf("Expected empty array, got %q", buf.String())
	}
}

func TestExportJSONL(t *testing.T) {
	w, err := WriterFor(FormatJSONL)
	if err != nil {
		t.Fatalf("WriterFor failed: %v", err)
	}

	var buf bytes.Buffer
	if _, err := w.Write(&buf, NewSliceIterator(exportRecords(3)), ExportOptions{}, nil); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("Expected 3 lines, got %d", len(lines))
	}
	for i, line := range lines {
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Errorf("Line %d is not valid JSON: %v", i, err)
		}
	}
}

func TestExportExcel(t *testing.T) {
	w, err := WriterFor(FormatExcel)
	if err != nil {
		t.Fatalf("WriterFor failed: %v", err)
	}

	var buf bytes.Buffer
	rows, err := w.Write(&buf, NewSliceIterator(exportRecords(10)), ExportOptions{SheetName: "Results"}, nil)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if rows != 10 {
		t.Errorf("Expected 10 rows, got %d", rows)
	}
	// xlsx files are zip archives
	if buf.Len() < 4 || buf.Bytes()[0] != 'P' || buf.Bytes()[1] != 'K' {
		t.Error("Expected zip container output")
	}
}

func TestExportParquet(t *testing.T) {
	w, err := WriterFor(FormatParquet)
	if err != nil {
		t.Fatalf("WriterFor failed: %v", err)
	}

	// Cross the inference batch size so both write paths run
	var buf bytes.Buffer
	rows, err := w.Write(&buf, NewSliceIterator(exportRecords(250)), ExportOptions{}, nil)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if rows != 250 {
		t.Errorf("Expected 250 rows, got %d", rows)
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte("PAR1")) {
		t.Error("Expected parquet magic header")
	}
}

func TestExportProgressReporting(t *testing.T) {
	w, _ := WriterFor(FormatCSV)
	var calls []int64
	progress := func(rows, bytes int64) {
		calls = append(calls, rows)
	}

	var buf bytes.Buffer
	if _, err := w.Write(&buf, NewSliceIterator(exportRecords(2500)), ExportOptions{}, progress); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if len(calls) != 2 || calls[0] != 1000 || calls[1] != 2000 {
		t.Errorf("Expected progress at 1000 and 2000 rows, got %v", calls)
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in   string
		want ExportFormat
	}{
		{"csv", FormatCSV},
		{"tsv", FormatTSV},
		{"json", FormatJSON},
		{"jsonl", FormatJSONL},
		{"xlsx", FormatExcel},
		{"excel", FormatExcel},
		{"parquet", FormatParquet},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseFormat(%q): expected %s, got %s (%v)", tt.in, tt.want, got, err)
		}
	}

	if _, err := ParseFormat("yaml"); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("Expected ErrUnknownFormat, got %v", err)
	}
	if _, err := WriterFor("yaml"); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("Expected ErrUnknownFormat, got %v", err)
	}
}
