package querycore

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"sort"

	"github.com/parquet-go/parquet-go"
	"github.com/xuri/excelize/v2"
)

// ExportFormat names a supported output encoding
type ExportFormat string

const (
	FormatCSV     ExportFormat = "csv"
	FormatTSV     ExportFormat = "tsv"
	FormatJSON    ExportFormat = "json"
	FormatJSONL   ExportFormat = "jsonl"
	FormatExcel   ExportFormat = "xlsx"
	FormatParquet ExportFormat = "parquet"
)

// ExportOptions tune a format writer. Zero values mean format defaults.
type ExportOptions struct {
	// Columns fixes the column set and order. Empty means the sorted keys
	// of the first record.
	Columns []string

	// Delimiter overrides the separator for CSV output
	Delimiter rune

	// NoHeader suppresses the CSV/TSV header row
	NoHeader bool

	// Pretty indents JSON array output
	Pretty bool

	// SheetName overrides the Excel sheet name
	SheetName string
}

// RecordIterator yields records one at a time. Next returns io.EOF after
// the last record, letting writers stay memory-bounded regardless of
// result size.
type RecordIterator interface {
	Next() (Record, error)
}

// sliceIterator adapts an in-memory record slice to RecordIterator
type sliceIterator struct {
	records []Record
	pos     int
}

// NewSliceIterator wraps a record slice as a RecordIterator
func NewSliceIterator(records []Record) RecordIterator {
	return &sliceIterator{records: records}
}

func (it *sliceIterator) Next() (Record, error) {
	if it.pos >= len(it.records) {
		return nil, io.EOF
	}
	rec := it.records[it.pos]
	it.pos++
	return rec, nil
}

// ProgressFunc receives running row and byte counts during an export
type ProgressFunc func(rows, bytes int64)

// FormatWriter streams records from an iterator into one output encoding
type FormatWriter interface {
	Write(w io.Writer, iter RecordIterator, opts ExportOptions, progress ProgressFunc) (int64, error)
}

// WriterFor returns the FormatWriter for a format name
func WriterFor(format ExportFormat) (FormatWriter, error) {
	switch format {
	case FormatCSV:
		return &delimitedWriter{comma: ','}, nil
	case FormatTSV:
		return &delimitedWriter{comma: '\t'}, nil
	case FormatJSON:
		return &jsonArrayWriter{}, nil
	case FormatJSONL:
		return &jsonLinesWriter{}, nil
	case FormatExcel:
		return &excelWriter{}, nil
	case FormatParquet:
		return &parquetWriter{}, nil
	}
	return nil, WithContext(ErrUnknownFormat, map[string]interface{}{
		"format": string(format),
	})
}

// ParseFormat validates a format string
func ParseFormat(s string) (ExportFormat, error) {
	switch ExportFormat(s) {
	case FormatCSV, FormatTSV, FormatJSON, FormatJSONL, FormatExcel, FormatParquet:
		return ExportFormat(s), nil
	case "excel":
		return FormatExcel, nil
	}
	return "", WithContext(ErrUnknownFormat, map[string]interface{}{
		"format": s,
	})
}

// FileExtension returns the conventional extension for a format
func (f ExportFormat) FileExtension() string {
	return "." + string(f)
}

// recordColumns derives the column set from a record: explicit columns win,
// otherwise the record's keys sorted for determinism.
func recordColumns(rec Record, opts ExportOptions) []string {
	if len(opts.Columns) > 0 {
		return opts.Columns
	}
	cols := make([]string, 0, len(rec))
	for k := range rec {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

// cellString renders one record field for tabular output
func cellString(rec Record, col string) string {
	v := ResolveField(rec, col)
	if v == nil {
		return ""
	}
	return Stringify(v)
}

func reportProgress(progress ProgressFunc, rows, bytes int64) {
	if progress != nil && rows%DefaultProgressEveryRows == 0 {
		progress(rows, bytes)
	}
}

// delimitedWriter emits CSV or TSV. The header comes from the first record
// unless NoHeader is set; later records missing a column emit an empty cell,
// and extra keys on later records are dropped.
type delimitedWriter struct {
	comma rune
}

func (dw *delimitedWriter) Write(w io.Writer, iter RecordIterator, opts ExportOptions, progress ProgressFunc) (int64, error) {
	counter := &byteCounter{w: w}
	cw := csv.NewWriter(counter)
	if opts.Delimiter != 0 {
		cw.Comma = opts.Delimiter
	} else {
		cw.Comma = dw.comma
	}

	var columns []string
	var rows int64
	for {
		rec, err := iter.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return rows, err
		}

		if columns == nil {
			columns = recordColumns(rec, opts)
			if !opts.NoHeader {
				if err := cw.Write(columns); err != nil {
					return rows, exportErr("csv", err)
				}
			}
		}

		cells := make([]string, len(columns))
		for i, col := range columns {
			cells[i] = cellString(rec, col)
		}
		if err := cw.Write(cells); err != nil {
			return rows, exportErr("csv", err)
		}

		rows++
		if rows%DefaultExportChunkRows == 0 {
			cw.Flush()
		}
		reportProgress(progress, rows, counter.n)
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return rows, exportErr("csv", err)
	}
	return rows, nil
}

// jsonArrayWriter emits one JSON array, streaming element by element so the
// full result never sits in memory.
type jsonArrayWriter struct{}

func (jw *jsonArrayWriter) Write(w io.Writer, iter RecordIterator, opts ExportOptions, progress ProgressFunc) (int64, error) {
	counter := &byteCounter{w: w}
	open, sep, closing := "[", ",", "]"
	if opts.Pretty {
		open, sep, closing = "[\n", ",\n", "\n]"
	}

	if _, err := io.WriteString(counter, open); err != nil {
		return 0, exportErr("json", err)
	}

	var rows int64
	for {
		rec, err := iter.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return rows, err
		}

		if rows > 0 {
			if _, err := io.WriteString(counter, sep); err != nil {
				return rows, exportErr("json", err)
			}
		}

		var data []byte
		if opts.Pretty {
			data, err = json.MarshalIndent(rec, "  ", "  ")
			data = append([]byte("  "), data...)
		} else {
			data, err = json.Marshal(rec)
		}
		if err != nil {
			return rows, exportErr("json", err)
		}
		if _, err := counter.Write(data); err != nil {
			return rows, exportErr("json", err)
		}

		rows++
		reportProgress(progress, rows, counter.n)
	}

	if _, err := io.WriteString(counter, closing); err != nil {
		return rows, exportErr("json", err)
	}
	return rows, nil
}

// jsonLinesWriter emits one JSON object per line
type jsonLinesWriter struct{}

func (jw *jsonLinesWriter) Write(w io.Writer, iter RecordIterator, opts ExportOptions, progress ProgressFunc) (int64, error) {
	counter := &byteCounter{w: w}
	enc := json.NewEncoder(counter)

	var rows int64
	for {
		rec, err := iter.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return rows, err
		}
		if err := enc.Encode(rec); err != nil {
			return rows, exportErr("jsonl", err)
		}
		rows++
		reportProgress(progress, rows, counter.n)
	}
	return rows, nil
}

// excelWriter emits an .xlsx workbook through the excelize stream writer,
// which spools rows to temp storage instead of holding the sheet in memory.
type excelWriter struct{}

func (ew *excelWriter) Write(w io.Writer, iter RecordIterator, opts ExportOptions, progress ProgressFunc) (int64, error) {
	sheet := opts.SheetName
	if sheet == "" {
		sheet = "Sheet1"
	}

	f := excelize.NewFile()
	defer f.Close()
	if sheet != "Sheet1" {
		if err := f.SetSheetName("Sheet1", sheet); err != nil {
			return 0, exportErr("xlsx", err)
		}
	}

	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return 0, exportErr("xlsx", err)
	}

	var columns []string
	var rows int64
	rowNum := 1
	for {
		rec, err := iter.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return rows, err
		}

		if columns == nil {
			columns = recordColumns(rec, opts)
			header := make([]interface{}, len(columns))
			for i, col := range columns {
				header[i] = col
			}
			if err := sw.SetRow("A1", header); err != nil {
				return rows, exportErr("xlsx", err)
			}
			rowNum = 2
		}

		cells := make([]interface{}, len(columns))
		for i, col := range columns {
			cells[i] = excelCell(rec, col)
		}
		anchor, err := excelize.CoordinatesToCellName(1, rowNum)
		if err != nil {
			return rows, exportErr("xlsx", err)
		}
		if err := sw.SetRow(anchor, cells); err != nil {
			return rows, exportErr("xlsx", err)
		}

		rows++
		rowNum++
		reportProgress(progress, rows, 0)
	}

	if err := sw.Flush(); err != nil {
		return rows, exportErr("xlsx", err)
	}
	if err := f.Write(w); err != nil {
		return rows, exportErr("xlsx", err)
	}
	return rows, nil
}

// excelCell keeps numbers and booleans typed so spreadsheets can compute
// over them; everything else flattens to a string.
func excelCell(rec Record, col string) interface{} {
	v := ResolveField(rec, col)
	switch t := v.(type) {
	case nil:
		return ""
	case bool:
		return t
	case float64, int, int64:
		return t
	default:
		return Stringify(v)
	}
}

// parquetWriter emits a parquet file. Records are schemaless, so the schema
// comes from the first batch: booleans and numbers keep their type, all
// other values become optional strings. Fields appearing only in later
// records are flattened away.
type parquetWriter struct{}

const parquetSchemaBatch = 100

func (pw *parquetWriter) Write(w io.Writer, iter RecordIterator, opts ExportOptions, progress ProgressFunc) (int64, error) {
	// Buffer the schema-inference batch
	batch := make([]Record, 0, parquetSchemaBatch)
	var iterErr error
	for len(batch) < parquetSchemaBatch {
		rec, err := iter.Next()
		if err == io.EOF {
			iterErr = io.EOF
			break
		}
		if err != nil {
			return 0, err
		}
		batch = append(batch, rec)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	columns, kinds := parquetSchemaOf(batch, opts)
	group := parquet.Group{}
	for _, col := range columns {
		group[col] = parquetNode(kinds[col])
	}
	schema := parquet.NewSchema("records", group)

	writer := parquet.NewGenericWriter[map[string]interface{}](w, schema)
	var rows int64

	flush := func(recs []Record) error {
		converted := make([]map[string]interface{}, len(recs))
		for i, rec := range recs {
			converted[i] = parquetRow(rec, columns, kinds)
		}
		if _, err := writer.Write(converted); err != nil {
			return exportErr("parquet", err)
		}
		rows += int64(len(recs))
		reportProgress(progress, rows, 0)
		return nil
	}

	if err := flush(batch); err != nil {
		return rows, err
	}

	if iterErr != io.EOF {
		chunk := make([]Record, 0, DefaultExportChunkRows)
		for {
			rec, err := iter.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return rows, err
			}
			chunk = append(chunk, rec)
			if len(chunk) == DefaultExportChunkRows {
				if err := flush(chunk); err != nil {
					return rows, err
				}
				chunk = chunk[:0]
			}
		}
		if len(chunk) > 0 {
			if err := flush(chunk); err != nil {
				return rows, err
			}
		}
	}

	if err := writer.Close(); err != nil {
		return rows, exportErr("parquet", err)
	}
	return rows, nil
}

// parquetSchemaOf infers column names and kinds from the inference batch.
// A column seen with conflicting kinds degrades to string.
func parquetSchemaOf(batch []Record, opts ExportOptions) ([]string, map[string]Kind) {
	kinds := make(map[string]Kind)
	for _, rec := range batch {
		for field, value := range rec {
			if IsNullValue(value) {
				if _, seen := kinds[field]; !seen {
					kinds[field] = KindNull
				}
				continue
			}
			k := parquetKind(value)
			prev, seen := kinds[field]
			if !seen || prev == KindNull {
				kinds[field] = k
			} else if prev != k {
				kinds[field] = KindString
			}
		}
	}

	var columns []string
	if len(opts.Columns) > 0 {
		columns = opts.Columns
	} else {
		for col := range kinds {
			columns = append(columns, col)
		}
		sort.Strings(columns)
	}
	for _, col := range columns {
		if k, ok := kinds[col]; !ok || k == KindNull {
			kinds[col] = KindString
		}
	}
	return columns, kinds
}

// parquetKind collapses the value kinds to the three encodable ones
func parquetKind(v interface{}) Kind {
	switch KindOf(v) {
	case KindBool:
		return KindBool
	case KindNumber:
		return KindNumber
	default:
		return KindString
	}
}

func parquetNode(k Kind) parquet.Node {
	switch k {
	case KindBool:
		return parquet.Optional(parquet.Leaf(parquet.BooleanType))
	case KindNumber:
		return parquet.Optional(parquet.Leaf(parquet.DoubleType))
	default:
		return parquet.Optional(parquet.String())
	}
}

// parquetRow converts one record into the inferred schema's shape
func parquetRow(rec Record, columns []string, kinds map[string]Kind) map[string]interface{} {
	row := make(map[string]interface{}, len(columns))
	for _, col := range columns {
		v := ResolveField(rec, col)
		if IsNullValue(v) {
			row[col] = nil
			continue
		}
		switch kinds[col] {
		case KindBool:
			if b, ok := v.(bool); ok {
				row[col] = b
			} else {
				row[col] = nil
			}
		case KindNumber:
			if n, ok := ToNumber(v); ok {
				row[col] = n
			} else {
				row[col] = nil
			}
		default:
			row[col] = Stringify(v)
		}
	}
	return row
}

// byteCounter wraps a writer and counts bytes for progress reporting
type byteCounter struct {
	w io.Writer
	n int64
}

func (bc *byteCounter) Write(p []byte) (int, error) {
	n, err := bc.w.Write(p)
	bc.n += int64(n)
	return n, err
}

func exportErr(format string, err error) error {
	return WithContext(ErrExportFailed, map[string]interface{}{
		"format": format,
		"reason": err.Error(),
	})
}
