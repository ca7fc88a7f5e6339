package export

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/queryfleet/queryfleet/pkg/query"
)

// Metadata describes the run that produced a structured export.
type Metadata struct {
	Target    string `json:"target"`
	TargetID  string `json:"target_id"`
	Group     string `json:"group"`
	Timestamp string `json:"timestamp"`
	Query     string `json:"query"`
	RowCount  int    `json:"row_count"`
	PageCount int    `json:"page_count"`
}

// envelope is the final structured export document.
type envelope struct {
	Metadata Metadata       `json:"metadata"`
	Columns  []query.Column `json:"columns"`
	Rows     []any          `json:"rows"`
}

// JSONWriter streams result pages as newline-delimited records into a
// temp file, then wraps them in a metadata envelope on Finalize. The
// row-buffer temp file is re-read and deleted; the envelope itself still
// lands through a second temp path and an atomic rename, so the
// destination is never partial.
type JSONWriter struct {
	destPath   string
	tempPath   string
	file       *os.File
	buf        *bufio.Writer
	pageBuffer int

	meta          Metadata
	columns       []query.Column
	expandDynamic bool

	buffered      []map[string]any
	bufferedPages int
	rowCount      int
	pageCount     int
}

// NewJSONWriter creates the temp file and returns a writer targeting
// destPath. expandDynamic enables recursive parsing of string values
// that hold nested JSON.
func NewJSONWriter(destPath string, pageBuffer int, expandDynamic bool, meta Metadata) (*JSONWriter, error) {
	if pageBuffer <= 0 {
		pageBuffer = DefaultPageBuffer
	}

	tempPath := destPath + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}

	return &JSONWriter{
		destPath:      destPath,
		tempPath:      tempPath,
		file:          file,
		buf:           bufio.NewWriter(file),
		pageBuffer:    pageBuffer,
		meta:          meta,
		expandDynamic: expandDynamic,
	}, nil
}

// Path returns the destination path.
func (w *JSONWriter) Path() string {
	return w.destPath
}

// WritePage appends one page's rows as objects keyed by column name.
// The column schema is fixed by the first page.
func (w *JSONWriter) WritePage(table *query.Table) error {
	if w.columns == nil {
		w.columns = make([]query.Column, len(table.Columns))
		copy(w.columns, table.Columns)
	}

	w.pageCount++
	w.bufferedPages++
	for _, row := range table.Rows {
		record := make(map[string]any, len(w.columns))
		for i, value := range row {
			if i >= len(w.columns) {
				break
			}
			col := w.columns[i]
			if w.expandDynamic && col.Type == "dynamic" {
				value = ExpandDynamicValue(value)
			}
			record[col.Name] = value
		}
		w.buffered = append(w.buffered, record)
		w.rowCount++
	}

	if w.bufferedPages >= w.pageBuffer {
		return w.flush()
	}
	return nil
}

// flush appends the buffered records to the temp file as NDJSON.
func (w *JSONWriter) flush() error {
	enc := json.NewEncoder(w.buf)
	for _, record := range w.buffered {
		if err := enc.Encode(record); err != nil {
			return fmt.Errorf("flush records: %w", err)
		}
	}
	w.buffered = w.buffered[:0]
	w.bufferedPages = 0
	return nil
}

// Finalize flushes the remainder, re-reads the buffered records, wraps
// them in the metadata envelope and publishes the pretty-printed
// document atomically. The NDJSON temp file is deleted.
func (w *JSONWriter) Finalize() (int, int, error) {
	if w.columns == nil {
		w.abort()
		return 0, 0, fmt.Errorf("no pages written: column schema unknown")
	}

	if err := w.flush(); err != nil {
		w.abort()
		return 0, 0, err
	}
	if err := w.buf.Flush(); err != nil {
		w.abort()
		return 0, 0, fmt.Errorf("flush temp file: %w", err)
	}
	if err := w.file.Close(); err != nil {
		_ = os.Remove(w.tempPath)
		return 0, 0, fmt.Errorf("close temp file: %w", err)
	}

	content, err := os.ReadFile(w.tempPath)
	if err != nil {
		_ = os.Remove(w.tempPath)
		return 0, 0, fmt.Errorf("read back temp file: %w", err)
	}

	rows := make([]any, 0, w.rowCount)
	for _, line := range strings.Split(string(content), "\n") {
		if line == "" {
			continue
		}
		var record any
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			record = nil
		}
		rows = append(rows, record)
	}

	meta := w.meta
	meta.RowCount = w.rowCount
	meta.PageCount = w.pageCount

	doc, err := json.MarshalIndent(envelope{
		Metadata: meta,
		Columns:  w.columns,
		Rows:     rows,
	}, "", "  ")
	if err != nil {
		_ = os.Remove(w.tempPath)
		return 0, 0, fmt.Errorf("encode envelope: %w", err)
	}

	finalTemp := w.destPath + ".final.tmp"
	if err := writeAndSync(finalTemp, doc); err != nil {
		_ = os.Remove(w.tempPath)
		_ = os.Remove(finalTemp)
		return 0, 0, err
	}
	if err := os.Rename(finalTemp, w.destPath); err != nil {
		_ = os.Remove(w.tempPath)
		_ = os.Remove(finalTemp)
		return 0, 0, fmt.Errorf("publish output file: %w", err)
	}

	if err := os.Remove(w.tempPath); err != nil {
		return 0, 0, fmt.Errorf("remove temp file: %w", err)
	}

	exportRowsTotal.WithLabelValues("json").Add(float64(w.rowCount))
	exportFilesTotal.WithLabelValues("json").Inc()
	return w.rowCount, w.pageCount, nil
}

// Cleanup aborts the export and removes the temp file.
func (w *JSONWriter) Cleanup() error {
	w.abort()
	exportCleanupsTotal.WithLabelValues("json").Inc()
	return nil
}

func (w *JSONWriter) abort() {
	_ = w.file.Close()
	_ = os.Remove(w.tempPath)
}

func writeAndSync(path string, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create envelope file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write envelope: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync envelope: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close envelope: %w", err)
	}
	return nil
}

// ExpandDynamicValue repeatedly parses string values as nested JSON,
// recursing into arrays and objects, until a value stops parsing. With
// expansion disabled the writer preserves strings verbatim instead.
func ExpandDynamicValue(value any) any {
	switch v := value.(type) {
	case string:
		var parsed any
		if err := json.Unmarshal([]byte(v), &parsed); err != nil {
			return v
		}
		// A bare JSON string parses to itself; stop to avoid looping.
		if s, ok := parsed.(string); ok && s == v {
			return v
		}
		return ExpandDynamicValue(parsed)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = ExpandDynamicValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = ExpandDynamicValue(item)
		}
		return out
	default:
		return value
	}
}
