package export

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/queryfleet/queryfleet/pkg/query"
)

// CSVWriter streams result pages into a CSV file. The header comes from
// the first page's columns; rows are buffered and flushed to a temp
// file, and Finalize publishes the destination via atomic rename.
type CSVWriter struct {
	destPath   string
	tempPath   string
	file       *os.File
	buf        *bufio.Writer
	pageBuffer int

	headerWritten bool
	buffered      []string
	bufferedPages int
	rowCount      int
	pageCount     int
}

// NewCSVWriter creates the temp file and returns a writer targeting
// destPath. pageBuffer <= 0 uses DefaultPageBuffer.
func NewCSVWriter(destPath string, pageBuffer int) (*CSVWriter, error) {
	if pageBuffer <= 0 {
		pageBuffer = DefaultPageBuffer
	}

	tempPath := destPath + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}

	return &CSVWriter{
		destPath:   destPath,
		tempPath:   tempPath,
		file:       file,
		buf:        bufio.NewWriter(file),
		pageBuffer: pageBuffer,
	}, nil
}

// Path returns the destination path.
func (w *CSVWriter) Path() string {
	return w.destPath
}

// WritePage appends one page's rows, writing the header first if this is
// the first page.
func (w *CSVWriter) WritePage(table *query.Table) error {
	if !w.headerWritten {
		names := make([]string, len(table.Columns))
		for i, col := range table.Columns {
			names[i] = col.Name
		}
		if _, err := w.buf.WriteString(strings.Join(names, ",") + "\n"); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
		w.headerWritten = true
	}

	w.pageCount++
	w.bufferedPages++
	for _, row := range table.Rows {
		cells := make([]string, len(row))
		for i, value := range row {
			cells[i] = FormatCSVValue(value)
		}
		w.buffered = append(w.buffered, strings.Join(cells, ",")+"\n")
		w.rowCount++
	}

	if w.bufferedPages >= w.pageBuffer {
		return w.flush()
	}
	return nil
}

// flush writes the buffered rows to the temp file.
func (w *CSVWriter) flush() error {
	for _, line := range w.buffered {
		if _, err := w.buf.WriteString(line); err != nil {
			return fmt.Errorf("flush rows: %w", err)
		}
	}
	w.buffered = w.buffered[:0]
	w.bufferedPages = 0
	return nil
}

// Finalize flushes the remainder, fsyncs, closes the temp file and
// atomically renames it to the destination.
func (w *CSVWriter) Finalize() (int, int, error) {
	if err := w.flush(); err != nil {
		w.abort()
		return 0, 0, err
	}
	if err := w.buf.Flush(); err != nil {
		w.abort()
		return 0, 0, fmt.Errorf("flush temp file: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		w.abort()
		return 0, 0, fmt.Errorf("sync temp file: %w", err)
	}
	if err := w.file.Close(); err != nil {
		_ = os.Remove(w.tempPath)
		return 0, 0, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(w.tempPath, w.destPath); err != nil {
		_ = os.Remove(w.tempPath)
		return 0, 0, fmt.Errorf("publish output file: %w", err)
	}

	exportRowsTotal.WithLabelValues("csv").Add(float64(w.rowCount))
	exportFilesTotal.WithLabelValues("csv").Inc()
	return w.rowCount, w.pageCount, nil
}

// Cleanup aborts the export and removes the temp file.
func (w *CSVWriter) Cleanup() error {
	w.abort()
	exportCleanupsTotal.WithLabelValues("csv").Inc()
	return nil
}

func (w *CSVWriter) abort() {
	_ = w.file.Close()
	_ = os.Remove(w.tempPath)
}

// FormatCSVValue renders one cell: empty for null, literals for bools
// and numbers, quote-on-demand escaping for strings, and
// JSON-serialize-then-quote for nested values.
func FormatCSVValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	case string:
		if strings.ContainsAny(v, ",\"\n") {
			return `"` + strings.ReplaceAll(v, `"`, `""`) + `"`
		}
		return v
	default:
		// Arrays and objects are serialized as JSON then quoted.
		raw, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return `"` + strings.ReplaceAll(string(raw), `"`, `""`) + `"`
	}
}
