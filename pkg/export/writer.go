package export

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/queryfleet/queryfleet/pkg/query"
)

// Prometheus metrics for export writers.
var (
	exportRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queryfleet_export_rows_total",
		Help: "Rows written by format",
	}, []string{"format"})

	exportFilesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queryfleet_export_files_total",
		Help: "Finalized output files by format",
	}, []string{"format"})

	exportCleanupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queryfleet_export_cleanups_total",
		Help: "Aborted exports whose temp file was removed, by format",
	}, []string{"format"})
)

// DefaultPageBuffer is how many pages a writer buffers before flushing
// to its temp file.
const DefaultPageBuffer = 100

// StreamWriter accepts result pages incrementally and lands a complete
// file at the destination path, or nothing at all.
//
// A writer is consumed exactly once: every code path must end in either
// Finalize or Cleanup, never both, never twice.
type StreamWriter interface {
	// WritePage buffers one page, flushing to the temp file when the
	// buffered page count reaches the threshold.
	WritePage(table *query.Table) error

	// Finalize flushes the remainder, syncs, closes and atomically
	// publishes the destination file. Returns rows and pages written.
	Finalize() (rows, pages int, err error)

	// Cleanup aborts the export and removes the temp file.
	Cleanup() error

	// Path returns the destination path.
	Path() string
}
