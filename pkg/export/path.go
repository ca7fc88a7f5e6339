// Package export provides buffered, crash-safe streaming writers for
// query results. Writers stage everything in a temp file and finalize
// with an atomic rename, so a destination path only ever holds a
// complete file.
package export

import (
	"path/filepath"
	"time"
	"unicode"
)

// TimestampFormat is the run-timestamp directory segment layout.
const TimestampFormat = "2006-01-02_15-04-05"

// RunTimestamp formats a run instant for the output path template.
func RunTimestamp(t time.Time) string {
	return t.Format(TimestampFormat)
}

// NormalizeName makes a target or group name safe for a path segment:
// alphanumerics and hyphens are kept (lowercased), everything else
// becomes an underscore.
func NormalizeName(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' {
			out = append(out, unicode.ToLower(r))
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}

// OutputDir builds the per-job output directory:
// {outputFolder}/{normalized group}/{normalized target}/{run timestamp}.
func OutputDir(outputFolder, group, target, runTimestamp string) string {
	return filepath.Join(outputFolder, NormalizeName(group), NormalizeName(target), runTimestamp)
}
