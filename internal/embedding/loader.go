package embedding

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hyperjump/lexsub/internal/models"
	"go.uber.org/zap"
)

const (
	keySeparator = "_"
	// maxLineBytes bounds a single vector line (700 dims at ~12 bytes each fits easily).
	maxLineBytes = 16 * 1024 * 1024
	// maxKeptMalformed caps how many skipped-line errors LoadStats retains.
	maxKeptMalformed = 100
)

// LoadStats summarizes an embedding load.
type LoadStats struct {
	Rows       int
	Accepted   int
	Skipped    int
	Duplicates int
	Dim        int
	// HeaderRows is the row count announced by the header line, or -1 without header.
	HeaderRows int
	Malformed  []*models.MalformedRecordError
	Duration   time.Duration
}

type loadOptions struct {
	source       string
	expectedRows int
	logger       *zap.Logger
}

// LoadOption configures Load.
type LoadOption func(*loadOptions)

// WithSource names the input in error messages.
func WithSource(name string) LoadOption {
	return func(o *loadOptions) { o.source = name }
}

// WithExpectedRows sets the row count the header line is expected to announce.
// A different count is logged, not fatal.
func WithExpectedRows(n int) LoadOption {
	return func(o *loadOptions) { o.expectedRows = n }
}

// WithLogger logs skipped lines at debug level and the load summary at info level.
func WithLogger(l *zap.Logger) LoadOption {
	return func(o *loadOptions) { o.logger = l }
}

// Load reads "word_CAT v1 ... vN" lines into a new Table. Lines whose key has no
// or several underscores, or whose values do not parse, are skipped. A leading
// header of one or two integers ("rows [dim]") is skipped. Rows that disagree
// in dimensionality abort the load with a DimensionMismatchError.
func Load(r io.Reader, opts ...LoadOption) (*Table, LoadStats, error) {
	o := loadOptions{source: "embeddings", expectedRows: -1}
	for _, opt := range opts {
		opt(&o)
	}
	start := time.Now()
	stats := LoadStats{HeaderRows: -1}
	table := NewTable(0)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	lineNo := 0
	seenContent := false
	for scanner.Scan() {
		lineNo++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if !seenContent {
			seenContent = true
			if rows, dim, ok := parseHeader(fields); ok {
				stats.HeaderRows = rows
				if dim > 0 {
					table.dim = dim
				}
				if o.expectedRows >= 0 && rows != o.expectedRows && o.logger != nil {
					o.logger.Warn("embedding header row count differs from expected",
						zap.Int("header_rows", rows), zap.Int("expected_rows", o.expectedRows))
				}
				continue
			}
		}
		stats.Rows++

		word, category, vec, merr := parseRow(o.source, lineNo, fields)
		if merr != nil {
			stats.Skipped++
			if len(stats.Malformed) < maxKeptMalformed {
				stats.Malformed = append(stats.Malformed, merr)
			}
			if o.logger != nil {
				o.logger.Debug("skipping embedding line", zap.Error(merr))
			}
			continue
		}
		dup, err := table.Put(word, category, vec)
		if err != nil {
			if dm, ok := err.(*models.DimensionMismatchError); ok {
				dm.Line = lineNo
				return nil, stats, dm
			}
			return nil, stats, fmt.Errorf("%s:%d: %w", o.source, lineNo, err)
		}
		stats.Accepted++
		if dup {
			stats.Duplicates++
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, stats, fmt.Errorf("failed to read %s: %w", o.source, err)
	}
	stats.Dim = table.Dim()
	stats.Duration = time.Since(start)
	if stats.HeaderRows >= 0 && stats.HeaderRows != stats.Rows && o.logger != nil {
		o.logger.Warn("embedding header row count differs from rows read",
			zap.Int("header_rows", stats.HeaderRows), zap.Int("rows", stats.Rows))
	}
	if o.logger != nil {
		o.logger.Info("embedding table loaded",
			zap.String("source", o.source),
			zap.Int("accepted", stats.Accepted),
			zap.Int("skipped", stats.Skipped),
			zap.Int("duplicates", stats.Duplicates),
			zap.Int("dim", stats.Dim),
			zap.Duration("took", stats.Duration),
		)
	}
	return table, stats, nil
}

// LoadFile opens path and calls Load.
func LoadFile(path string, opts ...LoadOption) (*Table, LoadStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, LoadStats{}, fmt.Errorf("failed to open embeddings: %w", err)
	}
	defer f.Close()
	opts = append([]LoadOption{WithSource(path)}, opts...)
	return Load(f, opts...)
}

// parseHeader recognizes "rows" or "rows dim".
func parseHeader(fields []string) (rows, dim int, ok bool) {
	if len(fields) > 2 {
		return 0, 0, false
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil || n < 0 {
		return 0, 0, false
	}
	if len(fields) == 2 {
		d, err := strconv.Atoi(fields[1])
		if err != nil || d <= 0 {
			return 0, 0, false
		}
		return n, d, true
	}
	return n, 0, true
}

func parseRow(source string, lineNo int, fields []string) (string, models.Category, []float32, *models.MalformedRecordError) {
	malformed := func(format string, args ...interface{}) *models.MalformedRecordError {
		return &models.MalformedRecordError{Source: source, Line: lineNo, Reason: fmt.Sprintf(format, args...)}
	}
	key := fields[0]
	if n := strings.Count(key, keySeparator); n != 1 {
		return "", "", nil, malformed("key %q has %d separators, want 1", key, n)
	}
	word, cat, _ := strings.Cut(key, keySeparator)
	if word == "" || cat == "" {
		return "", "", nil, malformed("key %q has an empty word or category", key)
	}
	if len(fields) < 2 {
		return "", "", nil, malformed("no vector values for %q", key)
	}
	vec := make([]float32, len(fields)-1)
	for i, f := range fields[1:] {
		v, err := strconv.ParseFloat(f, 32)
		if err != nil {
			return "", "", nil, malformed("value %d of %q: %v", i+1, key, err)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return "", "", nil, malformed("value %d of %q is not finite: %s", i+1, key, f)
		}
		vec[i] = float32(v)
	}
	return word, models.Category(cat), vec, nil
}
