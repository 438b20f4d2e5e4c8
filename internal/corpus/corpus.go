// Package corpus parses annotated substitution corpora in id_melt format.
//
// Each line is one instance:
//
//	sentence_id target_word target_category target_index idx/cat/form idx/cat/form ...
//
// target_index is the 1-based position of the target among the context fields.
// A form starting with '*' marks the target occurrence; the marker is stripped
// and the form lower-cased.
package corpus

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hyperjump/lexsub/internal/models"
	"go.uber.org/zap"
)

const (
	minFields     = 5
	contextOffset = 4
	targetMarker  = "*"
)

// ParseStats summarizes a corpus parse.
type ParseStats struct {
	Lines     int
	Instances int
	Skipped   int
	Malformed []*models.MalformedRecordError
	Duration  time.Duration
}

type parseOptions struct {
	source string
	logger *zap.Logger
}

// Option configures Parse.
type Option func(*parseOptions)

// WithSource names the input in error messages.
func WithSource(name string) Option {
	return func(o *parseOptions) { o.source = name }
}

// WithLogger logs skipped lines at debug level and a summary at info level.
func WithLogger(l *zap.Logger) Option {
	return func(o *parseOptions) { o.logger = l }
}

// Parse reads one instance per non-empty line. Malformed lines are skipped and
// recorded in the stats. The instance ID is the 1-based line number.
func Parse(r io.Reader, opts ...Option) ([]models.Instance, ParseStats, error) {
	o := parseOptions{source: "corpus", logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	start := time.Now()
	var stats ParseStats
	var out []models.Instance

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := Preprocess(scanner.Text())
		if line == "" {
			continue
		}
		stats.Lines++
		inst, merr := parseLine(o.source, lineNo, line)
		if merr != nil {
			stats.Skipped++
			stats.Malformed = append(stats.Malformed, merr)
			o.logger.Debug("skipping corpus line", zap.Error(merr))
			continue
		}
		out = append(out, inst)
	}
	if err := scanner.Err(); err != nil {
		return nil, stats, fmt.Errorf("failed to read %s: %w", o.source, err)
	}
	stats.Instances = len(out)
	stats.Duration = time.Since(start)
	o.logger.Info("corpus parsed",
		zap.String("source", o.source),
		zap.Int("instances", stats.Instances),
		zap.Int("skipped", stats.Skipped),
		zap.Duration("took", stats.Duration))
	return out, stats, nil
}

// ParseFile opens path and calls Parse.
func ParseFile(path string, opts ...Option) ([]models.Instance, ParseStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ParseStats{}, fmt.Errorf("failed to open corpus: %w", err)
	}
	defer f.Close()
	opts = append([]Option{WithSource(path)}, opts...)
	return Parse(f, opts...)
}

func parseLine(source string, lineNo int, line string) (models.Instance, *models.MalformedRecordError) {
	malformed := func(format string, args ...interface{}) *models.MalformedRecordError {
		return &models.MalformedRecordError{Source: source, Line: lineNo, Reason: fmt.Sprintf(format, args...)}
	}
	fields := strings.Fields(line)
	if len(fields) < minFields {
		return models.Instance{}, malformed("%d fields, want at least %d", len(fields), minFields)
	}
	pos, err := strconv.Atoi(fields[3])
	if err != nil {
		return models.Instance{}, malformed("target index %q is not an integer", fields[3])
	}

	ctxFields := fields[contextOffset:]
	tokens := make([]models.ContextToken, len(ctxFields))
	for i, f := range ctxFields {
		parts := strings.SplitN(f, "/", 3)
		if len(parts) != 3 || parts[2] == "" {
			return models.Instance{}, malformed("context field %q is not idx/cat/form", f)
		}
		form := parts[2]
		if strings.HasPrefix(form, targetMarker) && len(form) > len(targetMarker) {
			form = models.FoldWord(strings.TrimPrefix(form, targetMarker))
		}
		tokens[i] = models.ContextToken{Word: form, Category: models.Category(parts[1])}
	}

	inst := models.Instance{
		SentenceID:     fields[0],
		InstanceID:     strconv.Itoa(lineNo),
		TargetWord:     models.FoldWord(fields[1]),
		TargetCategory: models.Category(fields[2]),
		TargetPosition: pos,
		Context:        tokens,
	}
	if err := inst.Validate(); err != nil {
		return models.Instance{}, malformed("%v", err)
	}
	return inst, nil
}
