// Package thesaurus reads distributional thesaurus neighbor lists.
//
// A thesaurus directory holds one file per category (README is ignored). Each
// line names a key and its neighbors:
//
//	N|chat N|chien:0.41 N|souris:0.37 ...
package thesaurus

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/hyperjump/lexsub/internal/models"
	"go.uber.org/zap"
)

const readmeName = "README"

// Stats summarizes a thesaurus load.
type Stats struct {
	Files   int
	Entries int
	Skipped int
}

// Thesaurus maps (word, category) to its neighbor list in file order.
type Thesaurus struct {
	neighbors map[string][]models.Candidate
	files     []string
	stats     Stats
}

type options struct {
	logger *zap.Logger
}

// Option configures LoadDir.
type Option func(*options)

// WithLogger logs each file read and skipped lines.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func key(word string, category models.Category) string {
	return category.Key() + "|" + models.FoldWord(word)
}

// LoadDir reads every regular file of dir except README, in name order.
// A key repeated across lines or files keeps its last list.
func LoadDir(dir string, opts ...Option) (*Thesaurus, error) {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read thesaurus dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || e.Name() == readmeName {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	th := &Thesaurus{neighbors: make(map[string][]models.Candidate)}
	for _, name := range names {
		path := filepath.Join(dir, name)
		o.logger.Info("reading thesaurus file", zap.String("path", path))
		if err := th.readFile(path, o.logger); err != nil {
			return nil, err
		}
		th.files = append(th.files, path)
	}
	th.stats.Files = len(th.files)
	th.stats.Entries = len(th.neighbors)
	o.logger.Info("thesaurus loaded",
		zap.Int("files", th.stats.Files),
		zap.Int("entries", th.stats.Entries),
		zap.Int("skipped", th.stats.Skipped))
	return th, nil
}

func (th *Thesaurus) readFile(path string, logger *zap.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open thesaurus file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		k, neigh, merr := parseLine(path, lineNo, fields)
		if merr != nil {
			th.stats.Skipped++
			logger.Debug("skipping thesaurus line", zap.Error(merr))
			continue
		}
		th.neighbors[k] = neigh
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	return nil
}

func parseLine(path string, lineNo int, fields []string) (string, []models.Candidate, *models.MalformedRecordError) {
	malformed := func(reason string) *models.MalformedRecordError {
		return &models.MalformedRecordError{Source: path, Line: lineNo, Reason: reason}
	}
	cat, word, ok := strings.Cut(fields[0], "|")
	if !ok || cat == "" || word == "" {
		return "", nil, malformed(fmt.Sprintf("bad key %q", fields[0]))
	}
	neigh := make([]models.Candidate, 0, len(fields)-1)
	for _, f := range fields[1:] {
		tagged, scoreStr, _ := strings.Cut(f, ":")
		ncat, nword, ok := strings.Cut(tagged, "|")
		if !ok || nword == "" {
			return "", nil, malformed(fmt.Sprintf("bad neighbor %q", f))
		}
		var score float64
		if scoreStr != "" {
			s, err := strconv.ParseFloat(scoreStr, 32)
			if err != nil {
				return "", nil, malformed(fmt.Sprintf("bad score in %q", f))
			}
			score = s
		}
		neigh = append(neigh, models.Candidate{
			Word:     models.FoldWord(nword),
			Category: models.Category(ncat),
			Score:    float32(score),
		})
	}
	return key(word, models.Category(cat)), neigh, nil
}

// Neighbors returns the neighbors listed for (word, category), in file order.
// Scores are the thesaurus scores, not cosine similarities.
func (th *Thesaurus) Neighbors(word string, category models.Category) []models.Candidate {
	return th.neighbors[key(word, category)]
}

// Len returns the number of keys.
func (th *Thesaurus) Len() int {
	return len(th.neighbors)
}

// Files returns the files read, in load order.
func (th *Thesaurus) Files() []string {
	return th.files
}

// Stats returns load statistics.
func (th *Thesaurus) Stats() Stats {
	return th.stats
}
