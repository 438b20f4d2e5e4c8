package main

import (
	"bytes"
	"context"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/lexsub/internal/config"
	"github.com/hyperjump/lexsub/internal/models"
	"github.com/hyperjump/lexsub/internal/storage"
)

const testEmbeddings = `4 2
chien_N 0.9 0.1
table_N 0 1
souris_N 0.6 0.4
dort_V 0.5 0.5
`

const testCorpus = `s1 chat N 2 1/N/chien 2/N/*chat 3/V/dort
s2 chat N 1 1/N/*chat 2/N/zzz
bad line
`

func writeInputs(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Data.EmbeddingsPath = filepath.Join(dir, "vectors.txt")
	cfg.Data.CorpusPath = filepath.Join(dir, "corpus.txt")
	cfg.Storage.DatabasePath = filepath.Join(dir, "db", "runs.db")
	cfg.Pipeline.TopK = 3
	cfg.Pipeline.Workers = 2
	if err := os.WriteFile(cfg.Data.EmbeddingsPath, []byte(testEmbeddings), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cfg.Data.CorpusPath, []byte(testCorpus), 0644); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestPipelineFlags_ApplyOnlyVisited(t *testing.T) {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	pf := addPipelineFlags(fs)
	if err := fs.Parse([]string{"-k", "5", "-full-window=false", "-tie-break", "lexical"}); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.Data.CorpusPath = "/keep/corpus.txt"
	pf.apply(fs, cfg)

	if cfg.Pipeline.TopK != 5 || cfg.Pipeline.TieBreak != "lexical" {
		t.Errorf("pipeline = %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.FullWindowOrDefault() {
		t.Error("full_window should be false")
	}
	if cfg.Pipeline.IncludeTarget != nil {
		t.Error("include_target was not given and should stay unset")
	}
	if cfg.Data.CorpusPath != "/keep/corpus.txt" {
		t.Errorf("corpus path overwritten: %q", cfg.Data.CorpusPath)
	}
}

func TestInputsID_ChangesWithSettings(t *testing.T) {
	cfg := writeInputs(t)
	a, err := inputsID(cfg)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := inputsID(cfg)
	if a != b {
		t.Errorf("inputsID not stable: %q vs %q", a, b)
	}
	cfg.Pipeline.TopK = 4
	c, _ := inputsID(cfg)
	if c == a {
		t.Error("inputsID should change with top_k")
	}
	cfg.Data.CorpusPath = filepath.Join(t.TempDir(), "missing.txt")
	if _, err := inputsID(cfg); err == nil {
		t.Error("expected error for missing corpus")
	}
}

func TestRunPipeline(t *testing.T) {
	cfg := writeInputs(t)
	ctx := context.Background()
	report, info, err := runPipeline(ctx, cfg, zap.NewNop(), runOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if report.Stats.Instances != 2 || report.Stats.Succeeded != 1 || report.Stats.Failed != 1 {
		t.Errorf("stats = %+v", report.Stats)
	}
	lists := report.Lists()
	if len(lists) != 1 {
		t.Fatalf("lists = %+v", lists)
	}
	var got []string
	for _, c := range lists[0].Candidates {
		got = append(got, c.Word)
	}
	if strings.Join(got, ",") != "souris,chien,table" {
		t.Errorf("candidates = %v", got)
	}
	if info.Source != config.SourceEmbedding || info.TopK != 3 || info.InputsID == "" {
		t.Errorf("info = %+v", info)
	}
	if report.RunID != "" {
		t.Error("run should not be stored without save")
	}
}

func TestRunPipeline_StoreAndReuse(t *testing.T) {
	cfg := writeInputs(t)
	ctx := context.Background()
	store, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	first, _, err := runPipeline(ctx, cfg, zap.NewNop(), runOptions{store: store, save: true})
	if err != nil {
		t.Fatal(err)
	}
	if first.RunID == "" {
		t.Fatal("stored run has no ID")
	}
	second, info, err := runPipeline(ctx, cfg, zap.NewNop(), runOptions{store: store, save: true, reuse: true})
	if err != nil {
		t.Fatal(err)
	}
	if second.RunID != first.RunID || info.ID != first.RunID {
		t.Errorf("reuse returned %q, want %q", second.RunID, first.RunID)
	}
	n, _ := store.CountRuns(ctx)
	if n != 1 {
		t.Errorf("runs stored = %d, want 1", n)
	}

	cfg.Pipeline.TopK = 2
	third, _, err := runPipeline(ctx, cfg, zap.NewNop(), runOptions{store: store, save: true, reuse: true})
	if err != nil {
		t.Fatal(err)
	}
	if third.RunID == first.RunID {
		t.Error("changed settings must not reuse the stored run")
	}
}

func TestLoadTable_Snapshot(t *testing.T) {
	cfg := writeInputs(t)
	cfg.Storage.SnapshotPath = filepath.Join(filepath.Dir(cfg.Data.EmbeddingsPath), "snap", "vectors.bin")

	table, err := loadTable(cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if !table.Normalized() || table.Len() != 4 {
		t.Errorf("table: normalized=%v len=%d", table.Normalized(), table.Len())
	}
	if _, err := os.Stat(cfg.Storage.SnapshotPath); err != nil {
		t.Fatalf("snapshot not written: %v", err)
	}

	// make the snapshot newer than the source
	future := time.Now().Add(time.Minute)
	if err := os.Chtimes(cfg.Storage.SnapshotPath, future, future); err != nil {
		t.Fatal(err)
	}
	again, err := loadTable(cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if again.Len() != 4 || again.Dim() != 2 {
		t.Errorf("snapshot table: len=%d dim=%d", again.Len(), again.Dim())
	}
	e1, _ := table.Lookup("souris")
	e2, _ := again.Lookup("souris")
	for i := range e1.Vector {
		if e1.Vector[i] != e2.Vector[i] {
			t.Errorf("snapshot vector differs: %v vs %v", e1.Vector, e2.Vector)
			break
		}
	}
}

func TestLoadTable_MissingPath(t *testing.T) {
	cfg := config.Default()
	if _, err := loadTable(cfg, zap.NewNop()); err == nil {
		t.Error("expected error without embeddings path")
	}
}

func TestBuildDriver_Thesaurus(t *testing.T) {
	cfg := writeInputs(t)
	dir := filepath.Join(filepath.Dir(cfg.Data.CorpusPath), "thesaurus")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "N.txt"), []byte("N|chat N|table:0.9 N|chien:0.5\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg.Pipeline.Source = config.SourceThesaurus
	cfg.Data.ThesaurusPath = dir

	report, info, err := runPipeline(context.Background(), cfg, zap.NewNop(), runOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if info.Source != config.SourceThesaurus {
		t.Errorf("source = %q", info.Source)
	}
	lists := report.Lists()
	if len(lists) != 1 || len(lists[0].Candidates) != 2 || lists[0].Candidates[0].Word != "chien" {
		t.Errorf("thesaurus lists = %+v", lists)
	}
}

func TestWriteRunList(t *testing.T) {
	var buf bytes.Buffer
	writeRunList(&buf, nil)
	if !strings.Contains(buf.String(), "No stored runs") {
		t.Errorf("empty list output = %q", buf.String())
	}
	buf.Reset()
	writeRunList(&buf, []*models.RunInfo{{
		ID: "abc", CreatedAt: time.Now(), Source: "embedding", TopK: 10,
		Stats: models.RunStats{Instances: 3, Succeeded: 2, Failed: 1},
	}})
	out := buf.String()
	if !strings.Contains(out, "abc") || !strings.Contains(out, "embedding") {
		t.Errorf("list output = %q", out)
	}
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	report := models.NewReport()
	report.RunID = "r1"
	report.Stats = models.RunStats{Instances: 2, Succeeded: 1, Failed: 1}
	printSummary(&buf, report)
	if !strings.Contains(buf.String(), "instances: 2") || !strings.Contains(buf.String(), "run: r1") {
		t.Errorf("summary = %q", buf.String())
	}
}

func TestCollectLocalStatus(t *testing.T) {
	cfg := writeInputs(t)
	status, err := collectLocalStatus(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if status.Runs != 0 {
		t.Errorf("runs = %d", status.Runs)
	}
	if status.DiskUsageBytes < int64(len(testEmbeddings)+len(testCorpus)) {
		t.Errorf("disk usage = %d", status.DiskUsageBytes)
	}
	if status.System == nil || status.System.CPUs < 1 {
		t.Errorf("system = %+v", status.System)
	}
	var buf bytes.Buffer
	writeLocalStatus(&buf, status)
	if !strings.Contains(buf.String(), "database:") || !strings.Contains(buf.String(), "missing") {
		t.Errorf("status output = %q", buf.String())
	}
}

func TestExistingDir(t *testing.T) {
	dir := t.TempDir()
	got := existingDir(filepath.Join(dir, "a", "b", "runs.db"))
	if got != dir {
		t.Errorf("existingDir = %q, want %q", got, dir)
	}
}
