// Package main is the lexsub CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/lexsub/internal/cli"
	"github.com/hyperjump/lexsub/internal/config"
	"github.com/hyperjump/lexsub/internal/embedding"
	"github.com/hyperjump/lexsub/internal/models"
	"github.com/hyperjump/lexsub/internal/pipeline"
	"github.com/hyperjump/lexsub/internal/server"
	"github.com/hyperjump/lexsub/internal/storage"
	"github.com/hyperjump/lexsub/internal/vocab"
	"github.com/hyperjump/lexsub/internal/watcher"
	"github.com/hyperjump/lexsub/pkg/utils"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/lexsub/config.yaml"

// loadConfig loads config from path. When path is the default, it first looks for
// config.yaml in the current directory (for development); if that exists it is used.
// A missing default config falls back to built-in defaults so flags alone can drive a run.
// Returns the config and the path that was actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			return config.Default(), "", nil
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "run":
		runRun()
	case "serve", "server":
		runServe()
	case "lookup":
		runLookup()
	case "runs":
		runRuns()
	case "watch":
		runWatch()
	case "status":
		runStatus()
	case "version", "--version", "-v":
		fmt.Printf("lexsub version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

// fatalf prints to stderr and exits with status 1.
func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// pipelineFlags are the flags shared by run and watch. Only flags given on the
// command line override the config.
type pipelineFlags struct {
	corpus        *string
	embeddings    *string
	thesaurus     *string
	source        *string
	topK          *int
	workers       *int
	tieBreak      *string
	includeTarget *bool
	fullWindow    *bool
	snapshot      *string
}

func addPipelineFlags(fs *flag.FlagSet) *pipelineFlags {
	return &pipelineFlags{
		corpus:        fs.String("corpus", "", "annotated corpus file (overrides data.corpus_path)"),
		embeddings:    fs.String("embeddings", "", "embedding table file (overrides data.embeddings_path)"),
		thesaurus:     fs.String("thesaurus", "", "thesaurus directory (overrides data.thesaurus_path)"),
		source:        fs.String("source", "", "candidate source: embedding or thesaurus"),
		topK:          fs.Int("k", 0, "candidates per list"),
		workers:       fs.Int("workers", 0, "concurrent instances (0 = number of CPUs)"),
		tieBreak:      fs.String("tie-break", "", "order of equal scores: table or lexical"),
		includeTarget: fs.Bool("include-target", false, "average the target token into the context"),
		fullWindow:    fs.Bool("full-window", true, "use the whole sentence as context (false = target only)"),
		snapshot:      fs.String("snapshot", "", "binary snapshot path for the embedding table"),
	}
}

// apply copies explicitly set flags into cfg.
func (f *pipelineFlags) apply(fs *flag.FlagSet, cfg *config.Config) {
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "corpus":
			cfg.Data.CorpusPath = *f.corpus
		case "embeddings":
			cfg.Data.EmbeddingsPath = *f.embeddings
		case "thesaurus":
			cfg.Data.ThesaurusPath = *f.thesaurus
		case "source":
			cfg.Pipeline.Source = *f.source
		case "k":
			cfg.Pipeline.TopK = *f.topK
		case "workers":
			cfg.Pipeline.Workers = *f.workers
		case "tie-break":
			cfg.Pipeline.TieBreak = *f.tieBreak
		case "include-target":
			v := *f.includeTarget
			cfg.Pipeline.IncludeTarget = &v
		case "full-window":
			v := *f.fullWindow
			cfg.Pipeline.FullWindow = &v
		case "snapshot":
			cfg.Storage.SnapshotPath = *f.snapshot
		}
	})
}

func openStore(cfg *config.Config) (storage.Storage, error) {
	store, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	return store, nil
}

func runRun() {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	pf := addPipelineFlags(fs)
	outputFormat := fs.String("format", "text", "output format: text, compact, or json")
	outPath := fs.String("out", "", "write results to file instead of stdout")
	xlsxPath := fs.String("xlsx", "", "also write results to an Excel workbook")
	progress := fs.Bool("progress", false, "show a progress bar on stderr")
	store := fs.Bool("store", true, "store the run in the database")
	reuse := fs.Bool("reuse", false, "return a stored run when inputs and settings are unchanged")
	_ = fs.Parse(os.Args[2:])

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}
	pf.apply(fs, cfg)
	config.ApplyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		fatalf("Invalid configuration: %v", err)
	}
	format, err := cli.ParseOutputFormat(*outputFormat)
	if err != nil {
		fatalf("%v", err)
	}
	logger, err := utils.NewCLILogger(cfg.Debug || *debug)
	if err != nil {
		fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	save := *store && cfg.Storage.StoreRunsOrDefault()
	opts := runOptions{progress: *progress, save: save, reuse: *reuse || cfg.Storage.ReuseRuns}
	if save || opts.reuse {
		st, err := openStore(cfg)
		if err != nil {
			fatalf("%v", err)
		}
		defer st.Close()
		opts.store = st
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	report, _, err := runPipeline(ctx, cfg, logger, opts)
	if err != nil {
		fatalf("Run failed: %v", err)
	}

	var out io.Writer = os.Stdout
	if *outPath != "" {
		f, err := os.Create(*outPath)
		if err != nil {
			fatalf("Failed to create output: %v", err)
		}
		defer f.Close()
		out = f
	}
	if err := cli.WriteReport(out, report, format); err != nil {
		fatalf("Output failed: %v", err)
	}
	if *xlsxPath != "" {
		if err := cli.SaveXLSX(*xlsxPath, report); err != nil {
			fatalf("Excel export failed: %v", err)
		}
	}
	printSummary(os.Stderr, report)
}

// printSummary writes run counters to w.
func printSummary(w io.Writer, report *models.Report) {
	s := report.Stats
	fmt.Fprintf(w, "instances: %d  succeeded: %d  failed: %d  collapsed: %d  warnings: %d  took: %s\n",
		s.Instances, s.Succeeded, s.Failed, s.Collapsed, len(report.Warnings), s.Duration.Round(time.Millisecond))
	if report.RunID != "" {
		fmt.Fprintf(w, "run: %s\n", report.RunID)
	}
}

func runServe() {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	watchInputs := fs.Bool("watch", false, "reload the embedding table when input files change")
	_ = fs.Parse(os.Args[2:])

	cfg, resolvedConfigPath, err := loadConfig(*configPath)
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		fatalf("Invalid configuration: %v", err)
	}
	debugMode := cfg.Debug || *debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()
	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", debugMode),
	)

	store, err := openStore(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize storage", zap.Error(err))
	}
	defer store.Close()

	table, driver, idx, err := loadServing(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize pipeline", zap.Error(err))
	}
	srv := server.NewServer(driver, table, idx, store, cfg, logger)

	watchCtx, watchCancel := context.WithCancel(context.Background())
	defer watchCancel()
	if *watchInputs {
		w := watcher.NewWatcher(
			[]string{cfg.Data.EmbeddingsPath, thesaurusPathIfUsed(cfg)},
			func(path string) {
				table, driver, idx, err := loadServing(cfg, logger)
				if err != nil {
					logger.Warn("reload failed", zap.String("path", path), zap.Error(err))
					return
				}
				srv.Swap(driver, table, idx)
			},
			watcher.WithLogger(logger),
			watcher.WithDebounce(cfg.Watch.Debounce),
		)
		if err := w.Start(watchCtx); err != nil {
			logger.Fatal("Failed to start watcher", zap.Error(err))
		}
	}

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	watchCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(ctx)
}

// loadServing builds the table, driver and vocabulary index the server needs.
func loadServing(cfg *config.Config, logger *zap.Logger) (*embedding.Table, *pipeline.Driver, *vocab.Index, error) {
	table, err := loadTable(cfg, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	driver, err := buildDriver(cfg, table, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	idx, err := vocab.NewIndex(table, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return table, driver, idx, nil
}

func thesaurusPathIfUsed(cfg *config.Config) string {
	if cfg.Pipeline.Source == config.SourceThesaurus {
		return cfg.Data.ThesaurusPath
	}
	return ""
}

func runLookup() {
	fs := flag.NewFlagSet("lookup", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", "", "server URL (empty = load the embedding table directly)")
	embeddings := fs.String("embeddings", "", "embedding table file (overrides data.embeddings_path)")
	fuzzy := fs.Bool("fuzzy", false, "match words within a few edits")
	fuzziness := fs.Int("fuzziness", 0, "maximum edit distance for -fuzzy (1 or 2)")
	category := fs.String("category", "", "restrict matches to one category")
	limit := fs.Int("limit", 10, "number of matches")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Println("Usage: lexsub lookup [flags] <word>")
		os.Exit(1)
	}
	word := fs.Arg(0)
	opts := &vocab.SearchOptions{Fuzzy: *fuzzy, Fuzziness: *fuzziness, Category: models.Category(*category)}

	var matches []vocab.Match
	if *serverURL != "" {
		res, err := lookupViaHTTP(*serverURL, word, *limit, opts)
		if err != nil {
			fatalf("Lookup failed: %v", err)
		}
		matches = res
	} else {
		cfg, _, err := loadConfig(*configPath)
		if err != nil {
			fatalf("Failed to load config: %v", err)
		}
		if *embeddings != "" {
			cfg.Data.EmbeddingsPath = *embeddings
		}
		logger, err := utils.NewCLILogger(cfg.Debug)
		if err != nil {
			fatalf("Failed to create logger: %v", err)
		}
		defer logger.Sync()
		table, err := loadTable(cfg, logger)
		if err != nil {
			fatalf("Failed to load embeddings: %v", err)
		}
		idx, err := vocab.NewIndex(table, logger)
		if err != nil {
			fatalf("Failed to build vocabulary index: %v", err)
		}
		defer idx.Close()
		matches, err = idx.Search(context.Background(), word, *limit, opts)
		if err != nil {
			fatalf("Lookup failed: %v", err)
		}
	}

	switch *outputFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if matches == nil {
			matches = []vocab.Match{}
		}
		if err := enc.Encode(matches); err != nil {
			fatalf("Output failed: %v", err)
		}
	case "text":
		if len(matches) == 0 {
			fmt.Println("No matches.")
			return
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "WORD\tCATEGORY\tDISTANCE")
		for _, m := range matches {
			fmt.Fprintf(tw, "%s\t%s\t%d\n", m.Word, m.Category, m.Distance)
		}
		_ = tw.Flush()
	default:
		fatalf("Unknown output format %q; use text or json", *outputFormat)
	}
}

func lookupViaHTTP(serverURL, word string, limit int, opts *vocab.SearchOptions) ([]vocab.Match, error) {
	q := url.Values{}
	q.Set("q", word)
	q.Set("limit", strconv.Itoa(limit))
	if opts.Fuzzy {
		q.Set("fuzzy", "true")
	}
	if opts.Fuzziness > 0 {
		q.Set("fuzziness", strconv.Itoa(opts.Fuzziness))
	}
	if opts.Category != "" {
		q.Set("category", string(opts.Category))
	}
	var out struct {
		Matches []vocab.Match `json:"matches"`
	}
	if err := getJSON(serverURL+"/api/v1/vocabulary?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out.Matches, nil
}

func getJSON(u string, v interface{}) error {
	resp, err := http.Get(u)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(b))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func runRuns() {
	if len(os.Args) < 3 {
		printRunsUsage()
		os.Exit(1)
	}
	sub := os.Args[2]
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	limit := fs.Int("limit", 20, "runs to list")
	offset := fs.Int("offset", 0, "runs to skip")
	outputFormat := fs.String("format", "text", "output format for show: text, compact, or json")
	xlsxPath := fs.String("xlsx", "", "workbook path for export")
	_ = fs.Parse(os.Args[3:])

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}
	store, err := openStore(cfg)
	if err != nil {
		fatalf("%v", err)
	}
	defer store.Close()
	ctx := context.Background()

	switch sub {
	case "list":
		runs, err := store.ListRuns(ctx, *offset, *limit)
		if err != nil {
			fatalf("List failed: %v", err)
		}
		writeRunList(os.Stdout, runs)
	case "show":
		id := requireRunID(fs, "show")
		report, err := store.LoadReport(ctx, id)
		if err != nil {
			fatalf("Show failed: %v", err)
		}
		format, err := cli.ParseOutputFormat(*outputFormat)
		if err != nil {
			fatalf("%v", err)
		}
		if err := cli.WriteReport(os.Stdout, report, format); err != nil {
			fatalf("Output failed: %v", err)
		}
	case "export":
		id := requireRunID(fs, "export")
		if *xlsxPath == "" {
			fatalf("Usage: lexsub runs export -xlsx <file> <run-id>")
		}
		report, err := store.LoadReport(ctx, id)
		if err != nil {
			fatalf("Export failed: %v", err)
		}
		if err := cli.SaveXLSX(*xlsxPath, report); err != nil {
			fatalf("Export failed: %v", err)
		}
		fmt.Printf("Exported %s to %s\n", id, *xlsxPath)
	case "delete":
		id := requireRunID(fs, "delete")
		if err := store.DeleteRun(ctx, id); err != nil {
			fatalf("Deletion failed: %v", err)
		}
		fmt.Printf("Run deleted: %s\n", id)
	default:
		fmt.Printf("Unknown runs subcommand: %s\n", sub)
		printRunsUsage()
		os.Exit(1)
	}
}

func requireRunID(fs *flag.FlagSet, sub string) string {
	if fs.NArg() < 1 {
		fatalf("Usage: lexsub runs %s [flags] <run-id>", sub)
	}
	return fs.Arg(0)
}

// writeRunList prints runs as an aligned table.
func writeRunList(w io.Writer, runs []*models.RunInfo) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No stored runs.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tSOURCE\tK\tINSTANCES\tOK\tFAILED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
			r.ID, r.CreatedAt.Local().Format("2006-01-02 15:04:05"), r.Source, r.TopK,
			r.Stats.Instances, r.Stats.Succeeded, r.Stats.Failed)
	}
	_ = tw.Flush()
}

func printRunsUsage() {
	fmt.Println("Usage: lexsub runs <list|show|export|delete> [flags] [run-id]")
	fmt.Println("  lexsub runs list                         List stored runs")
	fmt.Println("  lexsub runs show <id>                    Print a stored run")
	fmt.Println("  lexsub runs export -xlsx <file> <id>     Write a stored run to Excel")
	fmt.Println("  lexsub runs delete <id>                  Delete a stored run")
}

func runWatch() {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	pf := addPipelineFlags(fs)
	outputFormat := fs.String("format", "compact", "output format: text, compact, or json")
	_ = fs.Parse(os.Args[2:])

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}
	pf.apply(fs, cfg)
	config.ApplyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		fatalf("Invalid configuration: %v", err)
	}
	format, err := cli.ParseOutputFormat(*outputFormat)
	if err != nil {
		fatalf("%v", err)
	}
	logger, err := utils.NewCLILogger(cfg.Debug || *debug)
	if err != nil {
		fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	opts := runOptions{save: cfg.Storage.StoreRunsOrDefault()}
	if opts.save {
		st, err := openStore(cfg)
		if err != nil {
			fatalf("%v", err)
		}
		defer st.Close()
		opts.store = st
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	changed := make(chan string, 1)
	w := watcher.NewWatcher(
		[]string{cfg.Data.CorpusPath, cfg.Data.EmbeddingsPath, thesaurusPathIfUsed(cfg)},
		func(path string) {
			select {
			case changed <- path:
			default:
			}
		},
		watcher.WithLogger(logger),
		watcher.WithDebounce(cfg.Watch.Debounce),
	)
	if err := w.Start(ctx); err != nil {
		fatalf("Failed to start watcher: %v", err)
	}
	defer w.Stop()

	rerun := func() {
		report, _, err := runPipeline(ctx, cfg, logger, opts)
		if err != nil {
			logger.Error("run failed", zap.Error(err))
			return
		}
		if err := cli.WriteReport(os.Stdout, report, format); err != nil {
			logger.Error("output failed", zap.Error(err))
		}
		printSummary(os.Stderr, report)
	}
	rerun()
	fmt.Fprintf(os.Stderr, "watching %d path(s); Ctrl-C to stop\n", len(w.Paths()))
	for {
		select {
		case <-ctx.Done():
			return
		case path := <-changed:
			fmt.Fprintf(os.Stderr, "changed: %s\n", path)
			rerun()
		}
	}
}

func printUsage() {
	fmt.Println(`lexsub - Lexical substitution with word embeddings

Usage:
  lexsub run [flags]                Rank substitutes for every corpus instance
  lexsub serve [flags]              Start the HTTP server
  lexsub lookup [flags] <word>      Look a word up in the embedding vocabulary
  lexsub runs <list|show|export|delete>  Manage stored runs
  lexsub watch [flags]              Re-run whenever the inputs change
  lexsub status [flags]             Show storage and system status
  lexsub version                    Show version
  lexsub help                       Show this help

Run Flags:
  --config string       Config file path (default: /usr/local/etc/lexsub/config.yaml)
  --corpus string       Annotated corpus file
  --embeddings string   Embedding table file (word_CAT v1 ... vN)
  --thesaurus string    Thesaurus directory (with --source thesaurus)
  --source string       Candidate source: embedding or thesaurus
  --k int               Candidates per list (default: 10)
  --workers int         Concurrent instances (default: number of CPUs)
  --tie-break string    Order of equal scores: table or lexical
  --include-target      Average the target token into the context
  --full-window         Use the whole sentence as context (default: true)
  --format string       Output format: text, compact, or json (default: text)
  --out string          Write results to a file
  --xlsx string         Also write an Excel workbook
  --progress            Show a progress bar
  --store               Store the run (default: true)
  --reuse               Reuse a stored run with identical inputs

Serve Flags:
  --config string    Config file path
  --debug            Enable debug logging
  --watch            Reload the embedding table when it changes

Status Flags:
  --server string    Server URL; empty reads local storage (default: "")
  --output string    Output format: text or json (default: text)

Examples:
  lexsub run --corpus corpus.txt --embeddings vectors.txt --k 10
  lexsub run --format json --out results.json --xlsx results.xlsx
  lexsub lookup --fuzzy chein
  lexsub runs list
  lexsub runs export -xlsx run.xlsx <run-id>
  lexsub serve --watch
  lexsub status --output json`)
}
