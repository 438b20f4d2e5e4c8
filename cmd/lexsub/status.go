package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/hyperjump/lexsub/internal/config"
	"github.com/hyperjump/lexsub/internal/storage"
)

// systemInfo holds host figures relevant to loading large embedding tables.
type systemInfo struct {
	CPUs           int     `json:"cpus"`
	Workers        int     `json:"workers"`
	MemTotal       uint64  `json:"mem_total_bytes"`
	MemAvailable   uint64  `json:"mem_available_bytes"`
	MemUsedPercent float64 `json:"mem_used_percent"`
	DiskFree       uint64  `json:"disk_free_bytes,omitempty"`
}

// localStatus is the status of local storage and the host.
type localStatus struct {
	Runs           int64               `json:"runs"`
	DiskUsageBytes int64               `json:"disk_usage_bytes"`
	Paths          []storage.PathUsage `json:"paths"`
	System         *systemInfo         `json:"system,omitempty"`
	Source         string              `json:"source"`
	TopK           int                 `json:"top_k"`
	TieBreak       string              `json:"tie_break"`
}

func collectSystemInfo(cfg *config.Config) *systemInfo {
	info := &systemInfo{CPUs: runtime.NumCPU(), Workers: cfg.Pipeline.Workers}
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		info.CPUs = n
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		info.MemTotal = vm.Total
		info.MemAvailable = vm.Available
		info.MemUsedPercent = vm.UsedPercent
	}
	if usage, err := disk.Usage(existingDir(cfg.Storage.DatabasePath)); err == nil {
		info.DiskFree = usage.Free
	}
	return info
}

// existingDir returns the closest existing ancestor directory of path.
func existingDir(path string) string {
	dir := filepath.Dir(path)
	for {
		if st, err := os.Stat(dir); err == nil && st.IsDir() {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return dir
		}
		dir = parent
	}
}

func collectLocalStatus(ctx context.Context, cfg *config.Config) (*localStatus, error) {
	status := &localStatus{
		Paths: []storage.PathUsage{
			{Label: "database", Path: cfg.Storage.DatabasePath},
			{Label: "snapshot", Path: cfg.Storage.SnapshotPath},
			{Label: "embeddings", Path: cfg.Data.EmbeddingsPath},
			{Label: "corpus", Path: cfg.Data.CorpusPath},
			{Label: "thesaurus", Path: cfg.Data.ThesaurusPath},
		},
		System:   collectSystemInfo(cfg),
		Source:   cfg.Pipeline.Source,
		TopK:     cfg.Pipeline.TopK,
		TieBreak: cfg.Pipeline.TieBreak,
	}
	if _, err := os.Stat(cfg.Storage.DatabasePath); err == nil {
		store, err := openStore(cfg)
		if err != nil {
			return nil, err
		}
		defer store.Close()
		if status.Runs, err = store.CountRuns(ctx); err != nil {
			return nil, err
		}
	}
	total, err := storage.MeasurePaths(status.Paths)
	if err != nil {
		return nil, err
	}
	status.DiskUsageBytes = total
	return status, nil
}

func writeLocalStatus(w io.Writer, s *localStatus) {
	fmt.Fprintf(w, "runs:               %d   # stored pipeline runs\n", s.Runs)
	fmt.Fprintf(w, "disk_usage_bytes:   %d   # database, snapshot and inputs on disk\n", s.DiskUsageBytes)
	for _, p := range s.Paths {
		if p.Path == "" {
			continue
		}
		if p.Missing {
			fmt.Fprintf(w, "  %-11s missing  %s\n", p.Label+":", p.Path)
			continue
		}
		fmt.Fprintf(w, "  %-11s %d  %s\n", p.Label+":", p.Bytes, p.Path)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "# configuration")
	fmt.Fprintf(w, "source:             %s\n", s.Source)
	fmt.Fprintf(w, "top_k:              %d\n", s.TopK)
	fmt.Fprintf(w, "tie_break:          %s\n", s.TieBreak)
	if s.System != nil {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "# system")
		fmt.Fprintf(w, "cpus:               %d (workers: %d)\n", s.System.CPUs, s.System.Workers)
		fmt.Fprintf(w, "mem_available:      %d of %d bytes (%.1f%% used)\n",
			s.System.MemAvailable, s.System.MemTotal, s.System.MemUsedPercent)
		if s.System.DiskFree > 0 {
			fmt.Fprintf(w, "disk_free:          %d bytes\n", s.System.DiskFree)
		}
	}
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", "", "server URL (empty = read local storage)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	if *outputFormat != "text" && *outputFormat != "json" {
		fatalf("Unknown output format %q; use text or json", *outputFormat)
	}

	if *serverURL != "" {
		var remote map[string]interface{}
		if err := getJSON(*serverURL+"/api/v1/status", &remote); err != nil {
			fatalf("Status failed: %v", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(remote); err != nil {
			fatalf("Output failed: %v", err)
		}
		return
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}
	status, err := collectLocalStatus(context.Background(), cfg)
	if err != nil {
		fatalf("Status failed: %v", err)
	}
	if *outputFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(status); err != nil {
			fatalf("Output failed: %v", err)
		}
		return
	}
	writeLocalStatus(os.Stdout, status)
}
