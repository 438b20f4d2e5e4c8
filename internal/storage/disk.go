package storage

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// PathUsage is the on-disk size of one labeled path (database, snapshot, ...).
type PathUsage struct {
	Label string `json:"label"`
	Path  string `json:"path"`
	Bytes int64  `json:"bytes"`
	// Missing is true when the path does not exist yet.
	Missing bool `json:"missing,omitempty"`
}

// MeasurePaths fills in Bytes for each entry and returns the total. Directories
// are summed recursively. The SQLite WAL and shared-memory files next to a
// database file are counted with it.
func MeasurePaths(paths []PathUsage) (int64, error) {
	var total int64
	for i := range paths {
		p := &paths[i]
		if p.Path == "" {
			p.Missing = true
			continue
		}
		n, err := sizeOf(p.Path)
		if errors.Is(err, fs.ErrNotExist) {
			p.Missing = true
			continue
		}
		if err != nil {
			return 0, err
		}
		for _, suffix := range []string{"-wal", "-shm"} {
			if extra, err := sizeOf(p.Path + suffix); err == nil {
				n += extra
			}
		}
		p.Bytes = n
		total += n
	}
	return total, nil
}

func sizeOf(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return info.Size(), nil
	}
	var total int64
	err = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		total += fi.Size()
		return nil
	})
	return total, err
}
