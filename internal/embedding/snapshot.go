package embedding

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/hyperjump/lexsub/internal/models"
)

// snapshotMagic identifies a binary table snapshot.
const snapshotMagic uint32 = 0x4c585342 // "LXSB"

// SaveSnapshot writes the raw (not normalized) table to path so later runs can
// skip text parsing. Format, little endian: magic, dim, n, then per entry:
// wordLen, word, catLen, cat, dim float32 values.
func SaveSnapshot(t *Table, path string) error {
	if t.normalized {
		return fmt.Errorf("snapshot of a normalized table: %w", models.ErrTableFrozen)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create snapshot file: %w", err)
	}
	w := bufio.NewWriter(f)
	if err := writeSnapshot(w, t); err != nil {
		_ = f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("flush snapshot: %w", err)
	}
	return f.Close()
}

func writeSnapshot(w io.Writer, t *Table) error {
	for _, v := range []uint32{snapshotMagic, uint32(t.dim), uint32(len(t.entries))} {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}
	buf := make([]byte, t.dim*4)
	for _, e := range t.entries {
		if err := writeString(w, e.Word); err != nil {
			return fmt.Errorf("write word: %w", err)
		}
		if err := writeString(w, string(e.Category)); err != nil {
			return fmt.Errorf("write category: %w", err)
		}
		for i, v := range e.Vector {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
		}
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("write vector: %w", err)
		}
	}
	return nil
}

// LoadSnapshot reads a table written by SaveSnapshot. The table is not normalized.
func LoadSnapshot(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var magic, dim, n uint32
	for _, p := range []*uint32{&magic, &dim, &n} {
		if err := binary.Read(r, binary.LittleEndian, p); err != nil {
			return nil, fmt.Errorf("read snapshot header: %w", err)
		}
	}
	if magic != snapshotMagic {
		return nil, errors.New("not an embedding snapshot")
	}
	t := NewTable(int(dim))
	t.entries = make([]Entry, 0, n)
	buf := make([]byte, int(dim)*4)
	for i := uint32(0); i < n; i++ {
		word, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("read word %d: %w", i, err)
		}
		cat, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("read category %d: %w", i, err)
		}
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("read vector %d: %w", i, err)
		}
		vec := make([]float32, dim)
		for j := range vec {
			vec[j] = math.Float32frombits(binary.LittleEndian.Uint32(buf[j*4:]))
		}
		if _, err := t.Put(word, models.Category(cat), vec); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// SnapshotFresh reports whether the snapshot at snapPath exists and is newer
// than the source file.
func SnapshotFresh(snapPath, sourcePath string) bool {
	snap, err := os.Stat(snapPath)
	if err != nil {
		return false
	}
	src, err := os.Stat(sourcePath)
	if err != nil {
		return false
	}
	return snap.ModTime().After(src.ModTime())
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
