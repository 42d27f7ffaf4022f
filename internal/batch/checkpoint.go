package batch

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/weir-proxy/weir/internal/config"
	"github.com/weir-proxy/weir/internal/endpoint"
)

// Checkpoint is the on-disk position of an interrupted batch: a header row
// (the batch kind, or a JSON config blob for crawl runs) with the original
// size, then one remaining endpoint per line.
type Checkpoint struct {
	Header        string
	OriginalCount int
	Remaining     []endpoint.Endpoint
}

// CheckpointPath resolves the file for a batch kind under the configured
// interrupt directory.
func CheckpointPath(cfg *config.RuntimeConfig, kind string) (string, error) {
	name, err := cfg.Interrupt.CheckpointFile(kind)
	if err != nil {
		return "", err
	}
	return filepath.Join(cfg.Interrupt.Dir, name), nil
}

// LoadCheckpoint reads a checkpoint file. A missing file returns (nil, nil):
// no previous run was interrupted.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("batch: open checkpoint: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("batch: read checkpoint %s: %w", path, err)
	}
	if len(rows) == 0 || len(rows[0]) < 2 {
		return nil, fmt.Errorf("batch: checkpoint %s has no header row", path)
	}

	original, err := strconv.Atoi(rows[0][1])
	if err != nil {
		return nil, fmt.Errorf("batch: checkpoint %s has a bad count %q: %w", path, rows[0][1], err)
	}

	cp := &Checkpoint{Header: rows[0][0], OriginalCount: original}
	for _, row := range rows[1:] {
		if len(row) == 0 || row[0] == "" {
			continue
		}
		ep, err := endpoint.Parse(row[0])
		if err != nil {
			return nil, fmt.Errorf("batch: checkpoint %s: %w", path, err)
		}
		cp.Remaining = append(cp.Remaining, ep)
	}
	return cp, nil
}

// SaveCheckpoint rewrites the checkpoint atomically. The full-rewrite
// protocol keeps the file consistent after any single completion.
func SaveCheckpoint(path string, cp *Checkpoint) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("batch: create interrupt dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("batch: create checkpoint temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	writer := csv.NewWriter(tmp)
	if err := writer.Write([]string{cp.Header, strconv.Itoa(cp.OriginalCount)}); err != nil {
		tmp.Close()
		return fmt.Errorf("batch: write checkpoint header: %w", err)
	}
	for _, ep := range cp.Remaining {
		if err := writer.Write([]string{ep.String()}); err != nil {
			tmp.Close()
			return fmt.Errorf("batch: write checkpoint row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("batch: flush checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("batch: close checkpoint temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("batch: replace checkpoint: %w", err)
	}
	return nil
}

// DeleteCheckpoint removes the file; a missing file is not an error.
func DeleteCheckpoint(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("batch: delete checkpoint: %w", err)
	}
	return nil
}
