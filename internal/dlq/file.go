package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const defaultBasePath = "/var/lib/apqb/rejected"

// FileWriter stores each record as its own JSON file in a directory. File names
// start with the record time so a lexical sort is chronological.
type FileWriter struct {
	dir string
}

func NewFileWriter(dir string) (*FileWriter, error) {
	if dir == "" {
		dir = defaultBasePath
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create reject log directory: %w", err)
	}
	return &FileWriter{dir: dir}, nil
}

func (w *FileWriter) Write(ctx context.Context, rec RejectedDelivery) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal rejected delivery: %w", err)
	}

	name := fmt.Sprintf("%s-%s.json", rec.RecordedAt.UTC().Format("20060102T150405.000000000Z"), rec.ID)
	tmp := filepath.Join(w.dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write rejected delivery: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(w.dir, name)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write rejected delivery: %w", err)
	}
	return nil
}

func (w *FileWriter) List(ctx context.Context, limit int) ([]RejectedDelivery, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("read reject log directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var out []RejectedDelivery
	for _, name := range names {
		if len(out) == limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(filepath.Join(w.dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		var rec RejectedDelivery
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (w *FileWriter) Close() error { return nil }
