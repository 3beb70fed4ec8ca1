package bulk

import (
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/SimonWaldherr/entitystore/internal/caller"
	"github.com/SimonWaldherr/entitystore/internal/storeerr"
)

// ImportFromFile loads rows from path and delegates to Import (§4.B
// ImportFromFile). path may name a single data file (.json/.csv, optionally
// .gz) or a folder containing a manifest.json written by Export — in the
// latter case each listed data file's checksum is verified against its
// manifest entry before that file is decoded, and a mismatch aborts the whole
// import with ErrFormat (the format-error class named in §7) before any row
// reaches the table.
func (e *Engine[T]) ImportFromFile(ctx context.Context, path string, opts ImportOptions, info caller.Info) (*BulkImportResult, error) {
	info2, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("bulk: import from file: %w", storeerr.Wrap("stat", err))
	}

	var entities []T
	if info2.IsDir() {
		entities, err = e.loadManifestedImport(path, opts)
	} else {
		entities, err = e.loadSingleFile(path, opts)
	}
	if err != nil {
		return nil, err
	}

	return e.Import(ctx, entities, opts, info)
}

// loadManifestedImport reads manifest.json from folder, verifies every
// dataFile's checksum, and decodes each in turn.
func (e *Engine[T]) loadManifestedImport(folder string, opts ImportOptions) ([]T, error) {
	manifestPath := filepath.Join(folder, "manifest.json")
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("bulk: import: read manifest: %w", storeerr.Wrap("manifest", err))
	}
	var manifest Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("bulk: import: parse manifest: %w", storeerr.ErrFormat)
	}

	var all []T
	for _, df := range manifest.DataFiles {
		payload, err := os.ReadFile(filepath.Join(folder, df.FileName))
		if err != nil {
			return nil, fmt.Errorf("bulk: import: read data file %s: %w", df.FileName, storeerr.Wrap("data file", err))
		}
		sum := sha256.Sum256(payload)
		if strings.ToUpper(hex.EncodeToString(sum[:])) != strings.ToUpper(df.Checksum) {
			return nil, fmt.Errorf("bulk: import: checksum mismatch for %s: %w", df.FileName, storeerr.ErrFormat)
		}
		name := df.FileName
		if df.IsCompressed {
			payload, err = gunzip(payload)
			if err != nil {
				return nil, fmt.Errorf("bulk: import: decompress %s: %w", df.FileName, storeerr.ErrFormat)
			}
			name = strings.TrimSuffix(name, filepath.Ext(name))
		}
		items, err := e.decode(payload, name, opts)
		if err != nil {
			return nil, err
		}
		all = append(all, items...)
	}
	return all, nil
}

func (e *Engine[T]) loadSingleFile(path string, opts ImportOptions) ([]T, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bulk: import: read file: %w", storeerr.Wrap("file", err))
	}
	name := path
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		payload, err = gunzip(payload)
		if err != nil {
			return nil, fmt.Errorf("bulk: import: decompress: %w", storeerr.ErrFormat)
		}
		name = strings.TrimSuffix(path, filepath.Ext(path))
	}
	return e.decode(payload, name, opts)
}

func (e *Engine[T]) decode(payload []byte, name string, opts ImportOptions) ([]T, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv":
		return decodeCSV[T](e.schema, payload, opts.CSV)
	case ".json":
		var items []T
		if err := json.Unmarshal(payload, &items); err != nil {
			return nil, fmt.Errorf("bulk: import: decode json: %w", storeerr.ErrFormat)
		}
		return items, nil
	default:
		return nil, fmt.Errorf("bulk: import: unrecognized file format %q: %w", name, storeerr.ErrFormat)
	}
}

func gunzip(data []byte) ([]byte, error) {
	gr, err := gzip.NewReader(strings.NewReader(string(data)))
	if err != nil {
		return nil, err
	}
	defer gr.Close()
	return io.ReadAll(gr)
}
