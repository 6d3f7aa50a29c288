package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"sourcewatch/types"
)

const processedDir = "processed"

// DirSource reads notifications dropped into a directory. A .json file holds
// one RawNotification or an array of them; a .txt or .eml file is one
// notification whose body is the file content. Once every notification of a
// file is acknowledged the file moves to the processed/ subdirectory.
type DirSource struct {
	dir    string
	logger zerolog.Logger

	mu     sync.Mutex
	files  map[string][]string // file -> notification ids
	acked  map[string]struct{}
	byFile map[string]string // notification id -> file
}

// NewDirSource creates the directory if needed.
func NewDirSource(dir string, logger zerolog.Logger) (*DirSource, error) {
	if err := os.MkdirAll(filepath.Join(dir, processedDir), 0o755); err != nil {
		return nil, fmt.Errorf("create inbox: %w", err)
	}
	return &DirSource{
		dir:    dir,
		logger: logger.With().Str("component", "dir-source").Logger(),
		files:  make(map[string][]string),
		acked:  make(map[string]struct{}),
		byFile: make(map[string]string),
	}, nil
}

func (d *DirSource) Pending(_ context.Context) ([]types.RawNotification, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("read inbox: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	d.mu.Lock()
	defer d.mu.Unlock()

	var out []types.RawNotification
	for _, name := range names {
		path := filepath.Join(d.dir, name)
		notifications, err := readNotificationFile(path)
		if err != nil {
			d.logger.Warn().Err(err).Str("file", name).Msg("skipping unreadable notification file")
			continue
		}
		if notifications == nil {
			continue
		}
		ids := make([]string, 0, len(notifications))
		for _, n := range notifications {
			ids = append(ids, n.ID)
			d.byFile[n.ID] = name
			if _, done := d.acked[n.ID]; !done {
				out = append(out, n)
			}
		}
		d.files[name] = ids
	}
	return out, nil
}

func readNotificationFile(path string) ([]types.RawNotification, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".json" && ext != ".txt" && ext != ".eml" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if ext != ".json" {
		return []types.RawNotification{{
			ID:         types.GenerateID(filepath.Base(path) + "\n" + string(data)),
			ReceivedAt: info.ModTime(),
			RawBody:    string(data),
		}}, nil
	}

	var list []types.RawNotification
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
		}
	} else {
		var n types.RawNotification
		if err := json.Unmarshal(data, &n); err != nil {
			return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
		}
		list = append(list, n)
	}

	for i := range list {
		if list[i].ID == "" {
			list[i].ID = types.GenerateID(fmt.Sprintf("%s#%d\n%s", filepath.Base(path), i, list[i].RawBody))
		}
		if list[i].ReceivedAt.IsZero() {
			list[i].ReceivedAt = info.ModTime()
		}
	}
	return list, nil
}

// Ack records the IDs and archives files whose notifications are all acked.
func (d *DirSource) Ack(_ context.Context, ids []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	touched := make(map[string]struct{})
	for _, id := range ids {
		d.acked[id] = struct{}{}
		if f, ok := d.byFile[id]; ok {
			touched[f] = struct{}{}
		}
	}

	var errs []error
	for f := range touched {
		done := true
		for _, id := range d.files[f] {
			if _, ok := d.acked[id]; !ok {
				done = false
				break
			}
		}
		if !done {
			continue
		}
		if err := os.Rename(filepath.Join(d.dir, f), filepath.Join(d.dir, processedDir, f)); err != nil {
			errs = append(errs, fmt.Errorf("archive %s: %w", f, err))
			continue
		}
		for _, id := range d.files[f] {
			delete(d.byFile, id)
			delete(d.acked, id)
		}
		delete(d.files, f)
	}
	return errors.Join(errs...)
}

func (d *DirSource) Close() error { return nil }
