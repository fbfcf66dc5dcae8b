package jsonbackend

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/FranksOps/adscan/internal/storage"
	"github.com/goccy/go-json"
)

// ensure jsonStore implements storage.Store
var _ storage.Store = (*jsonStore)(nil)

// entry is one journal line. Values are base64 encoded by the JSON encoder.
type entry struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

type jsonStore struct {
	mu    sync.Mutex
	file  *os.File
	items map[string][]byte
}

// New opens an NDJSON journal at filePath and replays it into memory.
// Every Set appends one line per key; the last line for a key wins. Lines that
// do not decode, such as one cut short by a crash, are skipped. The journal is
// rewritten on open to hold only the latest value per key.
func New(filePath string) (storage.Store, error) {
	items, err := replay(filePath)
	if err != nil {
		return nil, err
	}
	if err := compact(filePath, items); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("jsonbackend open: %w", err)
	}
	return &jsonStore{file: f, items: items}, nil
}

func replay(filePath string) (map[string][]byte, error) {
	items := make(map[string][]byte)

	f, err := os.Open(filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return items, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jsonbackend replay: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)

	lineNo, skipped := 0, 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e entry
		if err := json.Unmarshal(line, &e); err != nil || e.Key == "" {
			skipped++
			slog.Warn("jsonbackend: skipping unreadable journal line", "path", filePath, "line", lineNo, "err", err)
			continue
		}
		items[e.Key] = e.Value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("jsonbackend replay: %w", err)
	}
	if skipped > 0 {
		slog.Warn("jsonbackend: journal recovered", "path", filePath, "keys", len(items), "skipped", skipped)
	}
	return items, nil
}

// compact writes items to a temporary file and renames it over the journal.
func compact(filePath string, items map[string][]byte) error {
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf []byte
	for _, k := range keys {
		data, err := json.Marshal(entry{Key: k, Value: items[k]})
		if err != nil {
			return fmt.Errorf("jsonbackend compact %s: %w", k, err)
		}
		buf = append(buf, data...)
		buf = append(buf, '\n')
	}

	tmp := filePath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("jsonbackend compact: %w", err)
	}
	if _, err := f.Write(buf); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("jsonbackend compact: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("jsonbackend compact: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("jsonbackend compact: %w", err)
	}
	if err := os.Rename(tmp, filePath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("jsonbackend compact: %w", err)
	}
	return nil
}

func (s *jsonStore) Get(_ context.Context, keys ...string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, ok := s.items[k]; ok {
			out[k] = append([]byte(nil), v...)
		}
	}
	return out, nil
}

func (s *jsonStore) Set(_ context.Context, items map[string][]byte) error {
	var buf []byte
	for k, v := range items {
		if v == nil {
			v = []byte{}
		}
		data, err := json.Marshal(entry{Key: k, Value: v})
		if err != nil {
			return fmt.Errorf("jsonbackend set %s: %w", k, err)
		}
		buf = append(buf, data...)
		buf = append(buf, '\n')
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.file.Write(buf); err != nil {
		return fmt.Errorf("jsonbackend set: %w", err)
	}
	for k, v := range items {
		s.items[k] = append([]byte{}, v...)
	}
	return nil
}

func (s *jsonStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
