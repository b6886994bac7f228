// Package manifest tracks which conversation files have already been
// scanned so generation can resume across runs.
//
// Per-file extraction results (persona observation + memory candidates)
// are persisted alongside the file's size and mtime. A file is skipped on
// later runs only when both match exactly. Synthesis always re-runs over
// all accumulated results, so the manifest is the source of truth for the
// pipeline's cumulative knowledge.
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileName is the manifest's on-disk name inside the output directory.
const FileName = "scan_manifest.json"

// Entry holds the extraction results for one scanned conversation file.
type Entry struct {
	FileSize           int64            `json:"file_size"`
	FileMtime          int64            `json:"file_mtime"`
	PersonaObservation map[string]any   `json:"persona_observation"`
	MemoryCandidates   []map[string]any `json:"memory_candidates"`
	ScannedAtUTC       string           `json:"scanned_at_utc"`
}

// Manifest is the resumability ledger. Scanned files preserve insertion
// order so accumulated observations stay in first-scanned order.
type Manifest struct {
	mu sync.Mutex

	InputDir     string `json:"input_dir"`
	CreatedAtUTC string `json:"created_at_utc"`
	UpdatedAtUTC string `json:"updated_at_utc"`

	order   []string
	entries map[string]Entry
}

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// New creates a fresh empty manifest for an input directory.
func New(inputDir string) *Manifest {
	now := nowUTC()
	return &Manifest{
		InputDir:     inputDir,
		CreatedAtUTC: now,
		UpdatedAtUTC: now,
		entries:      map[string]Entry{},
	}
}

// Load reads a manifest from disk. A missing or corrupt file yields an
// empty manifest rather than an error so a damaged ledger only costs a
// rescan, never a failed run.
func Load(path string) *Manifest {
	m := &Manifest{entries: map[string]Entry{}}
	data, err := os.ReadFile(path)
	if err != nil {
		return m
	}
	if err := json.Unmarshal(data, m); err != nil {
		return &Manifest{entries: map[string]Entry{}}
	}
	return m
}

// Save writes the manifest atomically (temp file then rename) and stamps
// the update time.
func (m *Manifest) Save(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked(path)
}

func (m *Manifest) saveLocked(path string) error {
	m.UpdatedAtUTC = nowUTC()
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("manifest dir: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest encode: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".manifest-*.tmp")
	if err != nil {
		return fmt.Errorf("manifest temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("manifest write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("manifest close: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("manifest rename: %w", err)
	}
	return nil
}

// IsScanned reports whether filename was already processed with exactly
// this size and mtime. Any change invalidates the record.
func (m *Manifest) IsScanned(filename string, size, mtime int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[filename]
	return ok && entry.FileSize == size && entry.FileMtime == mtime
}

// Record upserts the scan result for one file and atomically persists the
// manifest when path is non-empty. Safe for concurrent workers.
func (m *Manifest) Record(path, filename string, size, mtime int64, observation map[string]any, candidates []map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[filename]; !exists {
		m.order = append(m.order, filename)
	}
	m.entries[filename] = Entry{
		FileSize:           size,
		FileMtime:          mtime,
		PersonaObservation: observation,
		MemoryCandidates:   candidates,
		ScannedAtUTC:       nowUTC(),
	}
	if path == "" {
		return nil
	}
	return m.saveLocked(path)
}

// Len returns the number of scanned files.
func (m *Manifest) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Observations collects every non-empty persona observation in scan order.
func (m *Manifest) Observations() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []map[string]any
	for _, name := range m.order {
		if obs := m.entries[name].PersonaObservation; len(obs) > 0 {
			out = append(out, obs)
		}
	}
	return out
}

// Candidates collects every memory candidate across scanned files in scan
// order.
func (m *Manifest) Candidates() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []map[string]any
	for _, name := range m.order {
		out = append(out, m.entries[name].MemoryCandidates...)
	}
	return out
}

// manifestJSON is the wire shape. scanned_files round-trips through an
// ordered marshal so insertion order survives save/load cycles.
type manifestJSON struct {
	InputDir     string       `json:"input_dir"`
	CreatedAtUTC string       `json:"created_at_utc"`
	UpdatedAtUTC string       `json:"updated_at_utc"`
	ScannedFiles orderedFiles `json:"scanned_files"`
}

type orderedFiles struct {
	order   []string
	entries map[string]Entry
}

// MarshalJSON implements json.Marshaler.
func (m *Manifest) MarshalJSON() ([]byte, error) {
	return json.Marshal(manifestJSON{
		InputDir:     m.InputDir,
		CreatedAtUTC: m.CreatedAtUTC,
		UpdatedAtUTC: m.UpdatedAtUTC,
		ScannedFiles: orderedFiles{order: m.order, entries: m.entries},
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Manifest) UnmarshalJSON(data []byte) error {
	var raw manifestJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.InputDir = raw.InputDir
	m.CreatedAtUTC = raw.CreatedAtUTC
	m.UpdatedAtUTC = raw.UpdatedAtUTC
	m.order = raw.ScannedFiles.order
	m.entries = raw.ScannedFiles.entries
	if m.entries == nil {
		m.entries = map[string]Entry{}
	}
	return nil
}

func (of orderedFiles) MarshalJSON() ([]byte, error) {
	var buf []byte
	buf = append(buf, '{')
	for i, name := range of.order {
		if i > 0 {
			buf = append(buf, ',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(of.entries[name])
		if err != nil {
			return nil, err
		}
		buf = append(buf, key...)
		buf = append(buf, ':')
		buf = append(buf, val...)
	}
	buf = append(buf, '}')
	return buf, nil
}

func (of *orderedFiles) UnmarshalJSON(data []byte) error {
	of.entries = map[string]Entry{}
	of.order = nil

	// Decode key order with a token walk, then the values with a plain
	// map decode.
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("scanned_files: expected object")
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("scanned_files: expected string key")
		}
		var entry Entry
		if err := dec.Decode(&entry); err != nil {
			return fmt.Errorf("scanned_files[%s]: %w", name, err)
		}
		if _, seen := of.entries[name]; !seen {
			of.order = append(of.order, name)
		}
		of.entries[name] = entry
	}
	return nil
}
