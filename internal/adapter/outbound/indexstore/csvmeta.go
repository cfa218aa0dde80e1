// Package indexstore persists the Capability Index to disk as a flat CSV
// of tool identities plus a companion JSON metadata blob carrying schemas
// and embeddings, per spec §6's persisted state layout.
package indexstore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/mcpagg/mcpagg/internal/domain/capability"
)

// metaVersion is the on-disk metadata blob schema version.
const metaVersion = 1

// toolsCSVSuffix and metaJSONSuffix are appended to the profile name to form
// the file basenames under the cache directory, matching spec §6:
//
//	cache/<profile-name>.tools.csv
//	cache/<profile-name>.meta.json
const (
	toolsCSVSuffix = ".tools.csv"
	metaJSONSuffix = ".meta.json"
)

// metaFailedEntry mirrors spec §6's failed map shape.
type metaFailedEntry struct {
	Error      string    `json:"error"`
	RetryAfter time.Time `json:"retry_after"`
}

// metaToolEntry mirrors spec §6's per-tool metadata shape.
type metaToolEntry struct {
	Schema          json.RawMessage `json:"schema"`
	EmbeddingBase64 string          `json:"embedding_base64"`
	Tags            []string        `json:"tags,omitempty"`
	Downstream      string          `json:"downstream"`
	LocalName       string          `json:"local_name"`
	LastSeenAt      time.Time       `json:"last_seen_at"`
}

// metaBlob mirrors spec §6's `cache/<profile-name>.meta.json` shape.
type metaBlob struct {
	Version           int                        `json:"version"`
	ProfileHash       string                     `json:"profile_hash"`
	ModelID           string                     `json:"model_id"`
	PerDownstreamHash map[string]string          `json:"per_downstream_hash"`
	Tools             map[string]metaToolEntry   `json:"tools"`
	Failed            map[string]metaFailedEntry `json:"failed"`
}

// Store is the filesystem-backed implementation of capability.Store.
// It writes both files with write-temp-then-rename atomicity (grounded on
// the teacher's FileStateStore.writeAtomic) and skips the write entirely
// when the serialized content is byte-identical to what's already on disk
// (spec §4.4's "skip if ... byte-identical" rule), detected via a fast
// xxhash content digest rather than a byte-for-byte re-read-and-compare.
type Store struct {
	cacheDir    string
	profileName string
	logger      *slog.Logger
}

// New creates a Store that persists under cacheDir/<profileName>.{tools.csv,meta.json}.
func New(cacheDir, profileName string, logger *slog.Logger) *Store {
	return &Store{cacheDir: cacheDir, profileName: profileName, logger: logger}
}

func (s *Store) csvPath() string  { return filepath.Join(s.cacheDir, s.profileName+toolsCSVSuffix) }
func (s *Store) metaPath() string { return filepath.Join(s.cacheDir, s.profileName+metaJSONSuffix) }

// Load reads and parses the CSV + metadata blob. Returns (nil, nil) if
// either file is absent (treated as "no cache yet", not an error).
func (s *Store) Load(ctx context.Context) (*capability.Snapshot, error) {
	metaBytes, err := os.ReadFile(s.metaPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("indexstore: read metadata: %w", err)
	}
	csvBytes, err := os.ReadFile(s.csvPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("indexstore: read tools csv: %w", err)
	}

	var blob metaBlob
	if err := json.Unmarshal(metaBytes, &blob); err != nil {
		return nil, fmt.Errorf("indexstore: parse metadata: %w", err)
	}

	records, err := csv.NewReader(bytes.NewReader(csvBytes)).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("indexstore: parse tools csv: %w", err)
	}

	snap := &capability.Snapshot{
		ProfileHash:       blob.ProfileHash,
		ModelID:           blob.ModelID,
		PerDownstreamHash: blob.PerDownstreamHash,
		Tools:             make(map[string]capability.ToolRecord, len(records)),
		Failed:            make(map[string]capability.FailedDownstream, len(blob.Failed)),
	}
	if snap.PerDownstreamHash == nil {
		snap.PerDownstreamHash = make(map[string]string)
	}

	for _, row := range records {
		if len(row) < 4 {
			continue
		}
		displayName, downstream, local := row[0], row[1], row[2]
		meta, ok := blob.Tools[displayName]
		if !ok {
			continue
		}
		vec, err := decodeEmbedding(meta.EmbeddingBase64)
		if err != nil {
			s.logf("indexstore: decode embedding for %q: %v", displayName, err)
		}
		snap.Tools[displayName] = capability.ToolRecord{
			DownstreamName: downstream,
			LocalToolName:  local,
			DisplayName:    displayName,
			Description:    row[3],
			InputSchema:    meta.Schema,
			Embedding:      vec,
			Tags:           meta.Tags,
			LastSeenAt:     meta.LastSeenAt,
		}
	}
	for name, f := range blob.Failed {
		snap.Failed[name] = capability.FailedDownstream{Name: name, LastError: f.Error, RetryAfter: f.RetryAfter}
	}

	return snap, nil
}

// Save writes the CSV + metadata blob atomically, skipping the write when
// both serialized forms are byte-identical to what's already on disk.
func (s *Store) Save(ctx context.Context, snap *capability.Snapshot) error {
	if err := os.MkdirAll(s.cacheDir, 0o755); err != nil {
		return fmt.Errorf("indexstore: create cache dir: %w", err)
	}

	csvBytes, err := encodeCSV(snap)
	if err != nil {
		return fmt.Errorf("indexstore: encode tools csv: %w", err)
	}
	metaBytes, err := encodeMeta(snap)
	if err != nil {
		return fmt.Errorf("indexstore: encode metadata: %w", err)
	}

	if !contentChanged(s.csvPath(), csvBytes) && !contentChanged(s.metaPath(), metaBytes) {
		return nil
	}

	if err := writeAtomic(s.csvPath(), csvBytes); err != nil {
		return fmt.Errorf("indexstore: write tools csv: %w", err)
	}
	if err := writeAtomic(s.metaPath(), metaBytes); err != nil {
		return fmt.Errorf("indexstore: write metadata: %w", err)
	}
	return nil
}

// contentChanged reports whether candidate differs (by xxhash digest) from
// the file currently at path. A missing or unreadable file counts as
// "changed" so the first Save always writes.
func contentChanged(path string, candidate []byte) bool {
	existing, err := os.ReadFile(path)
	if err != nil {
		return true
	}
	return xxhash.Sum64(existing) != xxhash.Sum64(candidate)
}

// writeAtomic writes data to path via a temp-file-then-rename sequence,
// fsyncing the temp file before the rename (grounded on
// internal/adapter/outbound/state.FileStateStore.writeAtomic in the
// teacher, with the cross-process flock omitted: this aggregator's cache
// directory is owned by a single server process, not shared across
// concurrently-writing processes).
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmp)
	}
	if _, err := f.Write(data); err != nil {
		cleanup()
		return err
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func encodeCSV(snap *capability.Snapshot) ([]byte, error) {
	names := make([]string, 0, len(snap.Tools))
	for name := range snap.Tools {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	for _, name := range names {
		rec := snap.Tools[name]
		if err := w.Write([]string{rec.DisplayName, rec.DownstreamName, rec.LocalToolName, rec.Description}); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeMeta(snap *capability.Snapshot) ([]byte, error) {
	blob := metaBlob{
		Version:           metaVersion,
		ProfileHash:       snap.ProfileHash,
		ModelID:           snap.ModelID,
		PerDownstreamHash: snap.PerDownstreamHash,
		Tools:             make(map[string]metaToolEntry, len(snap.Tools)),
		Failed:            make(map[string]metaFailedEntry, len(snap.Failed)),
	}
	for name, rec := range snap.Tools {
		blob.Tools[name] = metaToolEntry{
			Schema:          rec.InputSchema,
			EmbeddingBase64: encodeEmbedding(rec.Embedding),
			Tags:            rec.Tags,
			Downstream:      rec.DownstreamName,
			LocalName:       rec.LocalToolName,
			LastSeenAt:      rec.LastSeenAt,
		}
	}
	for name, f := range snap.Failed {
		blob.Failed[name] = metaFailedEntry{Error: f.LastError, RetryAfter: f.RetryAfter}
	}
	return json.MarshalIndent(blob, "", "  ")
}

func encodeEmbedding(vec []float32) string {
	if len(vec) == 0 {
		return ""
	}
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

func decodeEmbedding(s string) ([]float32, error) {
	if s == "" {
		return nil, nil
	}
	buf, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("embedding byte length %d not a multiple of 4", len(buf))
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec, nil
}

func (s *Store) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(fmt.Sprintf(format, args...))
	}
}

var _ capability.Store = (*Store)(nil)
