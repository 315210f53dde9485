package replay

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Recorder streams the match's broadcast traffic to disk: every server→client
// frame goes to a snappy-compressed JSONL event log, and periodic full state
// snapshots go to a length-prefixed zstd stream. Recording is observational
// only; gameplay never depends on it.
type Recorder struct {
	mu             sync.Mutex
	dir            string
	now            func() time.Time
	eventFile      *os.File
	eventStream    *snappy.Writer
	snapshotFile   *os.File
	snapshotStream *zstd.Encoder
	closed         bool
}

// Manifest describes the recording bundle layout so tooling can locate artefacts.
type Manifest struct {
	Version       int    `json:"version"`
	CreatedAt     string `json:"created_at"`
	EventsPath    string `json:"events_path"`
	SnapshotsPath string `json:"snapshots_path"`
}

// NewRecorder prepares the recording directory and opens the compressed sinks.
func NewRecorder(root string, clock func() time.Time) (*Recorder, Manifest, error) {
	if root == "" {
		return nil, Manifest{}, fmt.Errorf("recording root must be provided")
	}
	if clock == nil {
		clock = time.Now
	}
	created := clock().UTC()
	dir := filepath.Join(root, created.Format("20060102T150405Z"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, Manifest{}, err
	}

	eventsPath := filepath.Join(dir, "events.jsonl.sz")
	snapshotsPath := filepath.Join(dir, "snapshots.bin.zst")
	manifestPath := filepath.Join(dir, "manifest.json")

	eventFile, err := os.Create(eventsPath)
	if err != nil {
		return nil, Manifest{}, err
	}
	eventStream := snappy.NewBufferedWriter(eventFile)

	snapshotFile, err := os.Create(snapshotsPath)
	if err != nil {
		eventStream.Close()
		eventFile.Close()
		return nil, Manifest{}, err
	}
	snapshotStream, err := zstd.NewWriter(snapshotFile)
	if err != nil {
		eventStream.Close()
		eventFile.Close()
		snapshotFile.Close()
		return nil, Manifest{}, err
	}

	manifest := Manifest{
		Version:       1,
		CreatedAt:     created.Format(time.RFC3339Nano),
		EventsPath:    "events.jsonl.sz",
		SnapshotsPath: "snapshots.bin.zst",
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err == nil {
		err = os.WriteFile(manifestPath, data, 0o644)
	}
	if err != nil {
		snapshotStream.Close()
		snapshotFile.Close()
		eventStream.Close()
		eventFile.Close()
		return nil, Manifest{}, err
	}

	recorder := &Recorder{
		dir:            dir,
		now:            clock,
		eventFile:      eventFile,
		eventStream:    eventStream,
		snapshotFile:   snapshotFile,
		snapshotStream: snapshotStream,
	}
	return recorder, manifest, nil
}

// Directory exposes the directory backing the recording bundle.
func (r *Recorder) Directory() string {
	if r == nil {
		return ""
	}
	return r.dir
}

// RecordEvent appends one broadcast frame to the compressed event log.
func (r *Recorder) RecordEvent(kind string, payload []byte) error {
	if r == nil {
		return nil
	}
	captured := r.now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("recorder closed")
	}

	record := struct {
		CapturedAt string          `json:"captured_at"`
		Kind       string          `json:"kind"`
		Payload    json.RawMessage `json:"payload"`
	}{
		CapturedAt: captured.Format(time.RFC3339Nano),
		Kind:       kind,
		Payload:    json.RawMessage(payload),
	}
	line, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if _, err := r.eventStream.Write(append(line, '\n')); err != nil {
		return err
	}
	return r.eventStream.Flush()
}

// RecordSnapshot appends a full game-state snapshot as a length-prefixed blob.
func (r *Recorder) RecordSnapshot(payload []byte) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("recorder closed")
	}

	var prefix [8]byte
	binary.LittleEndian.PutUint64(prefix[:], uint64(len(payload)))
	if _, err := r.snapshotStream.Write(prefix[:]); err != nil {
		return err
	}
	_, err := r.snapshotStream.Write(payload)
	return err
}

// Close flushes and closes both compressed streams.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var firstErr error
	if err := r.eventStream.Close(); err != nil {
		firstErr = err
	}
	if err := r.eventFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.snapshotStream.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.snapshotFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
