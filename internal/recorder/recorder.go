// Package recorder writes one JSONL trace per run: state transitions and
// field-level events, rotated so only the newest traces are kept. Binary
// attachments such as screenshots sit next to the trace and rotate with it.
package recorder

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	DefaultKeep = 10
	TraceDir    = "data/traces"
)

// Event is one line of a run trace.
type Event struct {
	Timestamp time.Time   `json:"ts"`
	Type      string      `json:"type"`
	RunID     string      `json:"run_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// Recorder owns the trace file of the current run.
type Recorder struct {
	mu       sync.Mutex
	file     *os.File
	encoder  *json.Encoder
	basePath string
	keep     int
	runID    string
	path     string
	now      func() time.Time
}

// New creates a recorder writing under basePath, keeping the newest keep traces.
func New(basePath string, keep int) (*Recorder, error) {
	if basePath == "" {
		basePath = TraceDir
	}
	if keep <= 0 {
		keep = DefaultKeep
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, err
	}
	return &Recorder{basePath: basePath, keep: keep, now: time.Now}, nil
}

// Start closes any open trace and opens trace_<runID>_<ms>.jsonl.
func (r *Recorder) Start(runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
		r.encoder = nil
	}
	if err := r.rotate(); err != nil {
		return fmt.Errorf("rotate traces: %w", err)
	}

	filename := fmt.Sprintf("trace_%s_%d.jsonl", runID, r.now().UnixMilli())
	path := filepath.Join(r.basePath, filename)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	r.file = f
	r.encoder = json.NewEncoder(f)
	r.runID = runID
	r.path = path
	return nil
}

// Log appends an event to the current trace. It is a no-op between runs.
func (r *Recorder) Log(eventType string, data interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.encoder == nil {
		return
	}
	_ = r.encoder.Encode(Event{Timestamp: r.now(), Type: eventType, RunID: r.runID, Data: data})
}

// Attach writes data next to the current trace as <trace>_<name><ext> and
// logs an "attachment" event pointing at it.
func (r *Recorder) Attach(name, ext string, data []byte) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.encoder == nil {
		return "", fmt.Errorf("attach %s: no active trace", name)
	}
	path := strings.TrimSuffix(r.path, ".jsonl") + "_" + name + ext
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	_ = r.encoder.Encode(Event{Timestamp: r.now(), Type: "attachment", RunID: r.runID, Data: map[string]string{"name": name, "path": path}})
	return path, nil
}

// Path returns the file of the current or last run.
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

// rotate leaves room for one new trace within the keep limit.
func (r *Recorder) rotate() error {
	entries, err := os.ReadDir(r.basePath)
	if err != nil {
		return err
	}

	type trace struct {
		name string
		mod  time.Time
	}
	var traces []trace
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "trace_") || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		traces = append(traces, trace{e.Name(), info.ModTime()})
	}

	sort.Slice(traces, func(i, j int) bool {
		if traces[i].mod.Equal(traces[j].mod) {
			return traces[i].name > traces[j].name
		}
		return traces[i].mod.After(traces[j].mod)
	})
	for i := r.keep - 1; i < len(traces); i++ {
		_ = os.Remove(filepath.Join(r.basePath, traces[i].name))
		stem := strings.TrimSuffix(traces[i].name, ".jsonl")
		attachments, _ := filepath.Glob(filepath.Join(r.basePath, stem+"_*"))
		for _, a := range attachments {
			_ = os.Remove(a)
		}
	}
	return nil
}

// Close finishes the current trace.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	r.encoder = nil
	return err
}

// ReadTrace decodes a trace file.
func ReadTrace(path string) ([]Event, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var events []Event
	dec := json.NewDecoder(bytes.NewReader(raw))
	for dec.More() {
		var e Event
		if err := dec.Decode(&e); err != nil {
			return events, fmt.Errorf("decode trace %s: %w", filepath.Base(path), err)
		}
		events = append(events, e)
	}
	return events, nil
}
