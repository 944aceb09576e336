package observability

import "sync"

// Entry is a captured log line.
type Entry struct {
	Level   string
	Message string
	Fields  map[string]any
}

// Recorder is an in-memory Logger used by tests to assert on emitted log lines.
type Recorder struct {
	mu      *sync.Mutex
	entries *[]Entry
	base    []Field
}

// NewRecorder constructs an empty Recorder.
func NewRecorder() *Recorder {
	entries := make([]Entry, 0)
	return &Recorder{mu: new(sync.Mutex), entries: &entries}
}

func (r *Recorder) Debug(msg string, fields ...Field) { r.record("debug", msg, fields) }
func (r *Recorder) Info(msg string, fields ...Field)  { r.record("info", msg, fields) }
func (r *Recorder) Warn(msg string, fields ...Field)  { r.record("warn", msg, fields) }
func (r *Recorder) Error(msg string, fields ...Field) { r.record("error", msg, fields) }

// With returns a Recorder sharing the same sink with extra base fields.
func (r *Recorder) With(fields ...Field) Logger {
	base := make([]Field, 0, len(r.base)+len(fields))
	base = append(base, r.base...)
	base = append(base, fields...)
	return &Recorder{mu: r.mu, entries: r.entries, base: base}
}

// Entries returns a copy of the captured lines.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(*r.entries))
	copy(out, *r.entries)
	return out
}

// Count returns how many lines were captured at level with the given message.
func (r *Recorder) Count(level, msg string) int {
	n := 0
	for _, e := range r.Entries() {
		if e.Level == level && e.Message == msg {
			n++
		}
	}
	return n
}

func (r *Recorder) record(level, msg string, fields []Field) {
	data := make(map[string]any, len(r.base)+len(fields))
	for _, f := range r.base {
		data[f.Key] = f.Value
	}
	for _, f := range fields {
		data[f.Key] = f.Value
	}
	r.mu.Lock()
	*r.entries = append(*r.entries, Entry{Level: level, Message: msg, Fields: data})
	r.mu.Unlock()
}
