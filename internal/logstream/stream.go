// Package logstream gives each running job a bounded in-memory ring of
// log lines with live subscribers. Streams are keyed by job id in a
// registry rather than hanging off the job itself, so the job rows and
// the log buffers have no pointer cycle.
package logstream

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/multiworld/lobby/pkg/telemetry"
)

const (
	DefaultMaxBytes = 1 << 20 // 1 MiB
	DefaultMaxLines = 10000
)

// PersistFunc receives the final buffer when a stream closes.
type PersistFunc func(jobID string, data []byte) error

// Registry owns every live stream.
type Registry struct {
	maxBytes int
	maxLines int
	persist  PersistFunc
	log      *telemetry.Logger

	mu      sync.Mutex
	streams map[string]*Stream
}

// NewRegistry builds a registry. persist may be nil.
func NewRegistry(maxBytes, maxLines int, persist PersistFunc, log *telemetry.Logger) *Registry {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	if log == nil {
		log = telemetry.Nop
	}
	return &Registry{
		maxBytes: maxBytes,
		maxLines: maxLines,
		persist:  persist,
		log:      log,
		streams:  make(map[string]*Stream),
	}
}

// Append adds a chunk to jobID's stream, creating it on first use.
// Appends after Close are dropped.
func (r *Registry) Append(jobID string, chunk []byte) int {
	r.mu.Lock()
	s, ok := r.streams[jobID]
	if !ok {
		s = newStream(r.maxBytes, r.maxLines)
		r.streams[jobID] = s
	}
	r.mu.Unlock()
	return s.Append(chunk)
}

// Subscribe returns the current buffer snapshot plus a channel carrying
// the live tail. The channel closes when the stream closes. The returned
// cancel func must be called when the subscriber goes away.
func (r *Registry) Subscribe(jobID string) (snapshot []byte, tail <-chan []byte, cancel func()) {
	r.mu.Lock()
	s, ok := r.streams[jobID]
	if !ok {
		s = newStream(r.maxBytes, r.maxLines)
		r.streams[jobID] = s
	}
	r.mu.Unlock()
	return s.Subscribe()
}

// Close marks jobID's stream complete, drains subscribers, and persists
// the buffer. The sealed stream stays registered (with its buffer
// released) so post-complete appends are dropped rather than recreating
// the stream.
func (r *Registry) Close(jobID string) {
	r.mu.Lock()
	s, ok := r.streams[jobID]
	if !ok {
		s = newStream(r.maxBytes, r.maxLines)
		s.Close()
		r.streams[jobID] = s
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	data := s.Close()
	s.release()
	if r.persist != nil && len(data) > 0 {
		if err := r.persist(jobID, data); err != nil {
			r.log.Error("persisting job log failed", map[string]any{"job_id": jobID, "error": err})
		}
	}
}

// Stream is one job's bounded ring of line-oriented records.
type Stream struct {
	maxBytes int
	maxLines int

	mu       sync.Mutex
	lines    [][]byte
	bytes    int
	dropped  int
	closed   bool
	partial  []byte // trailing bytes with no newline yet
	watchers []chan []byte
}

func newStream(maxBytes, maxLines int) *Stream {
	return &Stream{maxBytes: maxBytes, maxLines: maxLines}
}

// Append splits chunk into lines and appends them, evicting oldest lines
// on overflow. It never blocks; slow subscribers miss intermediate chunks
// but always see the final snapshot through the buffer. Returns the
// number of complete lines appended.
func (s *Stream) Append(chunk []byte) int {
	s.mu.Lock()
	if s.closed || len(chunk) == 0 {
		s.mu.Unlock()
		return 0
	}

	data := append(s.partial, chunk...)
	var appended int
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		line := append([]byte(nil), data[:i+1]...)
		data = data[i+1:]
		s.push(line)
		appended++
	}
	s.partial = append([]byte(nil), data...)

	watchers := append([]chan []byte(nil), s.watchers...)
	s.mu.Unlock()

	out := append([]byte(nil), chunk...)
	for _, ch := range watchers {
		select {
		case ch <- out:
		default:
			// subscriber too slow; it still holds the snapshot and can
			// re-subscribe for a fresh one
		}
	}
	return appended
}

// push assumes s.mu held.
func (s *Stream) push(line []byte) {
	s.lines = append(s.lines, line)
	s.bytes += len(line)
	for (s.maxLines > 0 && len(s.lines) > s.maxLines) || (s.maxBytes > 0 && s.bytes > s.maxBytes) {
		s.bytes -= len(s.lines[0])
		s.lines = s.lines[1:]
		s.dropped++
	}
}

// Snapshot renders the current buffer. A single marker line records how
// many lines were evicted.
func (s *Stream) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Stream) snapshotLocked() []byte {
	var buf bytes.Buffer
	if s.dropped > 0 {
		fmt.Fprintf(&buf, "[… %d lines dropped]\n", s.dropped)
	}
	for _, line := range s.lines {
		buf.Write(line)
	}
	buf.Write(s.partial)
	return buf.Bytes()
}

// Subscribe returns the snapshot and a tail channel; the channel closes
// when the stream does.
func (s *Stream) Subscribe() (snapshot []byte, tail <-chan []byte, cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshotLocked()
	if s.closed {
		ch := make(chan []byte)
		close(ch)
		return snap, ch, func() {}
	}
	ch := make(chan []byte, 64)
	s.watchers = append(s.watchers, ch)
	return snap, ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, w := range s.watchers {
			if w == ch {
				s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
				if !s.closed {
					close(ch)
				}
				return
			}
		}
	}
}

// Close seals the stream, closes subscriber channels, and returns the
// final buffer.
func (s *Stream) Close() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.snapshotLocked()
	}
	s.closed = true
	for _, ch := range s.watchers {
		close(ch)
	}
	s.watchers = nil
	return s.snapshotLocked()
}

// release frees the sealed buffer; archived retrieval is served from the
// persisted blob instead.
func (s *Stream) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines, s.partial, s.bytes, s.dropped = nil, nil, 0, 0
}

// Closed reports whether the stream has been sealed.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
