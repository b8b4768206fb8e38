package memory

import (
	"context"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sync"

	"coderunner/internal/store"
)

// logState is the per-job log. wake is closed and replaced on every change,
// which broadcasts to all subscribers blocked on the previous channel.
type logState struct {
	gen      uint64
	lines    []string
	complete bool
	wake     chan struct{}
	mirror   *os.File
}

func (st *logState) notify() {
	close(st.wake)
	st.wake = make(chan struct{})
}

// LogStore keeps per-job logs in memory and optionally mirrors them to
// <dataDir>/<id>/logs.txt.
type LogStore struct {
	mu        sync.Mutex
	logs      map[string]*logState
	mirrorDir string
}

// LogOption configures a LogStore.
type LogOption func(*LogStore)

// WithMirrorDir writes every appended line to the job's log file under dataDir.
func WithMirrorDir(dataDir string) LogOption {
	return func(s *LogStore) {
		s.mirrorDir = dataDir
	}
}

// NewLogStore creates an empty in-memory log store.
func NewLogStore(opts ...LogOption) *LogStore {
	s := &LogStore{logs: make(map[string]*logState)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// state returns the log for id, creating an empty one so that early
// subscribers can wait for a job that has not registered yet. Caller holds mu.
func (s *LogStore) state(id string) *logState {
	st, ok := s.logs[id]
	if !ok {
		st = &logState{wake: make(chan struct{})}
		s.logs[id] = st
	}
	return st
}

func (s *LogStore) Register(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(id)
	if st.mirror != nil {
		st.mirror.Close()
		st.mirror = nil
	}
	st.gen++
	st.lines = nil
	st.complete = false

	var err error
	if s.mirrorDir != "" {
		st.mirror, err = s.openMirror(id, os.O_CREATE|os.O_WRONLY|os.O_TRUNC)
	}
	st.notify()
	return err
}

func (s *LogStore) Append(ctx context.Context, id, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(id)
	st.lines = append(st.lines, line)
	st.notify()

	if s.mirrorDir == "" {
		return nil
	}
	if st.mirror == nil {
		f, err := s.openMirror(id, os.O_CREATE|os.O_WRONLY|os.O_APPEND)
		if err != nil {
			return err
		}
		st.mirror = f
	}
	if _, err := st.mirror.WriteString(line); err != nil {
		return fmt.Errorf("mirror log %s: %w", id, err)
	}
	return nil
}

func (s *LogStore) MarkComplete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(id)
	st.complete = true
	st.notify()

	if st.mirror != nil {
		err := st.mirror.Close()
		st.mirror = nil
		if err != nil {
			return fmt.Errorf("close log mirror %s: %w", id, err)
		}
	}
	return nil
}

func (s *LogStore) Tail(ctx context.Context, id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.logs[id]
	if !ok {
		return []string{}, nil
	}
	return append([]string{}, st.lines...), nil
}

func (s *LogStore) Stream(ctx context.Context, id string, startAt int) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		next := max(startAt, 0)
		var gen uint64
		first := true

		for {
			s.mu.Lock()
			st := s.state(id)
			if first {
				gen = st.gen
				first = false
			} else if st.gen != gen {
				// Re-registered: the previous sequence is gone.
				gen = st.gen
				next = 0
			}
			var pending []string
			if next < len(st.lines) {
				pending = st.lines[next:len(st.lines):len(st.lines)]
			}
			complete := st.complete
			wake := st.wake
			s.mu.Unlock()

			for _, line := range pending {
				next++
				if !yield(line, nil) {
					return
				}
			}
			if len(pending) > 0 {
				continue
			}
			if complete {
				return
			}

			select {
			case <-wake:
			case <-ctx.Done():
				yield("", ctx.Err())
				return
			}
		}
	}
}

func (s *LogStore) openMirror(id string, flag int) (*os.File, error) {
	path := store.PathsFor(s.mirrorDir, id).LogFile
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir %s: %w", id, err)
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log mirror %s: %w", id, err)
	}
	return f, nil
}
