package event

import (
	"bufio"
	"fmt"
	"os"
	"sync"
)

// FileSink writes Events to a JSONL file. It is thread-safe and append-only,
// one per attempt, so events can be tailed while the attempt is running.
type FileSink struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	path   string
}

// NewFileSink creates a FileSink that appends to path, creating it if needed.
func NewFileSink(path string) (*FileSink, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open event file: %w", err)
	}
	return &FileSink{
		file:   file,
		writer: bufio.NewWriter(file),
		path:   path,
	}, nil
}

// Write appends a single event.
func (s *FileSink) Write(e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(e)
}

// WriteBatch appends multiple events under a single lock acquisition.
func (s *FileSink) WriteBatch(events []*Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		if err := s.writeLocked(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *FileSink) writeLocked(e *Event) error {
	data, err := e.MarshalJSONL()
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := s.writer.Write(data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return s.writer.WriteByte('\n')
}

// Flush flushes buffered data to disk.
func (s *FileSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writer.Flush()
}

// Close flushes and closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writer.Flush(); err != nil {
		return err
	}
	return s.file.Close()
}

// Path returns the sink's file path.
func (s *FileSink) Path() string { return s.path }
