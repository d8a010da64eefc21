package streams

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileSensorStore appends readings to a JSON-lines file. It stands in for the
// platform's relational telemetry store on deployments where the runner is the
// only consumer, and doubles as a durable buffer when the real store is down.
type FileSensorStore struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// OpenFileSensorStore opens (creating if necessary) the JSONL file at path.
func OpenFileSensorStore(path string) (*FileSensorStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("unable to create sensor log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("unable to open sensor log: %w", err)
	}
	return &FileSensorStore{file: file, enc: json.NewEncoder(file)}, nil
}

// Save implements SensorStore.Save.
func (s *FileSensorStore) Save(_ context.Context, reading *SensorReading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(reading); err != nil {
		return fmt.Errorf("unable to append sensor reading: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (s *FileSensorStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
