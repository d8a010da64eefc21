package models

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store provides read access to versioned model artifacts. Each version owns
// two keys: model.weights (the tensor artifact) and labels.txt (one class
// label per line in class-index order). A missing key surfaces as
// ErrModelNotFound.
type Store interface {
	// ReadWeights returns the raw weights artifact for a version.
	ReadWeights(ctx context.Context, version string) ([]byte, error)
	// ReadLabels returns the class label list for a version.
	ReadLabels(ctx context.Context, version string) ([]string, error)
	// Exists reports whether any artifact exists for a version. It is used by
	// health reporting to decide whether a required version is loadable at all.
	Exists(version string) bool
}

// FileStore is a Store backed by a local directory laid out as
// {root}/{version}/model.weights and {root}/{version}/labels.txt.
type FileStore struct {
	root string
}

// NewFileStore creates a file store rooted at the given directory.
func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

// ReadWeights implements Store.ReadWeights.
func (s *FileStore) ReadWeights(_ context.Context, version string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.root, version, "model.weights"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrModelNotFound, version)
		}
		return nil, fmt.Errorf("unable to read weights for %s: %w", version, err)
	}
	return data, nil
}

// ReadLabels implements Store.ReadLabels.
func (s *FileStore) ReadLabels(_ context.Context, version string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(s.root, version, "labels.txt"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrModelNotFound, version)
		}
		return nil, fmt.Errorf("unable to read labels for %s: %w", version, err)
	}
	return parseLabels(version, data)
}

// Exists implements Store.Exists.
func (s *FileStore) Exists(version string) bool {
	_, err := os.Stat(filepath.Join(s.root, version, "model.weights"))
	return err == nil
}

// parseLabels decodes a labels.txt payload. Blank lines are skipped; the
// remaining line order defines class indices.
func parseLabels(version string, data []byte) ([]string, error) {
	var labels []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		label := strings.TrimSpace(scanner.Text())
		if label != "" {
			labels = append(labels, label)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("unable to parse labels for %s: %w", version, err)
	}
	if len(labels) == 0 {
		return nil, &CorruptError{Version: version, Reason: "empty label list"}
	}
	return labels, nil
}
