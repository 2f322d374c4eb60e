package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// FilePersistence handles the disk I/O for the MemStore, one JSON file per dataset.
type FilePersistence struct {
	DataDir string
	mu      sync.Mutex // Protects concurrent writes to the filesystem
	logger  *zap.Logger
}

// NewFilePersistence initializes a persistence handler.
func NewFilePersistence(dir string, logger *zap.Logger) (*FilePersistence, error) {
	// Ensure the data directory exists
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FilePersistence{DataDir: dir, logger: logger}, nil
}

// SaveDataset writes a single dataset's data to a JSON file atomically.
func (p *FilePersistence) SaveDataset(datasetID string, data map[string]map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if datasetID == "" || strings.ContainsAny(datasetID, `/\`) {
		return fmt.Errorf("invalid dataset id %q", datasetID)
	}

	filePath := filepath.Join(p.DataDir, datasetID+".json")
	tempPath := filePath + ".tmp"

	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}

	if err := os.WriteFile(tempPath, bytes, 0o644); err != nil {
		return err
	}

	// Atomic rename: after a crash there is either the old file or the new one, never a torn write.
	return os.Rename(tempPath, filePath)
}

// LoadAll returns all dataset data found in the data directory.
func (p *FilePersistence) LoadAll() (map[string]map[string]map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	allData := make(map[string]map[string]map[string]any)

	files, err := os.ReadDir(p.DataDir)
	if err != nil {
		return nil, err
	}

	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) != ".json" {
			continue
		}
		datasetID := strings.TrimSuffix(file.Name(), ".json")

		content, err := os.ReadFile(filepath.Join(p.DataDir, file.Name()))
		if err != nil {
			p.logger.Warn("could not read dataset file", zap.String("file", file.Name()), zap.Error(err))
			continue
		}

		var datasetData map[string]map[string]any
		if err := json.Unmarshal(content, &datasetData); err != nil {
			p.logger.Warn("could not unmarshal dataset file", zap.String("file", file.Name()), zap.Error(err))
			continue
		}
		allData[datasetID] = datasetData
	}
	return allData, nil
}
