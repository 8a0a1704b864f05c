package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/turbolytics/tabulator/internal"
)

const stateSuffix = ".state.json"

// StateStore persists one State per dataset id.
type StateStore interface {
	// Load returns nil and no error when no state exists.
	Load(ctx context.Context, datasetID string) (*State, error)
	Save(ctx context.Context, state *State) error
	List(ctx context.Context) ([]*State, error)
	Delete(ctx context.Context, datasetID string) error
}

// FilesystemStore keeps each state in <dataset_id>.state.json under baseDir.
type FilesystemStore struct {
	baseDir string
	logger  *zap.Logger
	mu      sync.Mutex
}

func NewFilesystemStore(baseDir string, logger *zap.Logger) *FilesystemStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FilesystemStore{
		baseDir: baseDir,
		logger:  logger,
	}
}

func (f *FilesystemStore) path(datasetID string) string {
	return filepath.Join(f.baseDir, datasetID+stateSuffix)
}

func (f *FilesystemStore) Load(ctx context.Context, datasetID string) (*State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read(f.path(datasetID))
}

func (f *FilesystemStore) read(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, internal.StorageError("load state", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, internal.NewError(internal.KindStorage, "decode state", err)
	}
	return &state, nil
}

func (f *FilesystemStore) Save(ctx context.Context, state *State) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(f.baseDir, 0755); err != nil {
		return internal.StorageError("save state", err)
	}

	statePath := f.path(state.DatasetID)
	tempPath := statePath + ".tmp"

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return internal.StorageError("save state", err)
	}

	if file, err := os.OpenFile(tempPath, os.O_RDWR, 0644); err == nil {
		file.Sync()
		file.Close()
	}

	// atomic rename
	if err := os.Rename(tempPath, statePath); err != nil {
		os.Remove(tempPath)
		return internal.StorageError("save state", err)
	}

	f.logger.Debug("state saved",
		zap.String("dataset_id", state.DatasetID),
		zap.String("stage", state.Describe()),
	)
	return nil
}

func (f *FilesystemStore) List(ctx context.Context) ([]*State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(f.baseDir)
	if os.IsNotExist(err) {
		return []*State{}, nil
	}
	if err != nil {
		return nil, internal.StorageError("list states", err)
	}

	states := []*State{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), stateSuffix) {
			continue
		}
		s, err := f.read(filepath.Join(f.baseDir, e.Name()))
		if err != nil {
			return nil, err
		}
		if s != nil {
			states = append(states, s)
		}
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].DatasetID < states[j].DatasetID
	})
	return states, nil
}

func (f *FilesystemStore) Delete(ctx context.Context, datasetID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path(datasetID)); err != nil && !os.IsNotExist(err) {
		return internal.StorageError("delete state", err)
	}
	f.logger.Info("state deleted", zap.String("dataset_id", datasetID))
	return nil
}
