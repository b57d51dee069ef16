package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// State is the serialised form of the limiter, shared by every Store.
type State struct {
	Cooldown time.Duration        `json:"cooldown"`
	SavedAt  time.Time            `json:"saved_at"`
	Entries  map[string]time.Time `json:"entries"`
}

// Store persists limiter state across restarts. Load returns an empty state
// and no error when nothing was saved yet.
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, st State) error
}

// EncodeState and DecodeState are used by stores that keep the state as an
// opaque blob.
func EncodeState(st State) ([]byte, error) {
	if st.Entries == nil {
		st.Entries = map[string]time.Time{}
	}
	return json.MarshalIndent(st, "", "  ")
}

func DecodeState(b []byte) (State, error) {
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return State{}, fmt.Errorf("decode rate limit state: %w", err)
	}
	if st.Entries == nil {
		st.Entries = map[string]time.Time{}
	}
	return st, nil
}

// FileStore keeps the state in a local JSON file, replaced atomically on save.
type FileStore struct {
	path string
}

func NewFileStore(path string) (*FileStore, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return &FileStore{path: path}, nil
}

func (f *FileStore) Load(ctx context.Context) (State, error) {
	b, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{Entries: map[string]time.Time{}}, nil
		}
		return State{}, err
	}
	return DecodeState(b)
}

func (f *FileStore) Save(ctx context.Context, st State) error {
	b, err := EncodeState(st)
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}
