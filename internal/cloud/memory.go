package cloud

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"sync"

	"github.com/google/uuid"

	"studysync/internal/replica"
)

type memoryFile struct {
	meta   replica.FileMetadata
	folder string
	data   []byte
}

// MemoryCloud is an in-memory implementation of the CloudAdapter interface.
// Remote IDs are random UUIDs; overwriting a path keeps its ID.
// This implementation is safe for concurrent use.
type MemoryCloud struct {
	*session

	clock replica.Clock

	mu     sync.RWMutex
	files  map[string]*memoryFile // id -> file
	byPath map[string]string      // folder/name -> id
}

// NewMemoryCloud creates an empty in-memory remote. Modification times are
// taken from clock. Sign-in always succeeds.
func NewMemoryCloud(clock replica.Clock) *MemoryCloud {
	if clock == nil {
		clock = replica.RealClock{}
	}
	m := &MemoryCloud{
		clock:  clock,
		files:  make(map[string]*memoryFile),
		byPath: make(map[string]string),
	}
	m.session = newSession(
		func(context.Context) error { return nil },
		func(error) bool { return false },
	)
	return m
}

func (m *MemoryCloud) FindFile(ctx context.Context, name string) (*replica.FileMetadata, error) {
	if err := m.require("finding file"); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byPath[name]
	if !ok {
		return nil, nil
	}
	meta := m.files[id].meta
	return &meta, nil
}

func (m *MemoryCloud) UploadFile(ctx context.Context, r io.Reader, size int64, name, mimeType, folderPath string) (string, error) {
	if err := m.require("uploading file"); err != nil {
		return "", err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read content: %w", err)
	}
	if int64(len(data)) != size {
		return "", fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p := path.Join(folderPath, name)
	id, ok := m.byPath[p]
	if !ok {
		id = uuid.New().String()
		m.byPath[p] = id
	}
	m.files[id] = &memoryFile{
		meta: replica.FileMetadata{
			ID:           id,
			Name:         name,
			ModifiedTime: m.clock.Now(),
			Size:         int64(len(data)),
		},
		folder: folderPath,
		data:   data,
	}
	return id, nil
}

func (m *MemoryCloud) DownloadFile(ctx context.Context, remoteID string, w io.Writer) error {
	if err := m.require("downloading file"); err != nil {
		return err
	}

	m.mu.RLock()
	f, ok := m.files[remoteID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("downloading file: %w", &replica.RemoteError{StatusCode: 404, Code: "NotFound", Message: "file not found: " + remoteID})
	}

	if _, err := io.Copy(w, bytes.NewReader(f.data)); err != nil {
		return fmt.Errorf("failed to write content: %w", err)
	}
	return nil
}

func (m *MemoryCloud) ListFiles(ctx context.Context, parentID string) ([]*replica.FileMetadata, error) {
	if err := m.require("listing files"); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*replica.FileMetadata
	for _, f := range m.files {
		if f.folder == parentID {
			meta := f.meta
			out = append(out, &meta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Compile-time check that MemoryCloud implements replica.CloudAdapter
var _ replica.CloudAdapter = (*MemoryCloud)(nil)
