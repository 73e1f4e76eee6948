package testutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"

	"studysync/internal/cloud"
	"studysync/internal/replica"
)

// FakeCloud is an in-memory remote with failure injection. It counts
// uploads per name and tracks how many uploads ran concurrently.
type FakeCloud struct {
	*cloud.MemoryCloud

	mu          sync.Mutex
	uploads     map[string]int
	inFlight    int
	maxInFlight int

	// FailUpload, when set, is consulted before every upload. A non-nil
	// return fails that upload.
	FailUpload func(name, folder string) error
	// FailFind, when set, is returned by FindFile.
	FailFind error
	// FailDownload, when set, is returned by DownloadFile.
	FailDownload error
	// Gate, when set, blocks every upload until it receives or is closed.
	Gate chan struct{}
	// Started, when set, receives the name of each upload as it begins.
	Started chan string
}

var _ replica.CloudAdapter = (*FakeCloud)(nil)

// NewFakeCloud creates an empty remote that is already signed in.
func NewFakeCloud(clock replica.Clock) *FakeCloud {
	f := &FakeCloud{
		MemoryCloud: cloud.NewMemoryCloud(clock),
		uploads:     make(map[string]int),
	}
	if err := f.SignIn(context.Background()); err != nil {
		panic(fmt.Sprintf("memory sign-in failed: %v", err))
	}
	return f
}

func (f *FakeCloud) FindFile(ctx context.Context, name string) (*replica.FileMetadata, error) {
	if err := f.FailFind; err != nil {
		return nil, err
	}
	return f.MemoryCloud.FindFile(ctx, name)
}

func (f *FakeCloud) DownloadFile(ctx context.Context, remoteID string, w io.Writer) error {
	if err := f.FailDownload; err != nil {
		return err
	}
	return f.MemoryCloud.DownloadFile(ctx, remoteID, w)
}

func (f *FakeCloud) UploadFile(ctx context.Context, r io.Reader, size int64, name, mimeType, folderPath string) (string, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if f.Started != nil {
		f.Started <- name
	}
	if f.Gate != nil {
		select {
		case <-f.Gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	if f.FailUpload != nil {
		if err := f.FailUpload(name, folderPath); err != nil {
			return "", err
		}
	}

	id, err := f.MemoryCloud.UploadFile(ctx, r, size, name, mimeType, folderPath)
	if err != nil {
		return "", err
	}

	f.mu.Lock()
	f.uploads[name]++
	f.mu.Unlock()
	return id, nil
}

// Uploads returns how many times name was uploaded successfully.
func (f *FakeCloud) Uploads(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploads[name]
}

// MaxConcurrentUploads returns the highest number of uploads seen in flight at once.
func (f *FakeCloud) MaxConcurrentUploads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

// Content returns the bytes stored under the root-level name, or nil.
func (f *FakeCloud) Content(t testing.TB, name string) []byte {
	t.Helper()
	meta, err := f.MemoryCloud.FindFile(context.Background(), name)
	if err != nil {
		t.Fatalf("finding %s: %v", name, err)
	}
	if meta == nil {
		return nil
	}
	var buf bytes.Buffer
	if err := f.MemoryCloud.DownloadFile(context.Background(), meta.ID, &buf); err != nil {
		t.Fatalf("downloading %s: %v", name, err)
	}
	return buf.Bytes()
}
