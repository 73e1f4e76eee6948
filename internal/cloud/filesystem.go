package cloud

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"studysync/internal/replica"
)

// FileSystemCloud is a directory-backed implementation of the CloudAdapter
// interface, for a synced folder or a mounted share. Remote IDs are paths
// relative to the root:
//
//	<root>/
//	  studysync-backup.json
//	  materials/
//	    <chapterId>/
//	      <materialId>
type FileSystemCloud struct {
	*session

	root string
}

// NewFileSystemCloud creates a filesystem remote rooted at the given path.
// Signing in creates the root if needed and checks it is writable; a
// permission error counts as rejected credentials.
func NewFileSystemCloud(root string) *FileSystemCloud {
	c := &FileSystemCloud{root: root}
	c.session = newSession(c.validateSetup, func(err error) bool {
		return errors.Is(err, fs.ErrPermission)
	})
	return c
}

// Root returns the directory holding the remote area.
func (c *FileSystemCloud) Root() string {
	return c.root
}

// validateSetup verifies that the root directory is accessible and writable.
func (c *FileSystemCloud) validateSetup(context.Context) error {
	if err := os.MkdirAll(c.root, 0755); err != nil {
		return fmt.Errorf("creating remote root: %w", err)
	}
	info, err := os.Stat(c.root)
	if err != nil {
		return fmt.Errorf("remote root not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("remote root is not a directory: %s", c.root)
	}

	probe, err := os.CreateTemp(c.root, ".probe-*")
	if err != nil {
		return fmt.Errorf("remote root not writable: %w", err)
	}
	probe.Close()
	return os.Remove(probe.Name())
}

// resolve maps a remote ID to a path under root, rejecting escapes.
func (c *FileSystemCloud) resolve(id string) string {
	rel := strings.TrimPrefix(path.Clean("/"+id), "/")
	return filepath.Join(c.root, filepath.FromSlash(rel))
}

func (c *FileSystemCloud) metadata(id string, info fs.FileInfo) *replica.FileMetadata {
	return &replica.FileMetadata{
		ID:           id,
		Name:         info.Name(),
		ModifiedTime: info.ModTime(),
		Size:         info.Size(),
	}
}

func (c *FileSystemCloud) FindFile(ctx context.Context, name string) (*replica.FileMetadata, error) {
	if err := c.require("finding file"); err != nil {
		return nil, err
	}

	p := c.resolve(name)
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, c.fail("finding file", err)
	}
	if info.IsDir() {
		return nil, nil
	}
	return c.metadata(path.Clean(name), info), nil
}

func (c *FileSystemCloud) UploadFile(ctx context.Context, r io.Reader, size int64, name, mimeType, folderPath string) (string, error) {
	if err := c.require("uploading file"); err != nil {
		return "", err
	}

	id := path.Join(folderPath, name)
	destPath := c.resolve(id)
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return "", c.fail("uploading file", err)
	}
	if err := writeFile(destPath, r, size); err != nil {
		return "", c.fail("uploading file", err)
	}
	return id, nil
}

func (c *FileSystemCloud) DownloadFile(ctx context.Context, remoteID string, w io.Writer) error {
	if err := c.require("downloading file"); err != nil {
		return err
	}

	p := c.resolve(remoteID)
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("downloading file: %w", &replica.RemoteError{StatusCode: 404, Code: "NotFound", Message: "file not found: " + remoteID})
		}
		return c.fail("downloading file", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	return nil
}

func (c *FileSystemCloud) ListFiles(ctx context.Context, parentID string) ([]*replica.FileMetadata, error) {
	if err := c.require("listing files"); err != nil {
		return nil, err
	}

	dir := c.resolve(parentID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, c.fail("listing files", err)
	}

	var out []*replica.FileMetadata
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, c.metadata(path.Join(parentID, e.Name()), info))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// writeFile writes data from r to the specified path using atomic write (temp file + rename).
func writeFile(destPath string, r io.Reader, expectedSize int64) error {
	// Temp file in the same directory so the rename stays on one filesystem.
	dir := filepath.Dir(destPath)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if written != expectedSize {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", expectedSize, written)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

// Compile-time check that FileSystemCloud implements replica.CloudAdapter
var _ replica.CloudAdapter = (*FileSystemCloud)(nil)
