package cloud

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"studysync/internal/replica"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

// adapters returns a fresh, signed-in instance of each local binding.
func adapters(t *testing.T) map[string]replica.CloudAdapter {
	t.Helper()
	ctx := context.Background()

	out := map[string]replica.CloudAdapter{
		"memory":     NewMemoryCloud(fixedClock{time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}),
		"filesystem": NewFileSystemCloud(filepath.Join(t.TempDir(), "remote")),
	}
	for name, a := range out {
		if err := a.SignIn(ctx); err != nil {
			t.Fatalf("%s SignIn() error = %v", name, err)
		}
	}
	return out
}

func upload(t *testing.T, a replica.CloudAdapter, data, name, folder string) string {
	t.Helper()
	id, err := a.UploadFile(context.Background(), strings.NewReader(data), int64(len(data)), name, "application/octet-stream", folder)
	if err != nil {
		t.Fatalf("UploadFile(%s) error = %v", name, err)
	}
	return id
}

func TestCloudAdapter_Contract(t *testing.T) {
	ctx := context.Background()

	for name, a := range adapters(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("find missing returns nil", func(t *testing.T) {
				meta, err := a.FindFile(ctx, "absent.json")
				if err != nil {
					t.Fatalf("FindFile() error = %v", err)
				}
				if meta != nil {
					t.Errorf("FindFile() = %+v, want nil", meta)
				}
			})

			t.Run("upload then find and download", func(t *testing.T) {
				id := upload(t, a, `{"subjects":[]}`, "backup.json", "")

				meta, err := a.FindFile(ctx, "backup.json")
				if err != nil {
					t.Fatalf("FindFile() error = %v", err)
				}
				if meta == nil {
					t.Fatal("FindFile() = nil after upload")
				}
				if meta.ID != id {
					t.Errorf("FindFile().ID = %q, want %q", meta.ID, id)
				}
				if meta.Name != "backup.json" {
					t.Errorf("FindFile().Name = %q", meta.Name)
				}
				if meta.Size != int64(len(`{"subjects":[]}`)) {
					t.Errorf("FindFile().Size = %d", meta.Size)
				}
				if meta.ModifiedTime.IsZero() {
					t.Error("FindFile().ModifiedTime is zero")
				}

				var buf bytes.Buffer
				if err := a.DownloadFile(ctx, id, &buf); err != nil {
					t.Fatalf("DownloadFile() error = %v", err)
				}
				if buf.String() != `{"subjects":[]}` {
					t.Errorf("DownloadFile() = %q", buf.String())
				}
			})

			t.Run("overwrite keeps the id", func(t *testing.T) {
				first := upload(t, a, "v1", "note.txt", "")
				second := upload(t, a, "version2", "note.txt", "")
				if first != second {
					t.Errorf("ids differ after overwrite: %q vs %q", first, second)
				}

				var buf bytes.Buffer
				if err := a.DownloadFile(ctx, second, &buf); err != nil {
					t.Fatalf("DownloadFile() error = %v", err)
				}
				if buf.String() != "version2" {
					t.Errorf("DownloadFile() = %q, want version2", buf.String())
				}
			})

			t.Run("size mismatch is rejected", func(t *testing.T) {
				_, err := a.UploadFile(ctx, strings.NewReader("abc"), 10, "short.bin", "", "")
				if err == nil {
					t.Fatal("UploadFile() expected size mismatch error")
				}
			})

			t.Run("list folder", func(t *testing.T) {
				upload(t, a, "b", "m2", "materials/ch1")
				upload(t, a, "a", "m1", "materials/ch1")
				upload(t, a, "c", "m3", "materials/ch2")

				files, err := a.ListFiles(ctx, "materials/ch1")
				if err != nil {
					t.Fatalf("ListFiles() error = %v", err)
				}
				if len(files) != 2 {
					t.Fatalf("len(ListFiles()) = %d, want 2", len(files))
				}
				if files[0].Name != "m1" || files[1].Name != "m2" {
					t.Errorf("ListFiles() names = %q, %q", files[0].Name, files[1].Name)
				}

				empty, err := a.ListFiles(ctx, "materials/none")
				if err != nil {
					t.Fatalf("ListFiles(empty) error = %v", err)
				}
				if len(empty) != 0 {
					t.Errorf("len(ListFiles(empty)) = %d, want 0", len(empty))
				}
			})

			t.Run("download missing is a remote error", func(t *testing.T) {
				err := a.DownloadFile(ctx, "does/not/exist", &bytes.Buffer{})
				var remote *replica.RemoteError
				if !errors.As(err, &remote) {
					t.Fatalf("DownloadFile() error = %v, want *RemoteError", err)
				}
				if remote.StatusCode != 404 {
					t.Errorf("StatusCode = %d, want 404", remote.StatusCode)
				}
			})
		})
	}
}

func TestCloudAdapter_RequiresAuth(t *testing.T) {
	ctx := context.Background()

	for name, a := range adapters(t) {
		t.Run(name, func(t *testing.T) {
			a.SignOut()

			if _, err := a.FindFile(ctx, "x"); !errors.Is(err, replica.ErrNotAuthenticated) {
				t.Errorf("FindFile() error = %v, want ErrNotAuthenticated", err)
			}
			if _, err := a.UploadFile(ctx, strings.NewReader("x"), 1, "x", "", ""); !errors.Is(err, replica.ErrNotAuthenticated) {
				t.Errorf("UploadFile() error = %v, want ErrNotAuthenticated", err)
			}
			if err := a.DownloadFile(ctx, "x", &bytes.Buffer{}); !errors.Is(err, replica.ErrNotAuthenticated) {
				t.Errorf("DownloadFile() error = %v, want ErrNotAuthenticated", err)
			}
			if _, err := a.ListFiles(ctx, ""); !errors.Is(err, replica.ErrNotAuthenticated) {
				t.Errorf("ListFiles() error = %v, want ErrNotAuthenticated", err)
			}
		})
	}
}

func TestSession(t *testing.T) {
	ctx := context.Background()
	rejected := errors.New("token expired")

	t.Run("sign in and out notify on change only", func(t *testing.T) {
		s := newSession(func(context.Context) error { return nil }, func(error) bool { return false })

		var states []replica.AuthState
		s.SubscribeAuth(func(st replica.AuthState) { states = append(states, st) })

		if s.AuthState().Loaded {
			t.Error("AuthState().Loaded = true before SignIn")
		}
		if err := s.SignIn(ctx); err != nil {
			t.Fatalf("SignIn() error = %v", err)
		}
		_ = s.SignIn(ctx)
		s.SignOut()
		s.SignOut()

		want := []replica.AuthState{
			{Loaded: true, Authenticated: true},
			{Loaded: true, Authenticated: false},
		}
		if len(states) != len(want) {
			t.Fatalf("states = %+v, want %+v", states, want)
		}
		for i := range want {
			if states[i] != want[i] {
				t.Errorf("states[%d] = %+v, want %+v", i, states[i], want[i])
			}
		}
	})

	t.Run("rejected sign in", func(t *testing.T) {
		s := newSession(func(context.Context) error { return rejected }, func(err error) bool { return err == rejected })

		err := s.SignIn(ctx)
		if !errors.Is(err, replica.ErrUnauthenticated) {
			t.Fatalf("SignIn() error = %v, want ErrUnauthenticated", err)
		}
		st := s.AuthState()
		if !st.Loaded || st.Authenticated {
			t.Errorf("AuthState() = %+v, want loaded and signed out", st)
		}
	})

	t.Run("auth failure signs out before returning", func(t *testing.T) {
		s := newSession(func(context.Context) error { return nil }, func(err error) bool { return err == rejected })
		_ = s.SignIn(ctx)

		var signedOutFirst bool
		s.SubscribeAuth(func(st replica.AuthState) { signedOutFirst = !st.Authenticated })

		err := s.fail("downloading file", rejected)
		if !errors.Is(err, replica.ErrUnauthenticated) {
			t.Errorf("fail() error = %v, want ErrUnauthenticated", err)
		}
		if !signedOutFirst {
			t.Error("listener not told about sign-out")
		}
		if s.AuthState().Authenticated {
			t.Error("still authenticated after auth failure")
		}
	})

	t.Run("other failures keep the session", func(t *testing.T) {
		s := newSession(func(context.Context) error { return nil }, func(err error) bool { return err == rejected })
		_ = s.SignIn(ctx)

		err := s.fail("listing files", &replica.RemoteError{StatusCode: 503, Message: "slow down"})
		var remote *replica.RemoteError
		if !errors.As(err, &remote) || remote.StatusCode != 503 {
			t.Errorf("fail() error = %v, want *RemoteError 503", err)
		}
		if !s.AuthState().Authenticated {
			t.Error("signed out after a non-auth failure")
		}
	})
}
