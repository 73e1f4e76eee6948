package cloud

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"studysync/internal/replica"
)

// fakeS3 is a minimal path-style S3 endpoint holding one bucket.
type fakeS3 struct {
	bucket string

	mu      sync.Mutex
	objects map[string][]byte
	mtime   time.Time
	// failStatus, when set, makes every object request fail with this
	// status and error code.
	failStatus int
	failCode   string
}

func newFakeS3(t *testing.T, bucket string) (*fakeS3, *httptest.Server) {
	t.Helper()
	f := &fakeS3{
		bucket:  bucket,
		objects: make(map[string][]byte),
		mtime:   time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC),
	}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeS3) fail(status int, code string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failStatus, f.failCode = status, code
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	bucketPrefix := "/" + f.bucket
	if !strings.HasPrefix(r.URL.Path, bucketPrefix) {
		writeS3Error(w, r, http.StatusNotFound, "NoSuchBucket")
		return
	}
	key := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, bucketPrefix), "/")

	if key == "" && r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	if f.failStatus != 0 {
		writeS3Error(w, r, f.failStatus, f.failCode)
		return
	}

	switch {
	case key == "" && r.Method == http.MethodGet:
		f.list(w, r.URL.Query().Get("prefix"), r.URL.Query().Get("delimiter"))

	case r.Method == http.MethodPut:
		data, _ := io.ReadAll(r.Body)
		f.objects[key] = data
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodHead, r.Method == http.MethodGet:
		data, ok := f.objects[key]
		if !ok {
			writeS3Error(w, r, http.StatusNotFound, "NoSuchKey")
			return
		}
		w.Header().Set("Content-Length", fmt.Sprint(len(data)))
		w.Header().Set("Last-Modified", f.mtime.Format(http.TimeFormat))
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			w.Write(data)
		}

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeS3) list(w http.ResponseWriter, prefix, delimiter string) {
	var keys []string
	for k := range f.objects {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if delimiter != "" && strings.Contains(strings.TrimPrefix(k, prefix), delimiter) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	b.WriteString(`<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">`)
	fmt.Fprintf(&b, "<Name>%s</Name><Prefix>%s</Prefix><KeyCount>%d</KeyCount><MaxKeys>1000</MaxKeys><IsTruncated>false</IsTruncated>",
		f.bucket, prefix, len(keys))
	for _, k := range keys {
		fmt.Fprintf(&b, "<Contents><Key>%s</Key><LastModified>%s</LastModified><ETag>&quot;etag&quot;</ETag><Size>%d</Size><StorageClass>STANDARD</StorageClass></Contents>",
			k, f.mtime.Format("2006-01-02T15:04:05.000Z"), len(f.objects[k]))
	}
	b.WriteString(`</ListBucketResult>`)

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, b.String())
}

func writeS3Error(w http.ResponseWriter, r *http.Request, status int, code string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>%s</Code><Message>%s</Message><RequestId>req</RequestId></Error>`, code, code)
}

func newTestS3Cloud(t *testing.T, srv *httptest.Server, prefix string) *S3Cloud {
	t.Helper()
	c, err := NewS3Cloud(context.Background(), S3Options{
		Bucket:           "study",
		Prefix:           prefix,
		Region:           "us-east-1",
		Endpoint:         srv.URL,
		AccessKey:        "AKIDEXAMPLE",
		SecretKey:        "secret",
		RetryMaxAttempts: 1,
	})
	if err != nil {
		t.Fatalf("NewS3Cloud() error = %v", err)
	}
	if err := c.SignIn(context.Background()); err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	return c
}

func TestS3Cloud_RoundTrip(t *testing.T) {
	ctx := context.Background()
	fake, srv := newFakeS3(t, "study")
	c := newTestS3Cloud(t, srv, "alice")

	meta, err := c.FindFile(ctx, "studysync-backup.json")
	if err != nil {
		t.Fatalf("FindFile() error = %v", err)
	}
	if meta != nil {
		t.Fatalf("FindFile() = %+v, want nil", meta)
	}

	payload := []byte(`{"subjects":[]}`)
	id, err := c.UploadFile(ctx, bytes.NewReader(payload), int64(len(payload)), "studysync-backup.json", "application/json", "")
	if err != nil {
		t.Fatalf("UploadFile() error = %v", err)
	}
	if id != "studysync-backup.json" {
		t.Errorf("UploadFile() id = %q", id)
	}
	if _, ok := fake.objects["alice/studysync-backup.json"]; !ok {
		t.Errorf("object not stored under prefix; keys = %v", fake.objects)
	}

	meta, err = c.FindFile(ctx, "studysync-backup.json")
	if err != nil {
		t.Fatalf("FindFile() error = %v", err)
	}
	if meta == nil {
		t.Fatal("FindFile() = nil after upload")
	}
	if meta.Size != int64(len(payload)) {
		t.Errorf("Size = %d, want %d", meta.Size, len(payload))
	}
	if !meta.ModifiedTime.Equal(fake.mtime) {
		t.Errorf("ModifiedTime = %v, want %v", meta.ModifiedTime, fake.mtime)
	}

	var buf bytes.Buffer
	if err := c.DownloadFile(ctx, id, &buf); err != nil {
		t.Fatalf("DownloadFile() error = %v", err)
	}
	if buf.String() != string(payload) {
		t.Errorf("DownloadFile() = %q", buf.String())
	}
}

func TestS3Cloud_ListFiles(t *testing.T) {
	ctx := context.Background()
	_, srv := newFakeS3(t, "study")
	c := newTestS3Cloud(t, srv, "")

	for _, name := range []string{"m2", "m1"} {
		if _, err := c.UploadFile(ctx, strings.NewReader("x"), 1, name, "", "materials/ch1"); err != nil {
			t.Fatalf("UploadFile(%s) error = %v", name, err)
		}
	}
	if _, err := c.UploadFile(ctx, strings.NewReader("y"), 1, "m3", "", "materials/ch2"); err != nil {
		t.Fatalf("UploadFile(m3) error = %v", err)
	}

	files, err := c.ListFiles(ctx, "materials/ch1")
	if err != nil {
		t.Fatalf("ListFiles() error = %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("len(ListFiles()) = %d, want 2", len(files))
	}
	if files[0].ID != "materials/ch1/m1" || files[0].Name != "m1" || files[0].Size != 1 {
		t.Errorf("files[0] = %+v", files[0])
	}
}

func TestS3Cloud_AuthFailureSignsOut(t *testing.T) {
	ctx := context.Background()
	fake, srv := newFakeS3(t, "study")
	c := newTestS3Cloud(t, srv, "")

	var signedOut bool
	c.SubscribeAuth(func(s replica.AuthState) { signedOut = !s.Authenticated })

	fake.fail(http.StatusBadRequest, "ExpiredToken")
	err := c.DownloadFile(ctx, "studysync-backup.json", &bytes.Buffer{})
	if !errors.Is(err, replica.ErrUnauthenticated) {
		t.Fatalf("DownloadFile() error = %v, want ErrUnauthenticated", err)
	}
	if !signedOut || c.AuthState().Authenticated {
		t.Error("adapter still authenticated after rejected credentials")
	}

	// Next call goes through sign-in instead of the network.
	if _, err := c.FindFile(ctx, "x"); !errors.Is(err, replica.ErrNotAuthenticated) {
		t.Errorf("FindFile() error = %v, want ErrNotAuthenticated", err)
	}
}

func TestS3Cloud_RemoteError(t *testing.T) {
	ctx := context.Background()
	fake, srv := newFakeS3(t, "study")
	c := newTestS3Cloud(t, srv, "")

	fake.fail(http.StatusForbidden, "AccessDenied")
	err := c.DownloadFile(ctx, "studysync-backup.json", &bytes.Buffer{})

	var remote *replica.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("DownloadFile() error = %v, want *RemoteError", err)
	}
	if remote.StatusCode != http.StatusForbidden || remote.Code != "AccessDenied" {
		t.Errorf("RemoteError = %d %q", remote.StatusCode, remote.Code)
	}
	if !c.AuthState().Authenticated {
		t.Error("signed out after a non-auth failure")
	}
}

func TestIsS3AuthFailure(t *testing.T) {
	withStatus := func(status int) error {
		return &awshttp.ResponseError{
			ResponseError: &smithyhttp.ResponseError{
				Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status}},
				Err:      errors.New("request failed"),
			},
		}
	}

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"http 401", withStatus(http.StatusUnauthorized), true},
		{"http 500", withStatus(http.StatusInternalServerError), false},
		{"expired token", &smithy.GenericAPIError{Code: "ExpiredToken"}, true},
		{"bad signature", &smithy.GenericAPIError{Code: "SignatureDoesNotMatch"}, true},
		{"unknown key id", &smithy.GenericAPIError{Code: "InvalidAccessKeyId"}, true},
		{"no such key", &smithy.GenericAPIError{Code: "NoSuchKey"}, false},
		{"converted 401", &replica.RemoteError{StatusCode: 401}, true},
		{"converted throttling", &replica.RemoteError{StatusCode: 503, Code: "SlowDown"}, false},
		{"network", errors.New("connection refused"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isS3AuthFailure(tt.err); got != tt.want {
				t.Errorf("isS3AuthFailure() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestToRemoteError(t *testing.T) {
	t.Run("transport errors pass through", func(t *testing.T) {
		err := errors.New("dial tcp: refused")
		if got := toRemoteError(err); got != err {
			t.Errorf("toRemoteError() = %v, want original", got)
		}
	})

	t.Run("api errors carry code and message", func(t *testing.T) {
		err := toRemoteError(&smithy.GenericAPIError{Code: "SlowDown", Message: "reduce rate"})
		var remote *replica.RemoteError
		if !errors.As(err, &remote) {
			t.Fatalf("toRemoteError() = %T, want *RemoteError", err)
		}
		if remote.Code != "SlowDown" || remote.Message != "reduce rate" {
			t.Errorf("RemoteError = %+v", remote)
		}
	})
}
