package replica_test

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"studysync/internal/replica"
	"studysync/internal/store"
	"studysync/internal/testutil"
)

type fixture struct {
	store *store.SQLiteStore
	cloud *testutil.FakeCloud
	state *store.MemorySyncState
	clock *testutil.StubClock
	sched *testutil.ManualScheduler
	orch  *replica.Orchestrator
}

func newFixture(t *testing.T, opts ...func(*replica.Options)) *fixture {
	t.Helper()

	f := &fixture{
		store: testutil.NewTestStore(t),
		state: store.NewMemorySyncState(),
		clock: testutil.FixedClock(),
		sched: testutil.NewManualScheduler(),
	}
	f.cloud = testutil.NewFakeCloud(f.clock)

	o := replica.Options{
		Clock:     f.clock,
		Scheduler: f.sched,
		History:   f.store,
	}
	for _, opt := range opts {
		opt(&o)
	}
	f.orch = replica.NewOrchestrator(f.store, f.cloud, f.state, o)
	return f
}

func putRecord(t *testing.T, s replica.LocalStore, coll replica.Collection, key string, v any) {
	t.Helper()
	value, err := replica.EncodeRecord(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set(context.Background(), coll, key, value); err != nil {
		t.Fatalf("Set(%s/%s) error = %v", coll, key, err)
	}
}

func subject(id string, modified time.Time) replica.Subject {
	return replica.Subject{
		SyncableRecord: replica.SyncableRecord{
			ID:           id,
			Name:         "Subject " + id,
			CreatedAt:    modified.UnixMilli(),
			LastModified: modified.UnixMilli(),
		},
		Categories: []string{"core"},
	}
}

func binaryMaterial(id, chapterID string, data []byte, status replica.SyncStatus) replica.Material {
	return replica.Material{
		SyncableRecord: replica.SyncableRecord{
			ID:           id,
			Name:         id + ".pdf",
			CreatedAt:    1,
			LastModified: 1,
			SyncStatus:   status,
		},
		ChapterID: chapterID,
		Type:      replica.MaterialPDF,
		Content: &replica.MaterialContent{
			Kind:     replica.ContentBinary,
			MimeType: "application/pdf",
			Data:     data,
		},
	}
}

func getMaterial(t *testing.T, s replica.LocalStore, id string) *replica.Material {
	t.Helper()
	raw, err := s.Get(context.Background(), replica.CollectionMaterials, id)
	if err != nil {
		t.Fatalf("Get(material %s) error = %v", id, err)
	}
	if raw == nil {
		t.Fatalf("material %s not found", id)
	}
	m, err := replica.DecodeMaterial(raw)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func subjectIDs(t *testing.T, s replica.LocalStore) []string {
	t.Helper()
	entries, err := s.GetAll(context.Background(), replica.CollectionSubjects)
	if err != nil {
		t.Fatal(err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.Key)
	}
	return ids
}

// seedRemote uploads a snapshot holding the given subjects as the canonical
// backup, stamped with the fixture clock's current time.
func (f *fixture) seedRemote(t *testing.T, subjects ...replica.Subject) []byte {
	t.Helper()
	snap := replica.Snapshot{replica.CollectionSubjects: {}}
	for _, s := range subjects {
		raw, err := replica.EncodeRecord(s)
		if err != nil {
			t.Fatal(err)
		}
		snap[replica.CollectionSubjects] = append(snap[replica.CollectionSubjects], raw)
	}
	data, err := snap.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.cloud.MemoryCloud.UploadFile(context.Background(), bytes.NewReader(data), int64(len(data)),
		replica.DefaultBackupName, "application/json", "")
	if err != nil {
		t.Fatalf("seeding remote: %v", err)
	}
	return data
}

func (f *fixture) remoteSnapshot(t *testing.T) replica.Snapshot {
	t.Helper()
	data := f.cloud.Content(t, replica.DefaultBackupName)
	if data == nil {
		t.Fatal("no remote snapshot")
	}
	snap, err := replica.ParseSnapshot(data)
	if err != nil {
		t.Fatalf("ParseSnapshot() error = %v", err)
	}
	return snap
}

func recordIDs(t *testing.T, records []json.RawMessage) []string {
	t.Helper()
	ids := make([]string, 0, len(records))
	for _, r := range records {
		var rec replica.SyncableRecord
		if err := json.Unmarshal(r, &rec); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, rec.ID)
	}
	return ids
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func bytesReader(s string) *bytes.Reader {
	return bytes.NewReader([]byte(s))
}
