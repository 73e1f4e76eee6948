package replica

import (
	"encoding/json"
	"fmt"
	"time"
)

// SyncStatus is the sync state of the replica as a whole, or of a single record.
type SyncStatus string

const (
	StatusIdle            SyncStatus = "idle"
	StatusChecking        SyncStatus = "checking"
	StatusSyncingUp       SyncStatus = "syncing_up"
	StatusSyncingDown     SyncStatus = "syncing_down"
	StatusUpToDate        SyncStatus = "up_to_date"
	StatusConflict        SyncStatus = "conflict"
	StatusError           SyncStatus = "error"
	StatusUploadPending   SyncStatus = "upload_pending"
	StatusDownloadPending SyncStatus = "download_pending"
)

// InFlight reports whether s only makes sense while a sync operation is running.
func (s SyncStatus) InFlight() bool {
	return s == StatusChecking || s == StatusSyncingUp || s == StatusSyncingDown
}

// Collection names a partition of the local store.
type Collection string

const (
	CollectionSettings     Collection = "settings"
	CollectionSubjects     Collection = "subjects"
	CollectionChapters     Collection = "chapters"
	CollectionMaterials    Collection = "materials"
	CollectionChatSessions Collection = "chatSessions"
)

// Collections lists every collection in export order.
var Collections = []Collection{
	CollectionSettings,
	CollectionSubjects,
	CollectionChapters,
	CollectionMaterials,
	CollectionChatSessions,
}

// Valid reports whether c is one of the known collections.
func (c Collection) Valid() bool {
	for _, known := range Collections {
		if c == known {
			return true
		}
	}
	return false
}

// SyncableRecord holds the attributes shared by every stored entity.
// Timestamps are milliseconds since the Unix epoch.
type SyncableRecord struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	CreatedAt    int64      `json:"createdAt"`
	LastModified int64      `json:"lastModified"`
	RemoteID     string     `json:"remoteId,omitempty"`
	SyncStatus   SyncStatus `json:"syncStatus,omitempty"`
	Size         int64      `json:"size,omitempty"`
}

// Touch records a local mutation at t. Sync-origin writes must not call it.
func (r *SyncableRecord) Touch(t time.Time) {
	ms := t.UnixMilli()
	if r.CreatedAt == 0 {
		r.CreatedAt = ms
	}
	r.LastModified = ms
}

// Subject is a top-level area of study.
type Subject struct {
	SyncableRecord
	Categories []string `json:"categories"`
}

// Chapter belongs to a Subject. Number orders chapters and may be fractional.
type Chapter struct {
	SyncableRecord
	SubjectID string  `json:"subjectId"`
	Number    float64 `json:"number"`
}

// MaterialType is the kind of a study material.
type MaterialType string

const (
	MaterialFile     MaterialType = "file"
	MaterialPDF      MaterialType = "pdf"
	MaterialText     MaterialType = "text"
	MaterialLink     MaterialType = "link"
	MaterialImage    MaterialType = "image"
	MaterialVideo    MaterialType = "video"
	MaterialAudio    MaterialType = "audio"
	MaterialMarkdown MaterialType = "markdown"
)

// ContentKind distinguishes inline text from binary payloads.
type ContentKind string

const (
	ContentText   ContentKind = "text"
	ContentBinary ContentKind = "binary"
)

// MaterialContent is the body of a material. Data is base64 in JSON.
type MaterialContent struct {
	Kind     ContentKind `json:"kind"`
	Text     string      `json:"text,omitempty"`
	MimeType string      `json:"mimeType,omitempty"`
	Data     []byte      `json:"data,omitempty"`
}

// IsBinary reports whether the content is a binary payload.
func (c *MaterialContent) IsBinary() bool {
	return c != nil && c.Kind == ContentBinary
}

// HasPayload reports whether binary data is present.
func (c *MaterialContent) HasPayload() bool {
	return c.IsBinary() && len(c.Data) > 0
}

// Material is a single piece of study content within a Chapter.
type Material struct {
	SyncableRecord
	ChapterID string           `json:"chapterId"`
	Type      MaterialType     `json:"type"`
	Content   *MaterialContent `json:"content,omitempty"`
	SourceRef string           `json:"sourceRef,omitempty"`
	Progress  int              `json:"progress"`
}

// ChatSession is a stored conversation. The sync core treats it as opaque.
type ChatSession struct {
	SyncableRecord
	Messages json.RawMessage `json:"messages,omitempty"`
}

// DecodeMaterial parses a stored material value.
func DecodeMaterial(raw json.RawMessage) (*Material, error) {
	var m Material
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decoding material: %w", err)
	}
	if m.ID == "" {
		return nil, fmt.Errorf("decoding material: missing id")
	}
	return &m, nil
}

// EncodeRecord marshals any record for storage.
func EncodeRecord(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	return data, nil
}
