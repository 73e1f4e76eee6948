package replica

import (
	"context"
	"encoding/json"
	"fmt"
)

// Snapshot is a full serialized copy of the local store: collection name to
// the ordered records of that collection. Settings are {key, value} pairs.
type Snapshot map[Collection][]json.RawMessage

// settingEntry is the exported form of a settings value.
type settingEntry struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// ParseSnapshot decodes a snapshot document.
func ParseSnapshot(data []byte) (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
	}
	if snap == nil {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformedSnapshot)
	}
	return snap, nil
}

// Marshal encodes the snapshot as one JSON document.
func (s Snapshot) Marshal() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	return data, nil
}

// Codec turns the local store into a portable Snapshot and back.
type Codec struct {
	store LocalStore
}

// NewCodec creates a Codec over store.
func NewCodec(store LocalStore) *Codec {
	return &Codec{store: store}
}

// Export reads every collection. When stripBinaryContent is true, binary
// material payloads are omitted and only their metadata kept; otherwise they
// are carried base64-encoded so the snapshot is a single JSON document.
func (c *Codec) Export(ctx context.Context, stripBinaryContent bool) (Snapshot, error) {
	snap := make(Snapshot, len(Collections))

	for _, coll := range Collections {
		entries, err := c.store.GetAll(ctx, coll)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", coll, err)
		}

		records := make([]json.RawMessage, 0, len(entries))
		for _, e := range entries {
			rec, err := exportEntry(coll, e, stripBinaryContent)
			if err != nil {
				return nil, fmt.Errorf("exporting %s/%s: %w", coll, e.Key, err)
			}
			records = append(records, rec)
		}
		snap[coll] = records
	}

	return snap, nil
}

func exportEntry(coll Collection, e Entry, strip bool) (json.RawMessage, error) {
	switch coll {
	case CollectionSettings:
		return json.Marshal(settingEntry{Key: e.Key, Value: e.Value})
	case CollectionMaterials:
		m, err := DecodeMaterial(e.Value)
		if err != nil {
			return nil, err
		}
		if strip && m.Content.IsBinary() {
			if m.Size == 0 {
				m.Size = int64(len(m.Content.Data))
			}
			m.Content.Data = nil
		}
		return EncodeRecord(m)
	default:
		return e.Value, nil
	}
}

// Import replaces every collection present in snap with its contents.
// The whole snapshot is validated before anything is cleared, and the store
// emits exactly one change notification for the import.
//
// A material without a binary payload keeps the payload of the local record
// with the same id, if that record had one; otherwise it is marked
// download_pending so its content can be fetched later.
func (c *Codec) Import(ctx context.Context, snap Snapshot) error {
	var prior map[string]*MaterialContent
	if _, ok := snap[CollectionMaterials]; ok {
		var err error
		if prior, err = c.localPayloads(ctx); err != nil {
			return err
		}
	}

	contents := make(map[Collection][]Entry, len(snap))
	for coll, records := range snap {
		if !coll.Valid() {
			return fmt.Errorf("%w: unknown collection %q", ErrMalformedSnapshot, coll)
		}

		entries := make([]Entry, 0, len(records))
		for i, raw := range records {
			e, err := importRecord(coll, raw, prior)
			if err != nil {
				return fmt.Errorf("%w: %s[%d]: %v", ErrMalformedSnapshot, coll, i, err)
			}
			entries = append(entries, e)
		}
		contents[coll] = entries
	}

	if err := c.store.ReplaceCollections(WithOrigin(ctx, OriginSync), contents); err != nil {
		return fmt.Errorf("replacing collections: %w", err)
	}
	return nil
}

func (c *Codec) localPayloads(ctx context.Context) (map[string]*MaterialContent, error) {
	entries, err := c.store.GetAll(ctx, CollectionMaterials)
	if err != nil {
		return nil, fmt.Errorf("reading local materials: %w", err)
	}

	payloads := make(map[string]*MaterialContent)
	for _, e := range entries {
		m, err := DecodeMaterial(e.Value)
		if err != nil {
			// An unreadable local record has no payload worth keeping.
			continue
		}
		if m.Content.HasPayload() {
			payloads[m.ID] = m.Content
		}
	}
	return payloads, nil
}

func importRecord(coll Collection, raw json.RawMessage, prior map[string]*MaterialContent) (Entry, error) {
	switch coll {
	case CollectionSettings:
		var s settingEntry
		if err := json.Unmarshal(raw, &s); err != nil {
			return Entry{}, err
		}
		if s.Key == "" {
			return Entry{}, fmt.Errorf("setting without key")
		}
		if len(s.Value) == 0 {
			s.Value = json.RawMessage("null")
		}
		return Entry{Key: s.Key, Value: s.Value}, nil

	case CollectionMaterials:
		m, err := DecodeMaterial(raw)
		if err != nil {
			return Entry{}, err
		}
		if m.SyncStatus.InFlight() {
			m.SyncStatus = StatusIdle
		}
		if m.Content.IsBinary() && !m.Content.HasPayload() {
			if old, ok := prior[m.ID]; ok {
				m.Content.Data = old.Data
				if m.Content.MimeType == "" {
					m.Content.MimeType = old.MimeType
				}
			} else {
				m.SyncStatus = StatusDownloadPending
			}
		}
		value, err := EncodeRecord(m)
		if err != nil {
			return Entry{}, err
		}
		return Entry{Key: m.ID, Value: value}, nil

	default:
		var rec struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &rec); err != nil {
			return Entry{}, err
		}
		if rec.ID == "" {
			return Entry{}, fmt.Errorf("record without id")
		}
		return Entry{Key: rec.ID, Value: raw}, nil
	}
}
