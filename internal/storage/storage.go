// Package storage keeps a local store of record and an optional remote
// document store consistent, collection by collection.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRemoteUnavailable wraps every failure of the remote store. It never
	// reaches callers of the read path.
	ErrRemoteUnavailable = errors.New("remote store unavailable")
	ErrUnknownCollection = errors.New("unknown collection")
	ErrNotFound          = errors.New("record not found")
	ErrInvalidRecord     = errors.New("invalid record")
)

// Record is one stored document. Data is the full JSON encoding of the
// entity, id included.
type Record struct {
	ID   string
	Data json.RawMessage
}

// Size is the payload size counted against the remote document limit.
func (r Record) Size() int { return len(r.Data) }

// RecordFromJSON reads the id out of an encoded entity.
func RecordFromJSON(raw json.RawMessage) (Record, error) {
	var head struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if strings.TrimSpace(head.ID) == "" {
		return Record{}, fmt.Errorf("%w: missing id", ErrInvalidRecord)
	}
	return Record{ID: head.ID, Data: raw}, nil
}

// Local is the store of record on this device. Replace must be atomic.
type Local interface {
	List(ctx context.Context, collection string) ([]Record, error)
	Get(ctx context.Context, collection, id string) (Record, bool, error)
	Replace(ctx context.Context, collection string, records []Record) error
	Put(ctx context.Context, collection string, rec Record) error
	Delete(ctx context.Context, collection, id string) error

	Session(ctx context.Context) (string, bool, error)
	SetSession(ctx context.Context, userID string) error
	ClearSession(ctx context.Context) error

	Reset(ctx context.Context) error
	Close() error
}

// Remote is the cloud document store. It mirrors the local collections
// one to one, keyed by record id.
//
//go:generate mockgen -package=storagemock -destination=storagemock/mock_remote.go -source=storage.go Remote
type Remote interface {
	// Fetch returns the whole collection in stored order.
	Fetch(ctx context.Context, collection string) ([]Record, error)
	Get(ctx context.Context, collection, id string) (Record, bool, error)
	// PutBatch upserts records in one transaction. offset is the position
	// of the first record within the full collection.
	PutBatch(ctx context.Context, collection string, offset int, records []Record) error
	// Prune removes every record whose id is not in keep.
	Prune(ctx context.Context, collection string, keep []string) error
	Delete(ctx context.Context, collection, id string) error
	Clear(ctx context.Context, collection string) error
}

func checkRecords(records []Record) error {
	seen := make(map[string]struct{}, len(records))
	for i, r := range records {
		if strings.TrimSpace(r.ID) == "" {
			return fmt.Errorf("%w: record %d has no id", ErrInvalidRecord, i)
		}
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("%w: duplicate id %q", ErrInvalidRecord, r.ID)
		}
		seen[r.ID] = struct{}{}
		if !json.Valid(r.Data) {
			return fmt.Errorf("%w: record %q is not valid JSON", ErrInvalidRecord, r.ID)
		}
	}
	return nil
}
