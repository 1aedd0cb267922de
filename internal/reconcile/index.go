package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentworkforce/leavelink/internal/logging"
	"github.com/agentworkforce/leavelink/internal/notion"
	"github.com/agentworkforce/leavelink/internal/retry"
)

// ErrIndexIncomplete means the counterpart table could not be read in full.
// A partial index would mis-match every later record, so the run stops.
var ErrIndexIncomplete = errors.New("employee index incomplete")

type IndexOptions struct {
	PageSize int
	Retry    retry.Policy
	Observer Observer
}

// Collision records two counterpart records sharing a key. Winner is the
// record encountered later, which the index keeps.
type Collision struct {
	Key    string `json:"key"`
	Loser  string `json:"loser"`
	Winner string `json:"winner"`
}

// Index maps canonical keys to counterpart record IDs.
type Index struct {
	entries    map[string]string
	collisions []Collision
	missing    []string
	scanned    int
}

func newIndex() *Index {
	return &Index{entries: map[string]string{}}
}

func (i *Index) Lookup(key string) (string, bool) {
	if i == nil || key == "" {
		return "", false
	}
	id, ok := i.entries[key]
	return id, ok
}

func (i *Index) Len() int {
	if i == nil {
		return 0
	}
	return len(i.entries)
}

func (i *Index) Collisions() []Collision {
	return append([]Collision(nil), i.collisions...)
}

// Missing lists records without a usable key, in scan order.
func (i *Index) Missing() []string {
	return append([]string(nil), i.missing...)
}

func (i *Index) Scanned() int {
	return i.scanned
}

// Insert adds a key. It reports the collision, if any, that the insert caused.
func (i *Index) Insert(key, recordID string) (Collision, bool) {
	prev, exists := i.entries[key]
	i.entries[key] = recordID
	if !exists || prev == recordID {
		return Collision{}, false
	}
	c := Collision{Key: key, Loser: prev, Winner: recordID}
	i.collisions = append(i.collisions, c)
	return c, true
}

// BuildIndex scans every record of databaseID and indexes the normalized
// value of field.
func BuildIndex(ctx context.Context, store Querier, databaseID, field string, opts IndexOptions) (*Index, error) {
	log := logging.FromContext(ctx)
	idx := newIndex()
	err := scanDatabase(ctx, store, databaseID, nil, opts.PageSize, opts.Retry, func(rec notion.Record) error {
		idx.scanned++
		key, ok := Extract(rec, field).Key()
		if !ok {
			idx.missing = append(idx.missing, rec.ID)
			log.Debug().Str("database_id", databaseID).Str("record_id", rec.ID).Str("field", field).Msg("record has no usable identifier")
			opts.Observer.emit(Event{Type: EventMissingKey, DatabaseID: databaseID, RecordID: rec.ID, Message: "no usable identifier in " + field})
			return nil
		}
		if c, collided := idx.Insert(key, rec.ID); collided {
			log.Warn().Str("database_id", databaseID).Str("key", key).Str("kept", c.Winner).Str("dropped", c.Loser).Msg("identifier collision")
			opts.Observer.emit(Event{Type: EventKeyCollision, DatabaseID: databaseID, RecordID: c.Winner, Key: key, Message: "replaces " + c.Loser})
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, retry.ErrExhausted) {
			return nil, fmt.Errorf("%w: %s: %w", ErrIndexIncomplete, databaseID, err)
		}
		return nil, fmt.Errorf("index database %s: %w", databaseID, err)
	}
	opts.Observer.emit(Event{Type: EventIndexBuilt, DatabaseID: databaseID,
		Message: fmt.Sprintf("%d keys from %d records, %d collisions, %d without identifier", idx.Len(), idx.scanned, len(idx.collisions), len(idx.missing))})
	return idx, nil
}

// scanDatabase pages through databaseID in store order and calls fn per
// record. Each page request is retried on rate limits.
func scanDatabase(ctx context.Context, store Querier, databaseID string, filter *notion.Filter, pageSize int, policy retry.Policy, fn func(notion.Record) error) error {
	pageSize = clampPageSize(pageSize)
	cursor := ""
	for {
		req := notion.QueryRequest{StartCursor: cursor, PageSize: pageSize, Filter: filter}
		page, err := retry.Do(ctx, policy, func(ctx context.Context) (notion.QueryResult, error) {
			return store.QueryDatabase(ctx, databaseID, req)
		})
		if err != nil {
			return err
		}
		for _, rec := range page.Records {
			if err := fn(rec); err != nil {
				return err
			}
		}
		if !page.HasMore {
			return nil
		}
		if page.NextCursor == "" || page.NextCursor == cursor {
			return fmt.Errorf("database %s: pagination cursor did not advance", databaseID)
		}
		cursor = page.NextCursor
	}
}

func clampPageSize(size int) int {
	if size <= 0 || size > notion.MaxPageSize {
		return notion.MaxPageSize
	}
	return size
}
