package notion

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// seedDocument is a snapshot of one or more databases in the API's own shapes:
// each entry is a database object with an extra "pages" array of page objects.
type seedDocument struct {
	Databases []json.RawMessage `json:"databases"`
}

type seedPages struct {
	Pages []json.RawMessage `json:"pages"`
}

// LoadMemoryStore builds a MemoryStore from a seed document. Pages belong to
// the database they are listed under.
func LoadMemoryStore(r io.Reader) (*MemoryStore, error) {
	var doc seedDocument
	dec := json.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	store := NewMemoryStore()
	for i, raw := range doc.Databases {
		schema, err := DecodeSchema(raw)
		if err != nil {
			return nil, fmt.Errorf("seed database %d: %w", i, err)
		}
		if schema.ID == "" {
			return nil, fmt.Errorf("%w: seed database %d has no id", ErrInvalidInput, i)
		}
		store.AddDatabase(schema)

		var pages seedPages
		if err := json.Unmarshal(raw, &pages); err != nil {
			return nil, fmt.Errorf("seed database %s: %w", schema.ID, err)
		}
		for _, rawPage := range pages.Pages {
			rec, err := DecodeRecord(rawPage)
			if err != nil {
				return nil, fmt.Errorf("seed database %s: %w", schema.ID, err)
			}
			if err := store.AddRecord(schema.ID, rec); err != nil {
				return nil, fmt.Errorf("seed database %s: %w", schema.ID, err)
			}
		}
	}
	return store, nil
}

// OpenSeedFile loads a seed document from path. Changes made through the
// returned store are not written back.
func OpenSeedFile(path string) (*MemoryStore, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	store, err := LoadMemoryStore(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return store, nil
}
