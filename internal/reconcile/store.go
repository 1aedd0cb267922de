package reconcile

import (
	"context"

	"github.com/agentworkforce/leavelink/internal/notion"
)

// Store is the slice of the table store the engine needs. notion.Client and
// notion.MemoryStore both satisfy it.
type Store interface {
	Querier
	Updater
	RetrieveDatabase(ctx context.Context, databaseID string) (notion.Schema, error)
}

type Querier interface {
	QueryDatabase(ctx context.Context, databaseID string, req notion.QueryRequest) (notion.QueryResult, error)
}

type Updater interface {
	UpdatePage(ctx context.Context, pageID string, props map[string]notion.Property) error
}
