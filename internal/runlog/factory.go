package runlog

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type ReportStoreFactory func(dsn string) (ReportStore, error)

var reportStoreRegistry = struct {
	mu        sync.RWMutex
	factories map[string]ReportStoreFactory
}{
	factories: map[string]ReportStoreFactory{},
}

// RegisterReportStoreFactory adds or replaces the store used for a DSN scheme.
// Registered schemes take precedence over the built-in ones.
func RegisterReportStoreFactory(scheme string, factory ReportStoreFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	reportStoreRegistry.mu.Lock()
	defer reportStoreRegistry.mu.Unlock()
	reportStoreRegistry.factories[scheme] = factory
}

func lookupReportStoreFactory(scheme string) (ReportStoreFactory, bool) {
	scheme = normalizeScheme(scheme)
	reportStoreRegistry.mu.RLock()
	defer reportStoreRegistry.mu.RUnlock()
	factory, ok := reportStoreRegistry.factories[scheme]
	return factory, ok
}

// BuildReportStoreFromDSN selects a store: memory://, file://path (or a bare
// path), postgres://. An empty DSN gives an in-memory store.
func BuildReportStoreFromDSN(dsn string, history int) (ReportStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryReportStore(history), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupReportStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileReportStore(path, history)
	case "memory", "mem", "inmem":
		return NewInMemoryReportStore(history), nil
	case "postgres", "postgresql":
		return NewPostgresReportStore(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: report store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported report store scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if host := strings.TrimSpace(parsed.Host); host != "" {
		// file://runs/history.json puts the first segment in Host.
		path = host + path
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
