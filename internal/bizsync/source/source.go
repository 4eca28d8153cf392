// Package source fetches raw business records from open-data portals.
package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bizdir/internal/config"
	"github.com/sells-group/bizdir/internal/fetcher"
	"github.com/sells-group/bizdir/internal/resilience"
)

// RawRecord is one source row keyed by the source's own field names.
type RawRecord = map[string]any

// Source kinds.
const (
	KindCSV  = "csv"
	KindCKAN = "ckan"
	KindXLSX = "xlsx"
	KindJSON = "json"
)

const (
	// MaxPageSize is the largest page a CKAN datastore_search returns.
	MaxPageSize = 10000

	defaultCSVTimeout  = 60 * time.Second
	defaultJSONTimeout = 30 * time.Second
)

// Source describes one upstream feed.
type Source struct {
	Name       string
	Kind       string
	URL        string
	Path       string
	Province   string
	ResourceID string
	PageSize   int
	MaxPages   int
	Disabled   bool
}

// FromConfig converts configured sources, applying paging defaults.
func FromConfig(cfgs []config.SourceConfig) []Source {
	out := make([]Source, 0, len(cfgs))
	for _, c := range cfgs {
		s := Source{
			Name:       c.Name,
			Kind:       strings.ToLower(strings.TrimSpace(c.Kind)),
			URL:        c.URL,
			Path:       c.Path,
			Province:   strings.ToUpper(c.Province),
			ResourceID: c.ResourceID,
			PageSize:   c.PageSize,
			MaxPages:   c.MaxPages,
			Disabled:   c.Disabled,
		}
		if s.PageSize <= 0 || s.PageSize > MaxPageSize {
			s.PageSize = MaxPageSize
		}
		if s.MaxPages <= 0 {
			s.MaxPages = 1
		}
		out = append(out, s)
	}
	return out
}

// Location returns the path or URL the source reads from.
func (s Source) Location() string {
	if s.Path != "" {
		return s.Path
	}
	return s.URL
}

// Adapter fetches all records of one kind of source.
type Adapter interface {
	Kind() string
	Fetch(ctx context.Context, src Source) ([]RawRecord, error)
}

// FetchError reports that a source yielded nothing because it failed.
type FetchError struct {
	Source string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("source %s: %v", e.Source, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Options configures the built-in adapters.
type Options struct {
	CSVTimeout  time.Duration
	JSONTimeout time.Duration
	TempDir     string
	Breaker     resilience.CircuitBreakerConfig
}

// Registry dispatches sources to adapters by kind and trips a circuit
// breaker per source name.
type Registry struct {
	adapters map[string]Adapter
	breakers *resilience.Breakers
}

// NewRegistry creates a registry with the CSV, CKAN, XLSX and JSON adapters.
func NewRegistry(f fetcher.Fetcher, opts Options) *Registry {
	if opts.CSVTimeout <= 0 {
		opts.CSVTimeout = defaultCSVTimeout
	}
	if opts.JSONTimeout <= 0 {
		opts.JSONTimeout = defaultJSONTimeout
	}
	r := &Registry{
		adapters: make(map[string]Adapter),
		breakers: resilience.NewBreakers(opts.Breaker),
	}
	r.Register(&CSVAdapter{fetcher: f, timeout: opts.CSVTimeout, tempDir: opts.TempDir})
	r.Register(&CKANAdapter{fetcher: f, timeout: opts.JSONTimeout})
	r.Register(&XLSXAdapter{fetcher: f, timeout: opts.CSVTimeout, tempDir: opts.TempDir})
	r.Register(&JSONAdapter{fetcher: f, timeout: opts.JSONTimeout})
	return r
}

// Register adds or replaces the adapter for its kind.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Kind()] = a
}

// Fetch runs the source's adapter behind its circuit breaker. Any failure
// comes back as a *FetchError.
func (r *Registry) Fetch(ctx context.Context, src Source) ([]RawRecord, error) {
	a, ok := r.adapters[src.Kind]
	if !ok {
		return nil, &FetchError{Source: src.Name, Err: eris.Errorf("unknown source kind %q", src.Kind)}
	}
	records, err := resilience.ExecuteVal(ctx, r.breakers.Get(src.Name), func(ctx context.Context) ([]RawRecord, error) {
		return a.Fetch(ctx, src)
	})
	if err != nil {
		return nil, &FetchError{Source: src.Name, Err: err}
	}
	return records, nil
}

// BreakerStates reports each source's circuit state.
func (r *Registry) BreakerStates() map[string]string {
	out := make(map[string]string)
	for name, st := range r.breakers.States() {
		out[name] = st.String()
	}
	return out
}

// localFile returns a readable path for src, downloading URLs into a
// temporary directory that cleanup removes.
func localFile(ctx context.Context, f fetcher.Fetcher, src Source, tempDir, ext string) (path string, cleanup func(), err error) {
	if src.Path != "" {
		return src.Path, func() {}, nil
	}
	if src.URL == "" {
		return "", nil, eris.New("source has neither path nor url")
	}

	dir, err := os.MkdirTemp(tempDir, "bizdir-src-*")
	if err != nil {
		return "", nil, eris.Wrap(err, "create temp dir")
	}
	cleanup = func() {
		if err := os.RemoveAll(dir); err != nil {
			zap.L().Warn("source: remove temp dir", zap.String("dir", dir), zap.Error(err))
		}
	}

	path = filepath.Join(dir, "download"+ext)
	n, err := f.DownloadToFile(ctx, src.URL, path)
	if err != nil {
		cleanup()
		return "", nil, eris.Wrapf(err, "download %s", src.URL)
	}
	zap.L().Debug("source: downloaded",
		zap.String("source", src.Name),
		zap.String("url", src.URL),
		zap.Int64("bytes", n),
	)
	return path, cleanup, nil
}

func tableRecords(t *fetcher.Table) []RawRecord {
	out := make([]RawRecord, len(t.Records))
	for i, rec := range t.Records {
		raw := make(RawRecord, len(rec))
		for k, v := range rec {
			raw[k] = v
		}
		out[i] = raw
	}
	return out
}
