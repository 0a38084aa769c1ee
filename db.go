package sqgraph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/liliang-cn/sqgraph/pkg/core"
	"github.com/liliang-cn/sqgraph/pkg/embedding"
)

var namespacePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// DB is a registry of namespaces under one data directory. Each namespace is
// opened on first access and owned by exactly one Namespace handle.
type DB struct {
	cfg      Config
	logger   core.Logger
	embedder embedding.Embedder
	closers  []io.Closer

	mu         sync.Mutex
	namespaces map[string]*Namespace
	closed     bool
}

// Option is a functional option for configuring the DB
type Option func(*DB)

// WithEmbedder sets the embedder used by every namespace, overriding
// Config.Embedding.Provider.
func WithEmbedder(e embedding.Embedder) Option {
	return func(db *DB) {
		db.embedder = e
	}
}

// WithLogger sets the logger, overriding Config.Logger
func WithLogger(l core.Logger) Option {
	return func(db *DB) {
		db.logger = l
	}
}

// Open prepares a DB over cfg.DataDir. No namespace is opened yet.
func Open(ctx context.Context, cfg Config, opts ...Option) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, core.WrapError("open", fmt.Errorf("failed to create data dir: %w", err))
	}

	db := &DB{
		cfg:        cfg,
		logger:     cfg.Logger,
		namespaces: make(map[string]*Namespace),
	}
	for _, opt := range opts {
		opt(db)
	}
	if db.logger == nil {
		if cfg.LogLevel == "" {
			db.logger = core.NopLogger()
		} else {
			db.logger = core.NewStdLogger(core.ParseLogLevel(cfg.LogLevel))
		}
	}

	if db.embedder == nil {
		e, closer, err := newEmbedder(ctx, cfg.Embedding, db.logger)
		if err != nil {
			return nil, err
		}
		db.embedder = e
		if closer != nil {
			db.closers = append(db.closers, closer)
		}
	}
	return db, nil
}

// newEmbedder builds the configured provider; remote providers retry
// transient failures. A nil Embedder means embeddings are disabled.
func newEmbedder(ctx context.Context, cfg EmbeddingConfig, logger core.Logger) (embedding.Embedder, io.Closer, error) {
	var (
		e      embedding.Embedder
		closer io.Closer
	)
	switch cfg.Provider {
	case "":
		return nil, nil, nil
	case "hash":
		return embedding.NewHashEmbedder(cfg.Dimensions), nil, nil
	case "openai":
		e = embedding.NewOpenAIEmbedder(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.Dimensions)
	case "gemini":
		g, err := embedding.NewGeminiEmbedder(ctx, cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, nil, core.WrapError("open", err)
		}
		e, closer = g, g
	default:
		return nil, nil, core.ValidationError("open", fmt.Sprintf("unknown embedding provider %q", cfg.Provider))
	}

	r := embedding.NewRetryEmbedder(e, logger)
	if cfg.MaxRetries > 0 {
		r.Config.MaxAttempts = cfg.MaxRetries + 1
	}
	return r, closer, nil
}

// Namespace returns the handle of name, opening <DataDir>/<name>.db and
// creating its tables on first access.
func (db *DB) Namespace(ctx context.Context, name string) (*Namespace, error) {
	if !namespacePattern.MatchString(name) {
		return nil, core.WrapError("namespace", fmt.Errorf("%w %q", ErrInvalidNamespace, name))
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, core.WrapError("namespace", core.ErrStoreClosed)
	}
	if ns, ok := db.namespaces[name]; ok {
		return ns, nil
	}

	ns, err := openNamespace(ctx, db, name)
	if err != nil {
		return nil, err
	}
	db.namespaces[name] = ns
	db.logger.Info("namespace opened", "namespace", name)
	return ns, nil
}

// Namespaces lists every namespace with a database file or an open handle, sorted
func (db *DB) Namespaces() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(db.cfg.DataDir, "*.db"))
	if err != nil {
		return nil, core.WrapError("namespaces", err)
	}
	seen := map[string]bool{}
	for _, f := range files {
		name := strings.TrimSuffix(filepath.Base(f), ".db")
		if namespacePattern.MatchString(name) {
			seen[name] = true
		}
	}
	db.mu.Lock()
	for name := range db.namespaces {
		seen[name] = true
	}
	db.mu.Unlock()

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Close closes every open namespace. Namespace calls fail afterwards.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	open := db.namespaces
	db.namespaces = map[string]*Namespace{}
	db.mu.Unlock()

	var errs []error
	for _, ns := range open {
		if err := ns.close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, c := range db.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
