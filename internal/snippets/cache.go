// Package snippets caches the collector's snippet catalog and snippet sources.
package snippets

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/metorial/sentinel-runner/internal/log"
	"github.com/metorial/sentinel-runner/internal/models"
)

const catalogKey = "catalog"

// Storage is the durable backing store. Writes must be persisted before they return.
// Loads report a miss as (nil, nil).
type Storage interface {
	LoadCatalog() (*models.Catalog, error)
	SaveCatalog(catalog models.Catalog) error
	LoadSource(name, version string) (*models.SnippetSource, error)
	SaveSource(source models.SnippetSource) error
	Clear() error
}

type CatalogFetcher func(ctx context.Context) (models.Catalog, error)

type SourceFetcher func(ctx context.Context, name, version string) (models.SnippetSource, error)

// Cache guards each key with a single in-flight fetch. Concurrent callers for the same
// key join it; different keys proceed independently.
type Cache struct {
	storage  Storage
	inflight singleflight.Group
	logger   *slog.Logger
}

func NewCache(storage Storage, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = log.Discard()
	}
	return &Cache{storage: storage, logger: logger}
}

// Catalog returns the last persisted catalog, or nil when none exists.
func (c *Cache) Catalog() (*models.Catalog, error) {
	cat, err := c.storage.LoadCatalog()
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	return cat, nil
}

// RefreshCatalog runs fetch and replaces the stored catalog with its result. A failed
// fetch leaves the stored catalog untouched.
func (c *Cache) RefreshCatalog(ctx context.Context, fetch CatalogFetcher) (models.Catalog, error) {
	v, err := c.do(ctx, catalogKey, func(ctx context.Context) (interface{}, error) {
		cat, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.storage.SaveCatalog(cat); err != nil {
			return nil, fmt.Errorf("persist catalog: %w", err)
		}
		c.logger.InfoContext(ctx, "snippet catalog refreshed", slog.Int("snippets", len(cat.Snippets)))
		return cat, nil
	})
	if err != nil {
		return models.Catalog{}, err
	}
	return v.(models.Catalog), nil
}

// Source looks up a stored source without fetching.
func (c *Cache) Source(name, version string) (models.SnippetSource, bool, error) {
	src, err := c.storage.LoadSource(name, version)
	if err != nil {
		return models.SnippetSource{}, false, fmt.Errorf("load source %s@%s: %w", name, version, err)
	}
	if src == nil {
		return models.SnippetSource{}, false, nil
	}
	return *src, true, nil
}

func (c *Cache) PutSource(src models.SnippetSource) error {
	if err := c.storage.SaveSource(src); err != nil {
		return fmt.Errorf("persist source %s@%s: %w", src.Name, src.Version, err)
	}
	return nil
}

// FetchSource returns the stored source or runs exactly one fetch for the key,
// shared by every concurrent caller.
func (c *Cache) FetchSource(ctx context.Context, name, version string, fetch SourceFetcher) (models.SnippetSource, error) {
	if src, ok, err := c.Source(name, version); err != nil || ok {
		return src, err
	}

	v, err := c.do(ctx, sourceKey(name, version), func(ctx context.Context) (interface{}, error) {
		if src, ok, err := c.Source(name, version); err != nil || ok {
			return src, err
		}
		src, err := fetch(ctx, name, version)
		if err != nil {
			return nil, err
		}
		src.Name, src.Version = name, version
		if err := c.PutSource(src); err != nil {
			return nil, err
		}
		return src, nil
	})
	if err != nil {
		return models.SnippetSource{}, err
	}
	return v.(models.SnippetSource), nil
}

// PrefetchSources fetches every missing source of the descriptors, at most limit at a
// time. A non-positive limit means no limit.
func (c *Cache) PrefetchSources(ctx context.Context, descs []models.SnippetDescriptor, fetch SourceFetcher, limit int) error {
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, d := range descs {
		g.Go(func() error {
			_, err := c.FetchSource(gctx, d.Name, d.Version, fetch)
			return err
		})
	}
	return g.Wait()
}

// Clear erases the catalog and every source.
func (c *Cache) Clear() error {
	if err := c.storage.Clear(); err != nil {
		return fmt.Errorf("clear snippet cache: %w", err)
	}
	return nil
}

// do joins the in-flight call for key. The shared fetch is detached from the first
// caller's cancellation so one caller leaving does not fail the others.
func (c *Cache) do(ctx context.Context, key string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.inflight.DoChan(key, func() (interface{}, error) {
		return fn(fetchCtx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}

func sourceKey(name, version string) string {
	return "source:" + name + "@" + version
}
