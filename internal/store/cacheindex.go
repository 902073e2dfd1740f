package store

import (
	"context"

	"github.com/wilke-labs/gowe-engine/internal/cache"
	"github.com/wilke-labs/gowe-engine/pkg/model"
)

// CacheIndex adapts a Store's LookupCache/RecordCache primitives to the
// cache.Index contract, so the call-caching index persists through the same
// SQLite database as every other piece of engine state rather than a
// separate store.
type CacheIndex struct {
	Store Store
}

func (c CacheIndex) Lookup(ctx context.Context, fp model.Fingerprint) (*model.CacheEntry, error) {
	return c.Store.LookupCache(ctx, fp)
}

func (c CacheIndex) Record(ctx context.Context, fp model.Fingerprint, ref model.CallRef) error {
	return c.Store.RecordCache(ctx, fp, ref)
}

var _ cache.Index = CacheIndex{}
