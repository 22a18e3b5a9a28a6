package billing

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

const catalogCacheSize = 256

// Catalog caches price-id to product lookups. The products table is
// effectively read-only at runtime, so entries never need invalidation;
// unresolvable lookups are not cached, letting catalog fixes take effect on
// the next retry.
type Catalog struct {
	store Store
	cache *lru.Cache[string, *Product]
}

// NewCatalog creates a price-lookup catalog over the billing store.
func NewCatalog(store Store) (*Catalog, error) {
	cache, err := lru.New[string, *Product](catalogCacheSize)
	if err != nil {
		return nil, err
	}
	return &Catalog{store: store, cache: cache}, nil
}

// ProductByPriceID resolves a product from its external price id, serving
// repeat lookups from the in-process cache.
func (c *Catalog) ProductByPriceID(ctx context.Context, priceID string) (*Product, error) {
	if product, ok := c.cache.Get(priceID); ok {
		return product, nil
	}
	product, err := c.store.ProductByPriceID(ctx, priceID)
	if err != nil {
		return nil, err
	}
	c.cache.Add(priceID, product)
	return product, nil
}
