package cache

import "strings"

// KeyCatalogItem returns the cache key for a catalog item.
func KeyCatalogItem(id string) string {
	return "catalog:item:" + strings.TrimSpace(id)
}

// KeyFeatureState returns the cache key for a feature state record.
func KeyFeatureState(name string) string {
	return "featurestate:" + strings.ToLower(strings.TrimSpace(name))
}
