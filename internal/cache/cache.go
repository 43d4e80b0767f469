package cache

// Cache is a key-value cache whose entries expire after a fixed TTL.
type Cache[K comparable, V any] interface {
	// Get returns the value and whether it was present and not expired.
	Get(key K) (V, bool)

	// Set stores the value; it expires one TTL from now.
	Set(key K, value V)

	// Delete removes a key if present.
	Delete(key K)

	// Len returns the number of non-expired entries.
	Len() int

	// PurgeExpired removes expired entries and reports how many were dropped.
	PurgeExpired() int
}
