package cache

import "github.com/google/uuid"

// DeriveKey returns the cache key for url: a version 5 UUID in the URL
// namespace. It is a pure function of the exact url string, so processes
// agree on keys without talking to each other, and it matches
// uuid.uuid5(uuid.NAMESPACE_URL, url) from Python's standard library.
func DeriveKey(url string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(url)).String()
}
