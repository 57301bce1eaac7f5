package shmdict

import "time"

// SetNowFunc overrides the cache's time source. Test-only.
func SetNowFunc(c *Cache, fn func() time.Time) {
	c.now = fn
}

// EncodeMapping exposes the codec for round-trip tests. Test-only.
func EncodeMapping(m map[string]Value) ([]byte, error) {
	return encodeMapping(m)
}

// DecodeMapping exposes the codec for round-trip tests. Test-only.
func DecodeMapping(data []byte) (map[string]Value, error) {
	return decodeMapping(data)
}
