package cache

import (
	"bytes"
	"encoding/gob"
	"time"
)

// record is the value layout of key-value backends. Timestamp and bytes
// travel in one value so a reader never sees one without the other.
type record struct {
	CapturedAt int64 // unix nanoseconds
	Bytes      []byte
}

func encodeRecord(ce CacheEntry) ([]byte, error) {
	var buf bytes.Buffer
	rec := record{Bytes: ce.Bytes}
	if !ce.CapturedAt.IsZero() {
		rec.CapturedAt = ce.CapturedAt.UnixNano()
	}
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRecord(key string, b []byte) (CacheEntry, error) {
	var rec record
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&rec); err != nil {
		return CacheEntry{}, err
	}
	ce := CacheEntry{Key: key, Bytes: rec.Bytes}
	if rec.CapturedAt != 0 {
		ce.CapturedAt = time.Unix(0, rec.CapturedAt)
	}
	return ce, nil
}
