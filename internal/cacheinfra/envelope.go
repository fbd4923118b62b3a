package cacheinfra

import (
	"encoding/binary"
	"time"
)

const (
	envelopeMagic  byte = 0xE7
	envelopeHeader      = 9
)

// Seal prefixes a codec payload with its absolute expiry so that every tier
// can tell a lapsed entry apart from a live one, whatever TTL the tier itself
// applies. A zero expiresAt means the entry never expires.
func Seal(payload []byte, expiresAt time.Time) []byte {
	out := make([]byte, envelopeHeader, envelopeHeader+len(payload))
	out[0] = envelopeMagic
	var stamp int64
	if !expiresAt.IsZero() {
		stamp = expiresAt.UnixMilli()
	}
	binary.BigEndian.PutUint64(out[1:envelopeHeader], uint64(stamp))
	return append(out, payload...)
}

// Open splits a sealed value into its payload and expiry. Values that were
// not written by Seal, such as raw INCRBY counters, return ErrCorruptPayload.
func Open(stored []byte) ([]byte, time.Time, error) {
	if len(stored) < envelopeHeader || stored[0] != envelopeMagic {
		return nil, time.Time{}, ErrCorruptPayload
	}
	stamp := int64(binary.BigEndian.Uint64(stored[1:envelopeHeader]))
	var expiresAt time.Time
	if stamp != 0 {
		expiresAt = time.UnixMilli(stamp)
	}
	return stored[envelopeHeader:], expiresAt, nil
}

// Lapsed reports whether an entry expiring at expiresAt is dead at now.
func Lapsed(expiresAt, now time.Time) bool {
	return !expiresAt.IsZero() && !now.Before(expiresAt)
}
