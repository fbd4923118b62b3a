package cacheinfra

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	headerRaw        byte = 0
	headerCompressed byte = 1
)

// ErrCorruptPayload is returned when a payload is too short or carries an
// unknown header byte.
var ErrCorruptPayload = errors.New("cacheinfra: corrupt payload")

// Codec turns values into the byte payloads stored by every tier.
// Payloads are msgpack documents prefixed with a one byte header. When the
// encoded document reaches the compression threshold it is zstd compressed.
type Codec struct {
	threshold int
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
}

// NewCodec creates a codec. A threshold <= 0 disables compression.
func NewCodec(threshold int) (*Codec, error) {
	c := &Codec{threshold: threshold}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	c.decoder = decoder

	if threshold > 0 {
		encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			decoder.Close()
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		c.encoder = encoder
	}

	return c, nil
}

// Marshal encodes value into a tier payload.
func (c *Codec) Marshal(value any) ([]byte, error) {
	doc, err := msgpack.Marshal(value)
	if err != nil {
		return nil, err
	}

	if c.encoder == nil || len(doc) < c.threshold {
		out := make([]byte, 0, len(doc)+1)
		out = append(out, headerRaw)
		return append(out, doc...), nil
	}

	out := make([]byte, 1, len(doc)/2+1)
	out[0] = headerCompressed
	return c.encoder.EncodeAll(doc, out), nil
}

// Unmarshal decodes a tier payload into dst, which must be a pointer.
func (c *Codec) Unmarshal(payload []byte, dst any) error {
	doc, err := c.document(payload)
	if err != nil {
		return err
	}
	return msgpack.Unmarshal(doc, dst)
}

func (c *Codec) document(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, ErrCorruptPayload
	}
	switch payload[0] {
	case headerRaw:
		return payload[1:], nil
	case headerCompressed:
		doc, err := c.decoder.DecodeAll(payload[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("decompress payload: %w", err)
		}
		return doc, nil
	default:
		return nil, ErrCorruptPayload
	}
}

// Close releases the zstd encoder and decoder.
func (c *Codec) Close() {
	if c.encoder != nil {
		_ = c.encoder.Close()
	}
	c.decoder.Close()
}
