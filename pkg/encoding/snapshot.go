// Package encoding serializes full replicated-map states for snapshot
// transfer and persistence: avro-framed records compressed with zstd.
package encoding

import (
	"fmt"
	"sort"

	"github.com/klauspost/compress/zstd"
	"github.com/linkedin/goavro/v2"

	"queryreg/pkg/replmap"
)

const snapshotSchema = `{
  "type": "array",
  "items": {
    "type": "record",
    "name": "RawEntry",
    "fields": [
      {"name": "key", "type": "string"},
      {"name": "text", "type": "string"},
      {"name": "rev", "type": "long"},
      {"name": "deleted", "type": "boolean"}
    ]
  }
}`

// SnapshotCodec encodes and decodes replicated-map states. Safe for
// concurrent use.
type SnapshotCodec struct {
	codec *goavro.Codec
	enc   *zstd.Encoder
	dec   *zstd.Decoder
}

func NewSnapshotCodec() (*SnapshotCodec, error) {
	codec, err := goavro.NewCodec(snapshotSchema)
	if err != nil {
		return nil, fmt.Errorf("snapshot schema: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd writer: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	return &SnapshotCodec{codec: codec, enc: enc, dec: dec}, nil
}

// Encode serializes entries to compressed bytes. Entries are written in key
// order so equal states encode identically.
func (c *SnapshotCodec) Encode(entries []replmap.RawEntry) ([]byte, error) {
	sorted := append([]replmap.RawEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	native := make([]any, 0, len(sorted))
	for _, e := range sorted {
		native = append(native, map[string]any{
			"key":     e.Key,
			"text":    e.Text,
			"rev":     int64(e.Rev),
			"deleted": e.Deleted,
		})
	}

	raw, err := c.codec.BinaryFromNative(nil, native)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return c.enc.EncodeAll(raw, nil), nil
}

// Decode reverses Encode.
func (c *SnapshotCodec) Decode(data []byte) ([]replmap.RawEntry, error) {
	raw, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot: %w", err)
	}

	native, _, err := c.codec.NativeFromBinary(raw)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}

	records, ok := native.([]any)
	if !ok {
		return nil, fmt.Errorf("decode snapshot: unexpected payload %T", native)
	}

	entries := make([]replmap.RawEntry, 0, len(records))
	for _, r := range records {
		fields, ok := r.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("decode snapshot: unexpected record %T", r)
		}
		entries = append(entries, replmap.RawEntry{
			Key:     fields["key"].(string),
			Text:    fields["text"].(string),
			Rev:     uint64(fields["rev"].(int64)),
			Deleted: fields["deleted"].(bool),
		})
	}
	return entries, nil
}
