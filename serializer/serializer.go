// Package serializer encodes and decodes cache payloads into a typed envelope
// so the codec used at write time is recoverable at read time, replacing the
// dynamic-typing-of-cache-values pattern flagged in spec.md's design notes.
//
// The codec set and the marshal/unmarshal fast paths for raw bytes and
// strings are grounded on dcache's Client.marshal/unmarshal (cache.go), which
// in turn credits go-redis/cache/v8; this package generalizes that pair into
// a small registry so additional codecs (msgpack, JSON) can be selected per
// value instead of being hardcoded.
package serializer

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// CodecID identifies the codec used to produce an Envelope's Bytes, so a
// reader never has to guess how a payload was encoded.
type CodecID uint8

const (
	// CodecRaw stores []byte/string values verbatim, no transcoding.
	CodecRaw CodecID = iota
	// CodecMsgpack uses github.com/vmihailenco/msgpack/v5, the teacher's
	// wire format of choice for structured values.
	CodecMsgpack
	// CodecJSON is offered for values that must remain human-inspectable
	// (e.g. debug tooling reading raw file-engine payloads).
	CodecJSON
)

// Envelope is the typed payload wrapper persisted by the file engine: the codec
// id travels with the bytes so Decode never needs out-of-band knowledge of
// how a value was written.
type Envelope struct {
	CodecID CodecID `msgpack:"c"`
	Bytes   []byte  `msgpack:"b"`
}

// Marshal wraps dcache's marshal() fast paths (nil/[]byte/string bypass any
// codec) and otherwise falls back to msgpack, mirroring the teacher's
// behavior exactly.
func Marshal(value any) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	}
	b, err := msgpack.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("serializer: msgpack marshal: %w", err)
	}
	return b, nil
}

// Unmarshal mirrors dcache's unmarshal(): []byte/string targets are filled
// without invoking a codec, everything else goes through msgpack.
func Unmarshal(b []byte, target any) error {
	if len(b) == 0 {
		return nil
	}
	switch v := target.(type) {
	case nil:
		return fmt.Errorf("serializer: nil target")
	case *[]byte:
		clone := make([]byte, len(b))
		copy(clone, b)
		*v = clone
		return nil
	case *string:
		*v = string(b)
		return nil
	}
	if err := msgpack.Unmarshal(b, target); err != nil {
		return fmt.Errorf("serializer: msgpack unmarshal: %w", err)
	}
	return nil
}

// Codec is the interface a registry entry implements.
type Codec interface {
	ID() CodecID
	Encode(value any) ([]byte, error)
	Decode(data []byte, target any) error
}

type msgpackCodec struct{}

func (msgpackCodec) ID() CodecID { return CodecMsgpack }
func (msgpackCodec) Encode(value any) ([]byte, error) {
	b, err := msgpack.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("serializer: msgpack encode: %w", err)
	}
	return b, nil
}
func (msgpackCodec) Decode(data []byte, target any) error {
	if err := msgpack.Unmarshal(data, target); err != nil {
		return fmt.Errorf("serializer: msgpack decode: %w", err)
	}
	return nil
}

type jsonCodec struct{}

func (jsonCodec) ID() CodecID { return CodecJSON }
func (jsonCodec) Encode(value any) ([]byte, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("serializer: json encode: %w", err)
	}
	return b, nil
}
func (jsonCodec) Decode(data []byte, target any) error {
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("serializer: json decode: %w", err)
	}
	return nil
}

type rawCodec struct{}

func (rawCodec) ID() CodecID { return CodecRaw }
func (rawCodec) Encode(value any) ([]byte, error) {
	return Marshal(value)
}
func (rawCodec) Decode(data []byte, target any) error {
	return Unmarshal(data, target)
}

// Registry selects a codec per value and can re-decode any Envelope produced
// by one of its own codecs.
type Registry struct {
	codecs  map[CodecID]Codec
	defaultCodec CodecID
}

// NewRegistry builds the default registry: raw passthrough for []byte/string,
// msgpack for everything else (the "best codec per value" policy from §2).
func NewRegistry() *Registry {
	r := &Registry{
		codecs:   map[CodecID]Codec{},
		defaultCodec: CodecMsgpack,
	}
	r.Register(rawCodec{})
	r.Register(msgpackCodec{})
	r.Register(jsonCodec{})
	return r
}

// Register adds or replaces a codec by its id.
func (r *Registry) Register(c Codec) {
	r.codecs[c.ID()] = c
}

// Encode picks CodecRaw for []byte/string/nil and the registry's default
// codec otherwise, returning a self-describing Envelope.
func (r *Registry) Encode(value any) (Envelope, error) {
	switch value.(type) {
	case nil, []byte, string:
		b, err := r.codecs[CodecRaw].Encode(value)
		if err != nil {
			return Envelope{}, err
		}
		return Envelope{CodecID: CodecRaw, Bytes: b}, nil
	}
	codec, ok := r.codecs[r.defaultCodec]
	if !ok {
		return Envelope{}, fmt.Errorf("serializer: no codec registered for default id %d", r.defaultCodec)
	}
	b, err := codec.Encode(value)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{CodecID: r.defaultCodec, Bytes: b}, nil
}

// Decode dispatches to the codec recorded in the envelope, so callers never
// need to know which codec a value was written with.
func (r *Registry) Decode(e Envelope, target any) error {
	codec, ok := r.codecs[e.CodecID]
	if !ok {
		return fmt.Errorf("serializer: unknown codec id %d", e.CodecID)
	}
	return codec.Decode(e.Bytes, target)
}

// EncodeEnvelope serializes an Envelope itself to bytes (for on-wire/on-disk
// storage), using msgpack as the teacher does for ValueBytesExpiredAt.
func EncodeEnvelope(e Envelope) ([]byte, error) {
	b, err := msgpack.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("serializer: envelope encode: %w", err)
	}
	return b, nil
}

// DecodeEnvelope parses bytes produced by EncodeEnvelope.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("serializer: envelope decode: %w", err)
	}
	return e, nil
}
