package getext

import (
	"encoding/json"

	"github.com/goccy/go-yaml"
)

// Encoder serializes request bodies.
type Encoder interface {
	Encode(v any) ([]byte, error)
	ContentType() string
}

// Decoder deserializes response bodies.
type Decoder interface {
	Decode(data []byte, v any) error
}

// Codec is both an Encoder and a Decoder.
type Codec interface {
	Encoder
	Decoder
}

// JSONCodec is the default codec.
type JSONCodec struct{}

func (JSONCodec) Encode(v any) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec) Decode(data []byte, v any) error { return json.Unmarshal(data, v) }

func (JSONCodec) ContentType() string { return "application/json" }

// YAMLCodec encodes and decodes YAML payloads.
type YAMLCodec struct{}

func (YAMLCodec) Encode(v any) ([]byte, error) { return yaml.Marshal(v) }

func (YAMLCodec) Decode(data []byte, v any) error { return yaml.Unmarshal(data, v) }

func (YAMLCodec) ContentType() string { return "application/yaml" }

// CodecDelegate offers a fixed encoder and decoder for requests matched by
// Match (all requests when Match is nil). It implements no other hook.
type CodecDelegate struct {
	NopDelegate
	Encoder Encoder
	Decoder Decoder
	Match   func(req RequestDescriptor) bool
}

var (
	_ EncoderProvider = CodecDelegate{}
	_ DecoderProvider = CodecDelegate{}
)

// NewCodecDelegate returns a CodecDelegate using codec in both directions.
func NewCodecDelegate(codec Codec) CodecDelegate {
	return CodecDelegate{Encoder: codec, Decoder: codec}
}

func (d CodecDelegate) EncoderFor(_ *Client, req RequestDescriptor) Encoder {
	if d.Match != nil && !d.Match(req) {
		return nil
	}
	return d.Encoder
}

func (d CodecDelegate) DecoderFor(_ *Client, req RequestDescriptor) Decoder {
	if d.Match != nil && !d.Match(req) {
		return nil
	}
	return d.Decoder
}
