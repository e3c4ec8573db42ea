// Package jsonx is the codec for every byte of JSON the control plane
// reads or writes. It wraps goccy/go-json so the encoder can be swapped
// in one place.
package jsonx

import (
	"io"

	"github.com/goccy/go-json"
)

// RawMessage is a raw encoded JSON value.
type RawMessage = json.RawMessage

// Marshal encodes v.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// MarshalIndent encodes v with indentation for on-disk files.
func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return json.MarshalIndent(v, prefix, indent)
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// NewEncoder returns a streaming encoder.
func NewEncoder(w io.Writer) *json.Encoder {
	return json.NewEncoder(w)
}

// NewDecoder returns a streaming decoder.
func NewDecoder(r io.Reader) *json.Decoder {
	return json.NewDecoder(r)
}
