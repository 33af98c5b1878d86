// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package record

import (
	"fmt"
	"reflect"

	"github.com/ugorji/go/codec"
)

// handle is the single process-wide codec configuration: every caller
// goes through Encode/Decode below rather than constructing its own
// handle. Canonical CBOR keeps map-key ordering stable, so re-encoding
// a decoded record reproduces the stored bytes. Nested maps decode as
// Body and integers as int64, so a decoded body compares equal to one
// built with those types.
var handle = func() *codec.CborHandle {
	h := &codec.CborHandle{}
	h.Canonical = true
	h.MapType = reflect.TypeOf(Body(nil))
	h.SignedInteger = true
	return h
}()

// Encode serializes r to its on-disk form. Encoding is total: any
// *Record built through this package's constructors encodes without
// error.
func Encode(r *Record) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, handle)
	if err := enc.Encode(r); err != nil {
		return nil, fmt.Errorf("record: encode: %w", err)
	}
	return buf, nil
}

// Decode deserializes the on-disk form produced by Encode. For any
// record r that passes Header.Validate, Decode(Encode(r)) == r
// byte-for-byte.
func Decode(raw []byte) (*Record, error) {
	var r Record
	dec := codec.NewDecoderBytes(raw, handle)
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("record: decode: %w", err)
	}
	return &r, nil
}
