// Package canonicaljson implements the deterministic, sorted-key JSON
// encoding the ingest pipeline signs and verifies LocationFix payloads
// against. It deliberately does not lean on encoding/json's map-key
// ordering (an implementation detail of the host serializer); every
// object level is sorted and re-emitted explicitly so the wire format
// is stable across Go versions and across whatever language produced
// the original signature on the device.
package canonicaljson

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Encode walks v (maps, slices, and JSON scalars as produced by
// json.Unmarshal with UseNumber) and returns the canonical form: object
// keys sorted ascending byte-wise, no insignificant whitespace.
func Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeWithout decodes raw (a JSON object) and re-encodes it
// canonically with the given top-level keys removed — used to exclude
// the "sig" field before recomputing the HMAC.
func EncodeWithout(raw []byte, omit ...string) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]interface{}
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("canonicaljson: decode: %w", err)
	}
	for _, k := range omit {
		delete(m, k)
	}
	return Encode(m)
}

func encodeValue(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case map[string]interface{}:
		return encodeObject(buf, t)
	case []interface{}:
		return encodeArray(buf, t)
	case json.Number:
		buf.WriteString(t.String())
		return nil
	case string, bool, float64, int, int64:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("canonicaljson: marshal scalar: %w", err)
		}
		buf.Write(b)
		return nil
	default:
		// Fall back to the standard marshaler for any other concrete
		// type (e.g. a typed struct passed in directly by a caller);
		// this only ever recurses into scalars because struct fields
		// are not a supported canonicalisation input — callers pass a
		// map built via json.Unmarshal.
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("canonicaljson: marshal fallback: %w", err)
		}
		buf.Write(b)
		return nil
	}
}

func encodeObject(buf *bytes.Buffer, m map[string]interface{}) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return fmt.Errorf("canonicaljson: marshal key: %w", err)
		}
		buf.Write(kb)
		buf.WriteByte(':')
		if err := encodeValue(buf, m[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func encodeArray(buf *bytes.Buffer, a []interface{}) error {
	buf.WriteByte('[')
	for i, v := range a {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeValue(buf, v); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}
