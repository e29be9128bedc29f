// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package canonicaljson

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"unicode/utf8"
)

const (
	// MaxSafeInteger is the largest integer allowed by strict
	// canonical JSON (2^53 - 1).
	MaxSafeInteger = 1<<53 - 1

	// MinSafeInteger is the smallest integer allowed by strict
	// canonical JSON.
	MinSafeInteger = -(1<<53 - 1)
)

// Parse decodes JSON into the generic value representation with
// numbers preserved as json.Number. The top level must be an object.
// Trailing data after the object is an error.
func Parse(data []byte) (map[string]any, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()

	var value map[string]any
	if err := decoder.Decode(&value); err != nil {
		return nil, fmt.Errorf("canonicaljson: %w", err)
	}
	if value == nil {
		return nil, fmt.Errorf("canonicaljson: top-level value is not an object")
	}
	if decoder.More() {
		return nil, fmt.Errorf("canonicaljson: trailing data after top-level object")
	}
	return value, nil
}

// Marshal encodes v as canonical JSON. Integers outside the safe range
// are permitted (room versions before 6).
func Marshal(v any) ([]byte, error) {
	return marshal(v, false)
}

// MarshalStrict encodes v as canonical JSON and rejects integers outside
// [MinSafeInteger, MaxSafeInteger].
func MarshalStrict(v any) ([]byte, error) {
	return marshal(v, true)
}

// Canonicalize re-encodes arbitrary JSON bytes in canonical form.
func Canonicalize(data []byte) ([]byte, error) {
	value, err := decodeAny(data)
	if err != nil {
		return nil, err
	}
	return marshal(value, false)
}

func marshal(v any, strict bool) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	var buffer bytes.Buffer
	if err := encodeValue(&buffer, normalized, strict); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

// normalize converts values outside the generic representation (typed
// structs, json.RawMessage) into it by a trip through encoding/json.
func normalize(v any) (any, error) {
	switch typed := v.(type) {
	case nil, string, bool, json.Number, map[string]any, []any:
		return v, nil
	case json.RawMessage:
		return decodeAny(typed)
	case []byte:
		return decodeAny(typed)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("canonicaljson: %w", err)
		}
		return decodeAny(data)
	}
}

func decodeAny(data []byte) (any, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, fmt.Errorf("canonicaljson: %w", err)
	}
	return value, nil
}

func encodeValue(buffer *bytes.Buffer, v any, strict bool) error {
	switch typed := v.(type) {
	case nil:
		buffer.WriteString("null")
	case bool:
		if typed {
			buffer.WriteString("true")
		} else {
			buffer.WriteString("false")
		}
	case string:
		return encodeString(buffer, typed)
	case json.Number:
		return encodeNumber(buffer, typed, strict)
	case float64:
		return encodeNumber(buffer, json.Number(strconv.FormatFloat(typed, 'f', -1, 64)), strict)
	case int:
		return encodeNumber(buffer, json.Number(strconv.Itoa(typed)), strict)
	case int64:
		return encodeNumber(buffer, json.Number(strconv.FormatInt(typed, 10)), strict)
	case map[string]any:
		keys := make([]string, 0, len(typed))
		for key := range typed {
			keys = append(keys, key)
		}
		// Go string comparison is bytewise over UTF-8, which orders
		// identically to Unicode code point order.
		sort.Strings(keys)
		buffer.WriteByte('{')
		for i, key := range keys {
			if i > 0 {
				buffer.WriteByte(',')
			}
			if err := encodeString(buffer, key); err != nil {
				return err
			}
			buffer.WriteByte(':')
			if err := encodeValue(buffer, typed[key], strict); err != nil {
				return fmt.Errorf("key %q: %w", key, err)
			}
		}
		buffer.WriteByte('}')
	case []any:
		buffer.WriteByte('[')
		for i, element := range typed {
			if i > 0 {
				buffer.WriteByte(',')
			}
			if err := encodeValue(buffer, element, strict); err != nil {
				return err
			}
		}
		buffer.WriteByte(']')
	default:
		normalized, err := normalize(v)
		if err != nil {
			return err
		}
		return encodeValue(buffer, normalized, strict)
	}
	return nil
}

// encodeNumber writes an integer in its shortest decimal form. Floats,
// exponents and fractional parts are rejected: canonical JSON has no
// representation for them.
func encodeNumber(buffer *bytes.Buffer, number json.Number, strict bool) error {
	text := number.String()
	integer, ok := new(big.Int).SetString(text, 10)
	if !ok {
		// Accept integral values written with an exponent or a zero
		// fraction ("1e3", "2.0"), which some encoders emit.
		float, _, err := big.ParseFloat(text, 10, 256, big.ToNearestEven)
		if err != nil || !float.IsInt() {
			return fmt.Errorf("canonicaljson: number %s is not an integer", text)
		}
		integer, _ = float.Int(nil)
	}
	if strict && (integer.Cmp(big.NewInt(MaxSafeInteger)) > 0 || integer.Cmp(big.NewInt(MinSafeInteger)) < 0) {
		return fmt.Errorf("canonicaljson: integer %s outside the safe range", text)
	}
	buffer.WriteString(integer.String())
	return nil
}

const hexDigits = "0123456789abcdef"

func encodeString(buffer *bytes.Buffer, s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("canonicaljson: string is not valid UTF-8")
	}
	buffer.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			buffer.WriteString(`\"`)
		case '\\':
			buffer.WriteString(`\\`)
		case '\b':
			buffer.WriteString(`\b`)
		case '\f':
			buffer.WriteString(`\f`)
		case '\n':
			buffer.WriteString(`\n`)
		case '\r':
			buffer.WriteString(`\r`)
		case '\t':
			buffer.WriteString(`\t`)
		default:
			if c < 0x20 {
				buffer.WriteString(`\u00`)
				buffer.WriteByte(hexDigits[c>>4])
				buffer.WriteByte(hexDigits[c&0xf])
			} else {
				buffer.WriteByte(c)
			}
		}
	}
	buffer.WriteByte('"')
	return nil
}

// Clone returns a deep copy of a generic JSON object so callers can
// strip or redact fields without mutating a shared value.
func Clone(value map[string]any) map[string]any {
	cloned, _ := cloneValue(value).(map[string]any)
	return cloned
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		cloned := make(map[string]any, len(typed))
		for key, element := range typed {
			cloned[key] = cloneValue(element)
		}
		return cloned
	case []any:
		cloned := make([]any, len(typed))
		for i, element := range typed {
			cloned[i] = cloneValue(element)
		}
		return cloned
	default:
		return v
	}
}
