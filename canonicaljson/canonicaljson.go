// Package canonicaljson implements the Matrix canonical JSON encoding used
// for event hashing and signing: object keys sorted lexicographically by
// their UTF-8 bytes (Unicode code point order), no insignificant
// whitespace, integers in the shortest decimal form (non-integer numbers
// are rejected), and minimal string escaping.
//
// Grounded on original_source/src/events/room_version/v4.rs (UnhashedPdu's
// canonical-then-hash flow) and spec.md §4.1.
package canonicaljson

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Encode returns the canonical JSON encoding of v. v is first round-tripped
// through encoding/json (via Marshal/Unmarshal into interface{}) so that
// struct field tags and omitempty semantics are honoured before
// canonicalisation runs over the resulting generic value.
func Encode(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicaljson: marshal: %w", err)
	}
	return EncodeRaw(raw)
}

// EncodeRaw canonicalises an already-serialized JSON document.
func EncodeRaw(raw []byte) ([]byte, error) {
	var generic interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicaljson: decode: %w", err)
	}
	var buf bytes.Buffer
	if err := writeValue(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeValue(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		return writeNumber(buf, val)
	case string:
		writeString(buf, val)
	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, k)
			buf.WriteByte(':')
			if err := writeValue(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonicaljson: unsupported type %T", v)
	}
	return nil
}

func writeNumber(buf *bytes.Buffer, n json.Number) error {
	i, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		return fmt.Errorf("canonicaljson: %s is not an integer in the int64 range", n.String())
	}
	buf.WriteString(strconv.FormatInt(i, 10))
	return nil
}

// writeString emits a JSON string using the minimal escaping the Matrix spec
// requires: backslash, double quote, and control characters below 0x20; no
// HTML-safety escaping of '<', '>', '&' or unicode line separators.
func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}

// SHA256 returns the URL-safe, unpadded base64 encoding of the SHA-256 sum
// of the canonical encoding of v.
func SHA256(v interface{}) (string, error) {
	canon, err := Encode(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// SHA256Raw is SHA256 over an already-canonicalised byte string.
func SHA256Raw(canon []byte) string {
	sum := sha256.Sum256(canon)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
