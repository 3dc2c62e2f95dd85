// Package bencode implements BitTorrent's bencode grammar: integers, byte
// strings, lists, and ordered dictionaries.
//
// Grammar: i<digits>e, <len>:<bytes>, l<value>*e, d(<bytestr><value>)*e.
// Dictionary keys are emitted in lexicographic byte order regardless of the
// order in which they were decoded, which is what makes an infohash stable
// across re-encodes.
package bencode

import (
	"bytes"
	"sort"
	"strconv"
)

// Kind tags the variant held by a Value.
type Kind int

const (
	KindInt Kind = iota
	KindString
	KindList
	KindDict
)

// Entry is one key/value pair of a dictionary, in the order it was decoded.
type Entry struct {
	Key []byte
	Val Value

	// span marks the byte range of Val in the buffer it was decoded from,
	// [start, end). Zero value for Values built programmatically.
	span [2]int
}

// Value is a tagged bencode value. Only the field matching Kind is
// meaningful.
type Value struct {
	Kind Kind
	Int  int64
	Str  []byte
	List []Value
	Dict []Entry
}

// Int64 builds an integer Value.
func Int64(n int64) Value { return Value{Kind: KindInt, Int: n} }

// Bytes builds a byte-string Value.
func Bytes(b []byte) Value { return Value{Kind: KindString, Str: b} }

// String builds a byte-string Value from text.
func String(s string) Value { return Value{Kind: KindString, Str: []byte(s)} }

// List builds a list Value.
func List(items ...Value) Value { return Value{Kind: KindList, List: items} }

// Dict builds a dictionary Value from entries in any order; Encode sorts them.
func Dict(entries ...Entry) Value { return Value{Kind: KindDict, Dict: entries} }

// Get returns the value for key in a dictionary Value, if present.
func (v Value) Get(key string) (Value, bool) {
	if v.Kind != KindDict {
		return Value{}, false
	}
	for _, e := range v.Dict {
		if string(e.Key) == key {
			return e.Val, true
		}
	}
	return Value{}, false
}

// GetString is a convenience for Get followed by a byte-string type check.
func (v Value) GetString(key string) ([]byte, bool) {
	val, ok := v.Get(key)
	if !ok || val.Kind != KindString {
		return nil, false
	}
	return val.Str, true
}

// GetInt is a convenience for Get followed by an integer type check.
func (v Value) GetInt(key string) (int64, bool) {
	val, ok := v.Get(key)
	if !ok || val.Kind != KindInt {
		return 0, false
	}
	return val.Int, true
}

// Equal compares two Values structurally. Dictionary comparison ignores key
// order (bencode dictionaries are maps; only the wire encoding imposes an
// order), list comparison is order-sensitive.
func Equal(a, b Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindInt:
		return a.Int == b.Int
	case KindString:
		return bytes.Equal(a.Str, b.Str)
	case KindList:
		if len(a.List) != len(b.List) {
			return false
		}
		for i := range a.List {
			if !Equal(a.List[i], b.List[i]) {
				return false
			}
		}
		return true
	case KindDict:
		if len(a.Dict) != len(b.Dict) {
			return false
		}
		for _, ea := range a.Dict {
			bv, ok := b.Get(string(ea.Key))
			if !ok || !Equal(ea.Val, bv) {
				return false
			}
		}
		return true
	}
	return false
}

// Decode parses one bencode value starting at offset and returns it along
// with the offset of the first byte after it.
func Decode(data []byte, offset int) (Value, int, error) {
	if offset >= len(data) {
		return Value{}, offset, &DecodeError{Kind: ErrMalformedPrefix, Offset: offset}
	}

	switch data[offset] {
	case 'i':
		return decodeInt(data, offset)
	case 'l':
		return decodeList(data, offset)
	case 'd':
		return decodeDict(data, offset)
	default:
		if data[offset] >= '0' && data[offset] <= '9' {
			return decodeString(data, offset)
		}
		return Value{}, offset, &DecodeError{Kind: ErrMalformedPrefix, Offset: offset}
	}
}

func decodeInt(data []byte, offset int) (Value, int, error) {
	end := bytes.IndexByte(data[offset:], 'e')
	if end < 0 {
		return Value{}, offset, &DecodeError{Kind: ErrMissingTerminator, Offset: offset}
	}
	end += offset

	digits := data[offset+1 : end]
	if len(digits) == 0 {
		return Value{}, offset, &DecodeError{Kind: ErrMalformedPrefix, Offset: offset}
	}

	// The corpus accepts leading zeros and "-0" even though a conformant
	// encoder never emits them; strconv.ParseInt is already lenient about
	// leading zeros, so no extra massaging is needed to match that behavior.
	n, err := strconv.ParseInt(string(digits), 10, 64)
	if err != nil {
		return Value{}, offset, &DecodeError{Kind: ErrMalformedPrefix, Offset: offset}
	}

	return Int64(n), end + 1, nil
}

func decodeString(data []byte, offset int) (Value, int, error) {
	colon := bytes.IndexByte(data[offset:], ':')
	if colon < 0 {
		return Value{}, offset, &DecodeError{Kind: ErrMissingColon, Offset: offset}
	}
	colon += offset

	length, err := strconv.Atoi(string(data[offset:colon]))
	if err != nil || length < 0 {
		return Value{}, offset, &DecodeError{Kind: ErrMalformedPrefix, Offset: offset}
	}

	start := colon + 1
	end := start + length
	if end > len(data) {
		return Value{}, offset, &DecodeError{Kind: ErrLengthOverrun, Offset: offset}
	}

	return Bytes(data[start:end]), end, nil
}

func decodeList(data []byte, offset int) (Value, int, error) {
	i := offset + 1
	var items []Value

	for {
		if i >= len(data) {
			return Value{}, offset, &DecodeError{Kind: ErrMissingTerminator, Offset: offset}
		}
		if data[i] == 'e' {
			i++
			break
		}

		val, ni, err := Decode(data, i)
		if err != nil {
			return Value{}, offset, err
		}
		items = append(items, val)
		i = ni
	}

	return List(items...), i, nil
}

func decodeDict(data []byte, offset int) (Value, int, error) {
	i := offset + 1
	var entries []Entry

	for {
		if i >= len(data) {
			return Value{}, offset, &DecodeError{Kind: ErrMissingTerminator, Offset: offset}
		}
		if data[i] == 'e' {
			i++
			break
		}

		keyVal, ni, err := decodeString(data, i)
		if err != nil {
			return Value{}, offset, err
		}
		i = ni

		valStart := i
		val, ni2, err := Decode(data, i)
		if err != nil {
			return Value{}, offset, err
		}
		i = ni2

		entries = append(entries, Entry{Key: keyVal.Str, Val: val, span: [2]int{valStart, ni2}})
	}

	return Value{Kind: KindDict, Dict: entries}, i, nil
}

// RawSpan returns the exact bytes a dictionary's value for key occupied in
// the buffer it was decoded from. It is only meaningful on a Value produced
// by Decode (programmatically built Values have no span) and underlies
// infohash computation: re-encoding the info sub-map can silently diverge
// from the bytes a peer actually sent if the encoder reorders keys
// differently than the sender did; slicing the original bytes cannot.
func RawSpan(data []byte, v Value, key string) ([]byte, bool) {
	if v.Kind != KindDict {
		return nil, false
	}
	for _, e := range v.Dict {
		if string(e.Key) == key {
			if e.span[1] == 0 && e.span[0] == 0 {
				return nil, false
			}
			return data[e.span[0]:e.span[1]], true
		}
	}
	return nil, false
}

// Encode appends the bencoded form of v to buf and returns the result.
// Dictionary keys are always sorted lexicographically before emission,
// which is what lets encode(decode(encode(M))) reproduce encode(M)
// byte-for-byte.
func Encode(buf []byte, v Value) []byte {
	switch v.Kind {
	case KindInt:
		buf = append(buf, 'i')
		buf = strconv.AppendInt(buf, v.Int, 10)
		buf = append(buf, 'e')
	case KindString:
		buf = strconv.AppendInt(buf, int64(len(v.Str)), 10)
		buf = append(buf, ':')
		buf = append(buf, v.Str...)
	case KindList:
		buf = append(buf, 'l')
		for _, item := range v.List {
			buf = Encode(buf, item)
		}
		buf = append(buf, 'e')
	case KindDict:
		entries := make([]Entry, len(v.Dict))
		copy(entries, v.Dict)
		sort.Slice(entries, func(i, j int) bool {
			return bytes.Compare(entries[i].Key, entries[j].Key) < 0
		})
		buf = append(buf, 'd')
		for _, e := range entries {
			buf = Encode(buf, Bytes(e.Key))
			buf = Encode(buf, e.Val)
		}
		buf = append(buf, 'e')
	}
	return buf
}

// Marshal is Encode into a freshly allocated slice.
func Marshal(v Value) []byte {
	return Encode(nil, v)
}
