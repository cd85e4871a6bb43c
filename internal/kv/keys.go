package kv

import (
	"bytes"
	"fmt"
)

// Key prefixes. Each prefix ends with '|' as a separator.
const (
	PrefixEntity = "e|" // e|{kind}\x00{parent}\x00{id}
)

const sep = '\x00'

// EntityKey returns the storage key for an entity: e|{kind}\x00{parent}\x00{id}
// Root entities (catalog records) use an empty parent.
func EntityKey(kind, parent, id string) []byte {
	k := make([]byte, 0, len(PrefixEntity)+len(kind)+len(parent)+len(id)+2)
	k = append(k, PrefixEntity...)
	k = append(k, kind...)
	k = append(k, sep)
	k = append(k, parent...)
	k = append(k, sep)
	return append(k, id...)
}

// AncestorPrefix returns the scan prefix for every entity of kind under parent:
// e|{kind}\x00{parent}\x00
func AncestorPrefix(kind, parent string) []byte {
	k := append([]byte(PrefixEntity), kind...)
	k = append(k, sep)
	k = append(k, parent...)
	return append(k, sep)
}

// KindPrefix returns the scan prefix for every entity of kind: e|{kind}\x00
func KindPrefix(kind string) []byte {
	k := append([]byte(PrefixEntity), kind...)
	return append(k, sep)
}

// SplitEntityKey is the inverse of EntityKey.
func SplitEntityKey(k []byte) (kind, parent, id string, ok bool) {
	if !bytes.HasPrefix(k, []byte(PrefixEntity)) {
		return "", "", "", false
	}
	parts := bytes.SplitN(k[len(PrefixEntity):], []byte{sep}, 3)
	if len(parts) != 3 {
		return "", "", "", false
	}
	return string(parts[0]), string(parts[1]), string(parts[2]), true
}

// ValidatePart rejects key components that would break the layout.
func ValidatePart(name, v string) error {
	if bytes.IndexByte([]byte(v), sep) >= 0 {
		return fmt.Errorf("%s %q contains a NUL byte", name, v)
	}
	return nil
}

// PrefixUpperBound returns the smallest key greater than every key with the
// given prefix, for use as an exclusive iterator bound.
func PrefixUpperBound(prefix []byte) []byte {
	if len(prefix) == 0 {
		return nil
	}
	b := append([]byte(nil), prefix...)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xFF {
			b[i]++
			return b[:i+1]
		}
	}
	return append(append([]byte(nil), prefix...), bytes.Repeat([]byte{0xFF}, 8)...)
}
