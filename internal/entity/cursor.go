package entity

import (
	"encoding/base64"
	"encoding/json"
	"hash/fnv"
	"strconv"
)

type cursorDoc struct {
	Offset int    `json:"o"`
	Query  string `json:"q"`
}

func signatureHash(sig string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(sig))
	return strconv.FormatUint(h.Sum64(), 36)
}

// EncodeCursor encodes an offset into the results of the query with the
// given signature as an opaque, URL-safe cursor.
func EncodeCursor(offset int, signature string) string {
	data, _ := json.Marshal(cursorDoc{Offset: offset, Query: signatureHash(signature)})
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeCursor returns the offset stored in cursor. The empty cursor is
// offset zero. Malformed cursors and cursors minted for a different query
// fail with an INVALID_CURSOR StoreError.
func DecodeCursor(cursor, signature string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, &StoreError{Code: ErrorCodeInvalidCursor, Op: "cursor", Err: err}
	}
	var doc cursorDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, &StoreError{Code: ErrorCodeInvalidCursor, Op: "cursor", Err: err}
	}
	if doc.Offset < 0 || doc.Query != signatureHash(signature) {
		return 0, &StoreError{Code: ErrorCodeInvalidCursor, Op: "cursor"}
	}
	return doc.Offset, nil
}
