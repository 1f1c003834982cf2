// Package pagination implements opaque keyset cursors for list endpoints.
//
// Listings are ordered by (created_at DESC, id DESC); a cursor names the
// last row of the previous page so the next query can resume strictly
// after it without OFFSET scans.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrBadCursor is returned by Decode for tokens that did not come from
// Encode.
var ErrBadCursor = errors.New("malformed cursor")

// Cursor is the decoded position of the last row on a page.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode packs a row key into an opaque URL-safe token.
func Encode(createdAt time.Time, id string) string {
	raw := strconv.FormatInt(createdAt.UnixNano(), 10) + "|" + id
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// Decode unpacks a token produced by Encode. An empty token decodes to a
// nil cursor, meaning the first page.
func Decode(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrBadCursor
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok {
		return nil, ErrBadCursor
	}
	nanos, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, ErrBadCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: id}, nil
}

// ComputePage trims a result set fetched with limit+1 rows down to limit
// and derives the next-page cursor from the last row kept. keyOf extracts
// the (createdAt, id) sort key of an item.
func ComputePage[T any](items []T, limit int, keyOf func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	createdAt, id := keyOf(items[len(items)-1])
	return items, Encode(createdAt, id), true
}
