// Package content holds the records this device has published, so that it
// can answer sync requests for them.
package content

import (
	"context"
	"errors"
)

// Record is one published clipboard item. Records are immutable once added.
type Record struct {
	ID          uint64   `json:"id"`
	Types       []string `json:"content_type"`
	Description string   `json:"description"`
	// Payload is served to peers. When nil, the description bytes are served.
	Payload []byte `json:"payload,omitempty"`
}

// Bytes returns what a sync of this record transfers.
func (r Record) Bytes() []byte {
	if r.Payload != nil {
		return r.Payload
	}
	return []byte(r.Description)
}

var ErrInvalidRecord = errors.New("content: record id must be non-zero")

// Store keeps records by id. Add never replaces an existing record: the
// first writer wins and later adds report false.
type Store interface {
	Add(ctx context.Context, rec Record) (bool, error)
	Get(ctx context.Context, id uint64) (Record, bool, error)
	Len(ctx context.Context) (int, error)
	Close() error
}

func clone(r Record) Record {
	r.Types = append([]string(nil), r.Types...)
	if r.Payload != nil {
		r.Payload = append([]byte{}, r.Payload...)
	}
	return r
}
