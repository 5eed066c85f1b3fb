package search

import (
	"context"
)

// Kind is the capability a search exercises; it doubles as the cache
// dimension and the scope suffix checked by the gate.
type Kind string

const (
	KindUsername Kind = "username"
	KindEmail    Kind = "email"
	KindPhone    Kind = "phone"
)

var Kinds = []Kind{KindUsername, KindEmail, KindPhone}

func ValidKind(k string) bool {
	for _, known := range Kinds {
		if k == string(known) {
			return true
		}
	}
	return false
}

// Result is the backend's answer. Payload is the raw response body, stored
// verbatim in the result cache.
type Result struct {
	Payload   []byte
	Count     int
	LatencyMs int64
}

// Backend performs the external billable operation.
type Backend interface {
	Search(ctx context.Context, query string, kind Kind) (*Result, error)
}
