// Package host models the collaborators provided by the helpdesk the widget
// runs in: a per-ticket entity association store, a key-value state store
// with wildcard reads, and the UI surface that shows target actions and badges.
package host

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Wildcard ends a state key that reads every key sharing its prefix
const Wildcard = "*"

// AssociationStore links entities (stories) to a ticket under a namespace
type AssociationStore interface {
	SetAssociation(ctx context.Context, namespace, entityID, key string, value any) error
	GetAssociation(ctx context.Context, namespace, entityID, key string, dest any) (bool, error)
	DeleteAssociation(ctx context.Context, namespace, entityID, key string) error
	// ListAssociations returns the keys associated with entityID, sorted
	ListAssociations(ctx context.Context, namespace, entityID string) ([]string, error)
	// CountEntities returns how many entities have key associated in namespace
	CountEntities(ctx context.Context, namespace, key string) (int, error)
}

// StateStore is a key-value store. GetState with a key ending in Wildcard
// returns every entry whose key starts with the part before it.
type StateStore interface {
	GetState(ctx context.Context, key string) ([]StateEntry, error)
	SetState(ctx context.Context, key string, value any) error
	DeleteState(ctx context.Context, key string) (bool, error)
}

// Store combines both persistent host stores
type Store interface {
	AssociationStore
	StateStore
	Close() error
}

// StateEntry is one stored state value
type StateEntry struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

// Decode unmarshals the entry's data into dest
func (e StateEntry) Decode(dest any) error {
	if err := json.Unmarshal(e.Data, dest); err != nil {
		return &StoreError{Type: "decode_error", Message: "failed to decode state value", Err: err, Key: e.Name}
	}
	return nil
}

// IsWildcard reports whether key is a wildcard read and returns its prefix
func IsWildcard(key string) (string, bool) {
	if strings.HasSuffix(key, Wildcard) {
		return strings.TrimSuffix(key, Wildcard), true
	}
	return "", false
}

func encode(key string, value any) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, &StoreError{Type: "encode_error", Message: "failed to encode value", Err: err, Key: key}
	}
	return raw, nil
}

func decode(key string, raw []byte, dest any) error {
	if dest == nil {
		return nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return &StoreError{Type: "decode_error", Message: "failed to decode value", Err: err, Key: key}
	}
	return nil
}

// StoreError represents a host store failure
type StoreError struct {
	Type    string
	Message string
	Err     error
	Key     string
}

func (e *StoreError) Error() string {
	msg := fmt.Sprintf("host store error (%s): %s", e.Type, e.Message)
	if e.Key != "" {
		msg += " [" + e.Key + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
