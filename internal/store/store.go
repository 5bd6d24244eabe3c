// Package store defines the document store the signaling coordinator talks to.
//
// Documents are JSON objects addressed by slash-separated paths
// ("rooms/<id>", "rooms/<id>/callerCandidates/<cid>"). A collection path has
// an odd number of segments, a document path an even number.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound     = errors.New("document not found")
	ErrPrecondition = errors.New("precondition failed")
	ErrInvalidPath  = errors.New("invalid path")
)

// ChangeType is the kind of a collection change.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// Document is one stored JSON object.
type Document struct {
	ID   string          `json:"id"`
	Path string          `json:"path"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the document body into v.
func (d Document) Decode(v any) error {
	if len(d.Data) == 0 {
		return fmt.Errorf("document %s has no data", d.Path)
	}
	return json.Unmarshal(d.Data, v)
}

// Change is a single collection change notification.
type Change struct {
	Type ChangeType `json:"type"`
	Doc  Document   `json:"doc"`
}

// Unsubscribe releases a subscription. Calling it more than once is a no-op.
type Unsubscribe func()

// DocHandler receives the current state of a watched document. exists is
// false once the document is gone (or if it never existed).
type DocHandler func(doc Document, exists bool)

// ChangesHandler receives batches of collection changes.
type ChangesHandler func(changes []Change)

// Fields is a document decoded to its top-level fields.
type Fields map[string]json.RawMessage

// Precondition is evaluated atomically against the current document before
// an update is applied.
type Precondition func(current Fields) error

// Store is the document store contract. Implementations deliver
// notifications asynchronously and in order for each subscription; every
// subscription starts with a snapshot of the current state.
type Store interface {
	Create(ctx context.Context, collection string, data any) (string, error)
	Get(ctx context.Context, path string) (Document, error)
	// Update merges the given top-level fields into an existing document.
	// It never creates a document and returns ErrNotFound if it is missing.
	Update(ctx context.Context, path string, fields map[string]any, conds ...Precondition) error
	Delete(ctx context.Context, path string) error
	List(ctx context.Context, collection string) ([]Document, error)
	Subscribe(ctx context.Context, path string, fn DocHandler) (Unsubscribe, error)
	SubscribeCollection(ctx context.Context, collection string, fn ChangesHandler) (Unsubscribe, error)
}

// FieldAbsent fails the update if the named field is already set.
func FieldAbsent(name string) Precondition {
	return func(current Fields) error {
		if v, ok := current[name]; ok && string(v) != "null" {
			return fmt.Errorf("%w: field %q already set", ErrPrecondition, name)
		}
		return nil
	}
}

// FieldPresent fails the update unless the named field is set.
func FieldPresent(name string) Precondition {
	return func(current Fields) error {
		if v, ok := current[name]; !ok || string(v) == "null" {
			return fmt.Errorf("%w: field %q missing", ErrPrecondition, name)
		}
		return nil
	}
}

// Merge applies fields on top of the current document body, checking conds first.
func Merge(current []byte, fields map[string]any, conds ...Precondition) ([]byte, error) {
	var doc Fields
	if err := json.Unmarshal(current, &doc); err != nil {
		return nil, fmt.Errorf("decode current document: %w", err)
	}
	if doc == nil {
		doc = Fields{}
	}
	for _, cond := range conds {
		if err := cond(doc); err != nil {
			return nil, err
		}
	}
	for name, value := range fields {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode field %q: %w", name, err)
		}
		doc[name] = raw
	}
	return json.Marshal(doc)
}

// SplitDoc splits a document path into its collection and id.
func SplitDoc(path string) (collection, id string, err error) {
	parts := strings.Split(path, "/")
	if len(parts) < 2 || len(parts)%2 != 0 || hasEmpty(parts) {
		return "", "", fmt.Errorf("%w: %q is not a document path", ErrInvalidPath, path)
	}
	return strings.Join(parts[:len(parts)-1], "/"), parts[len(parts)-1], nil
}

// CheckCollection validates a collection path.
func CheckCollection(path string) error {
	parts := strings.Split(path, "/")
	if len(parts)%2 != 1 || hasEmpty(parts) {
		return fmt.Errorf("%w: %q is not a collection path", ErrInvalidPath, path)
	}
	return nil
}

func hasEmpty(parts []string) bool {
	for _, p := range parts {
		if p == "" {
			return true
		}
	}
	return false
}
