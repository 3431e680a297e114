package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind discriminates document types within a tenant keyspace
type Kind string

const (
	KindBoard  Kind = "board"
	KindShape  Kind = "shape"
	KindCursor Kind = "cursor"
	KindTenant Kind = "tenant"
)

// keyRangeEnd is the exclusive upper bound suffix for kind range scans.
// U+FFF0 sorts after every character that can appear in an id.
const keyRangeEnd = "￰"

// Key builds the storage key for a document: "<kind>:<id>"
func Key(kind Kind, id string) string {
	return string(kind) + ":" + id
}

// KindRange returns the half-open key interval ["<kind>:", "<kind>:￰")
// covering every document of the given kind.
func KindRange(kind Kind) (start, end string) {
	return string(kind) + ":", string(kind) + ":" + keyRangeEnd
}

// SplitKey splits a storage key into its kind and id parts
func SplitKey(key string) (Kind, string, error) {
	i := strings.IndexByte(key, ':')
	if i <= 0 || i == len(key)-1 {
		return "", "", fmt.Errorf("malformed document key %q", key)
	}
	return Kind(key[:i]), key[i+1:], nil
}

// Document is the untyped envelope every replica stores and replicates.
// Body carries the typed payload (Board, Shape, Cursor or Tenant) as JSON
// with a "kind" tag that must match the key prefix.
type Document struct {
	Key     string          `json:"key"`
	Rev     string          `json:"rev,omitempty"`
	Deleted bool            `json:"deleted,omitempty"`
	Body    json.RawMessage `json:"body,omitempty"`
}

// Kind returns the kind encoded in the document key
func (d *Document) Kind() Kind {
	kind, _, err := SplitKey(d.Key)
	if err != nil {
		return ""
	}
	return kind
}

// decodeBody unmarshals the body into v and validates the kind tag
func (d *Document) decodeBody(want Kind, v interface{}) error {
	var tag struct {
		Kind Kind `json:"kind"`
	}
	if err := json.Unmarshal(d.Body, &tag); err != nil {
		return fmt.Errorf("decode document %s: %w", d.Key, err)
	}
	if tag.Kind != want {
		return fmt.Errorf("document %s: kind tag %q, want %q", d.Key, tag.Kind, want)
	}
	if err := json.Unmarshal(d.Body, v); err != nil {
		return fmt.Errorf("decode document %s: %w", d.Key, err)
	}
	return nil
}

// Board decodes the body as a Board
func (d *Document) Board() (*Board, error) {
	var b Board
	if err := d.decodeBody(KindBoard, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// Shape decodes the body as a Shape
func (d *Document) Shape() (*Shape, error) {
	var s Shape
	if err := d.decodeBody(KindShape, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Cursor decodes the body as a Cursor
func (d *Document) Cursor() (*Cursor, error) {
	var c Cursor
	if err := d.decodeBody(KindCursor, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Tenant decodes the body as a Tenant
func (d *Document) Tenant() (*Tenant, error) {
	var t Tenant
	if err := d.decodeBody(KindTenant, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// NewDocument wraps a typed payload into a document envelope.
// The payload must carry its own kind tag; the key is derived from it.
func NewDocument(key string, payload interface{}) (*Document, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode document %s: %w", key, err)
	}
	return &Document{Key: key, Body: body}, nil
}
