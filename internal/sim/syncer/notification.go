// Package syncer bridges the in-memory world and the durable store: it
// decodes change notifications and writes flushed batches.
package syncer

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"soundlines.art/internal/persistence/store"
)

// Tables that carry notifications.
const (
	TableEntities  = "entities"
	TableSeeds     = "seeds"
	TableCells     = "cells"
	TableNeighbors = "entity_neighbors"
	TableSpecies   = "settings"
)

const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

var (
	ErrIgnoredChannel = errors.New("syncer: ignored channel")
	ErrMalformed      = errors.New("syncer: malformed notification")
)

type Notification struct {
	Table     string `json:"table"`
	Operation string `json:"operation"`
	ID        int64  `json:"id"`
}

func (n Notification) String() string {
	return fmt.Sprintf("%s %s %d", n.Table, n.Operation, n.ID)
}

//go:embed notification.schema.json
var notificationSchemaJSON string

var notificationSchema = jsonschema.MustCompileString("notification.schema.json", notificationSchemaJSON)

// Decode parses one payload from the store's change stream.
func Decode(channel, payload string) (Notification, error) {
	if channel != store.Channel {
		return Notification{}, fmt.Errorf("%w %q", ErrIgnoredChannel, channel)
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(payload)))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := notificationSchema.Validate(raw); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var n Notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return n, nil
}
