package models

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned by stores and synchronized views for a record that
// does not exist, or whose parent consultation was deleted.
var ErrNotFound = errors.New("record not found")

type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

const (
	TableConsultations = "consultations"
	TableMessages      = "messages"
)

// ChangeEvent is one row-level notification from the store's change feed.
// Row holds the full record for insert and update; delete only guarantees ID.
type ChangeEvent struct {
	Table string          `json:"table"`
	Type  ChangeType      `json:"event"`
	ID    string          `json:"id"`
	Row   json.RawMessage `json:"row,omitempty"`
	At    time.Time       `json:"at"`
}

func NewChangeEvent(table string, typ ChangeType, id string, row any) (ChangeEvent, error) {
	ev := ChangeEvent{Table: table, Type: typ, ID: id, At: time.Now().UTC()}
	if row != nil {
		data, err := json.Marshal(row)
		if err != nil {
			return ChangeEvent{}, err
		}
		ev.Row = data
	}
	return ev, nil
}
