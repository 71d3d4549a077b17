// Package invalidation describes catalog change events that make cached
// sizes and counts stale.
package invalidation

import (
	"errors"
	"fmt"
	"time"

	"github.com/ral-facilities/datagateway-go/internal/core/model"
)

const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Event reports one changed entity. Version increases per entity; Parents
// lists the ancestors whose aggregate size and file count include it.
type Event struct {
	Version    uint64           `json:"version"`
	Op         string           `json:"op"`
	EntityType model.EntityType `json:"entityType"`
	EntityID   int64            `json:"entityId"`
	Parents    []model.EntryKey `json:"parents,omitempty"`
	TS         time.Time        `json:"ts"`
	Source     string           `json:"source,omitempty"`
}

func (e Event) Validate() error {
	if e.Version == 0 {
		return errors.New("version must be positive")
	}
	switch e.Op {
	case OpInsert, OpUpdate, OpDelete:
	default:
		return errors.New("op must be insert|update|delete")
	}
	if _, err := model.ParseEntityType(string(e.EntityType)); err != nil {
		return err
	}
	if e.EntityID <= 0 {
		return errors.New("entityId must be positive")
	}
	if e.TS.IsZero() {
		return errors.New("ts is required")
	}
	for i, p := range e.Parents {
		if _, err := model.ParseEntityType(string(p.Type)); err != nil {
			return fmt.Errorf("parents[%d]: %w", i, err)
		}
		if p.ID <= 0 {
			return fmt.Errorf("parents[%d]: entityId must be positive", i)
		}
	}
	return nil
}

// Affected is the entity followed by its parents.
func (e Event) Affected() []model.EntryKey {
	out := make([]model.EntryKey, 0, 1+len(e.Parents))
	out = append(out, model.EntryKey{ID: e.EntityID, Type: e.EntityType})
	return append(out, e.Parents...)
}
