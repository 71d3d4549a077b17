package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type EntityType string

const (
	EntityInvestigation EntityType = "investigation"
	EntityDataset       EntityType = "dataset"
	EntityDatafile      EntityType = "datafile"
)

func ParseEntityType(s string) (EntityType, error) {
	switch t := EntityType(strings.ToLower(strings.TrimSpace(s))); t {
	case EntityInvestigation, EntityDataset, EntityDatafile:
		return t, nil
	default:
		return "", fmt.Errorf("unsupported entity type %q", s)
	}
}

type ParentEntity struct {
	ID         int64      `json:"id"`
	EntityID   int64      `json:"entityId"`
	EntityType EntityType `json:"entityType"`
}

type CartEntry struct {
	ID             int64          `json:"id,omitempty"`
	EntityID       int64          `json:"entityId"`
	EntityType     EntityType     `json:"entityType"`
	Name           string         `json:"name"`
	ParentEntities []ParentEntity `json:"parentEntities,omitempty"`
}

// EntryKey is the stable identity of a cart entry.
type EntryKey struct {
	ID   int64      `json:"entityId"`
	Type EntityType `json:"entityType"`
}

func (k EntryKey) String() string { return fmt.Sprintf("%s %d", k.Type, k.ID) }

func (e CartEntry) Key() EntryKey { return EntryKey{ID: e.EntityID, Type: e.EntityType} }

type LookupState int

const (
	LookupUnknown LookupState = iota
	LookupLoading
	LookupResolved
)

func (s LookupState) String() string {
	switch s {
	case LookupLoading:
		return "loading"
	case LookupResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// UnknownValue is the sentinel reported for anything not (yet) resolved.
const UnknownValue int64 = -1

// Lookup is an independently resolved numeric attribute of a cart entry.
type Lookup struct {
	State LookupState
	Value int64
}

func Unknown() Lookup            { return Lookup{State: LookupUnknown, Value: UnknownValue} }
func Loading() Lookup            { return Lookup{State: LookupLoading, Value: UnknownValue} }
func Resolved(n int64) Lookup    { return Lookup{State: LookupResolved, Value: n} }
func (l Lookup) Known() bool     { return l.State == LookupResolved && l.Value >= 0 }
func (l Lookup) IsLoading() bool { return l.State == LookupLoading }

// Number returns the resolved value or UnknownValue.
func (l Lookup) Number() int64 {
	if l.Known() {
		return l.Value
	}
	return UnknownValue
}

func (l Lookup) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.Number())
}

// UnmarshalJSON reads the wire number back. Loading is not recoverable from
// the wire and reads as unknown.
func (l *Lookup) UnmarshalJSON(b []byte) error {
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	if n < 0 {
		*l = Unknown()
		return nil
	}
	*l = Resolved(n)
	return nil
}

type CartAggregateRow struct {
	CartEntry
	Size      Lookup `json:"size"`
	FileCount Lookup `json:"fileCount"`
}

type Download struct {
	ID           int64     `json:"id"`
	FacilityName string    `json:"facilityName"`
	UserName     string    `json:"userName,omitempty"`
	FileName     string    `json:"fileName"`
	Transport    string    `json:"transport"`
	Status       string    `json:"status"`
	PreparedID   string    `json:"preparedId,omitempty"`
	Email        string    `json:"email,omitempty"`
	Size         int64     `json:"size"`
	IsDeleted    bool      `json:"isDeleted"`
	IsTwoLevel   bool      `json:"isTwoLevel"`
	IsEmailSent  bool      `json:"isEmailSent,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

const DownloadComplete = "COMPLETE"
