package events

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"playerdata/pkg/codec"
)

// Type enumerates host events
type Type string

const (
	Activate   Type = "activate"
	Deactivate Type = "deactivate"
	Mutate     Type = "mutate"
	MobKill    Type = "mob_kill"
	Death      Type = "death"
	Command    Type = "command"

	// Loaded is published back to the host once a load completes
	Loaded Type = "loaded"
)

// Inventory is the decoded payload pair the host works with
type Inventory struct {
	Contents codec.Slots `json:"contents"`
	Armor    codec.Slots `json:"armor"`
}

// Event is the envelope exchanged with the host
type Event struct {
	Type        Type       `json:"type"`
	EntityID    uuid.UUID  `json:"entity_id"`
	DisplayName string     `json:"display_name,omitempty"`
	Inventory   *Inventory `json:"inventory,omitempty"`
	KillerID    *uuid.UUID `json:"killer_id,omitempty"`
	Command     string     `json:"command,omitempty"`
	Recovered   bool       `json:"recovered,omitempty"`
	At          time.Time  `json:"at"`
}

// Parse deserializes and validates an event envelope
func Parse(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("failed to unmarshal JSON envelope: %w", err)
	}

	if ev.Type == "" {
		return Event{}, fmt.Errorf("missing event type")
	}
	if ev.EntityID == uuid.Nil {
		return Event{}, fmt.Errorf("missing entity id")
	}

	switch ev.Type {
	case Activate, Deactivate, MobKill, Death, Loaded:
	case Mutate:
		if ev.Inventory == nil {
			return Event{}, fmt.Errorf("mutate event for %s carries no inventory", ev.EntityID)
		}
	case Command:
		if ev.Command == "" {
			return Event{}, fmt.Errorf("command event for %s carries no command", ev.EntityID)
		}
	default:
		return Event{}, fmt.Errorf("unknown event type %q", ev.Type)
	}

	if ev.KillerID != nil && *ev.KillerID == uuid.Nil {
		ev.KillerID = nil
	}

	return ev, nil
}

// Marshal serializes an event envelope
func Marshal(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}
