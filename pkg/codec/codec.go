// Package codec converts inventory slots to and from the opaque text blob
// stored in the payload table.
//
// A blob is the standard base64 encoding of a BSON document holding the
// slots in order. Empty slots are kept as nulls so slot positions survive a
// round trip.
package codec

import (
	"encoding/base64"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

// ErrCorruptPayload is returned when a blob cannot be decoded
var ErrCorruptPayload = errors.New("corrupt payload")

const formatVersion = 1

// ItemStack is one occupied inventory slot
type ItemStack struct {
	Type   string            `bson:"type" json:"type"`
	Amount int               `bson:"amount" json:"amount"`
	Meta   map[string]string `bson:"meta,omitempty" json:"meta,omitempty"`
}

// Slots is an ordered inventory; nil entries are empty slots
type Slots []*ItemStack

type document struct {
	Version int          `bson:"v"`
	Slots   []*ItemStack `bson:"slots"`
}

// Encode renders slots as a transport string
func Encode(slots Slots) (string, error) {
	raw, err := bson.Marshal(document{Version: formatVersion, Slots: slots})
	if err != nil {
		return "", fmt.Errorf("failed to marshal slots: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Decode parses a transport string. An empty string decodes to no slots.
func Decode(text string) (Slots, error) {
	if text == "" {
		return nil, nil
	}

	raw, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}

	var doc document
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}
	if doc.Version != formatVersion {
		return nil, fmt.Errorf("%w: unknown format version %d", ErrCorruptPayload, doc.Version)
	}
	return doc.Slots, nil
}

// Occupied counts non-empty slots
func (s Slots) Occupied() int {
	n := 0
	for _, item := range s {
		if item != nil {
			n++
		}
	}
	return n
}
