// README: Shared identifiers and geographic primitives.
package types

import (
	"strings"

	"github.com/google/uuid"
)

// ID is an opaque identifier. Generated IDs are 32 lowercase hex chars.
type ID string

func NewID() ID {
	return ID(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

func (id ID) String() string { return string(id) }

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64 `json:"latitude"`
	Lng float64 `json:"longitude"`
}

func (p Point) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// IDStrings converts ids for drivers that only understand []string.
func IDStrings(ids []ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func ToIDs(vals []string) []ID {
	out := make([]ID, len(vals))
	for i, v := range vals {
		out[i] = ID(v)
	}
	return out
}
