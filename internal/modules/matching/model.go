// README: Candidate couriers produced by the finder.
package matching

import (
	"courierdispatch/internal/types"
)

// Candidate is a courier that is near the delivery point and holds no accepted
// assignment.
type Candidate struct {
	ID             types.ID    `json:"id"`
	FullName       string      `json:"fullName"`
	Mobile         string      `json:"mobile"`
	Position       types.Point `json:"position"`
	Handle         string      `json:"-"`
	Online         bool        `json:"online"`
	DistanceMeters float64     `json:"distanceMeters"`
}

// Reachable reports whether the candidate can be pushed to.
func (c Candidate) Reachable() bool {
	return c.Handle != ""
}

func IDs(cs []Candidate) []types.ID {
	out := make([]types.ID, len(cs))
	for i, c := range cs {
		out[i] = c.ID
	}
	return out
}
