// README: Courier position, presence and profile records held by the directory.
package courier

import (
	"errors"
	"time"

	"courierdispatch/internal/types"
)

var (
	ErrNotFound   = errors.New("courier not found")
	ErrBadRequest = errors.New("bad request")
)

// Courier is the directory's view of one courier. An empty Handle means the
// courier cannot be pushed to.
type Courier struct {
	ID        types.ID
	Position  types.Point
	Handle    string
	Online    bool
	UpdatedAt time.Time
}

// Nearby is a courier returned by a proximity query.
type Nearby struct {
	Courier
	DistanceMeters float64
}

// Profile carries the display attributes kept by the account store.
type Profile struct {
	ID       types.ID
	FullName string
	Mobile   string
}
