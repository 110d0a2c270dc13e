package timer

import "time"

// Resolution is an explicit, caller-driven conflict decision. No automatic
// last-writer-wins is applied without it.
type Resolution string

const (
	// ResolutionUseServer overwrites local state with the server snapshot
	// and forces a fresh sync.
	ResolutionUseServer Resolution = "use_server"

	// ResolutionUseLocal force-pushes local state to the server.
	ResolutionUseLocal Resolution = "use_local"
)

// Conflict records a server snapshot that arrived with a lastUpdated older
// than the last-seen local update, instead of silently overwriting.
type Conflict struct {
	ID         string    `json:"id"`
	TimerID    string    `json:"timer_id"`
	LocalTime  time.Time `json:"local_time"`
	ServerTime time.Time `json:"server_time"`
	Snapshot   LiveTimer `json:"snapshot"`
	CreatedAt  time.Time `json:"created_at"`
}
