package coordinator

import (
	"time"

	syncErrors "github.com/c0deZ3R0/bizsync/errors"
)

// State is a node of the coordinator's state machine.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateIdle           State = "idle"
	StateAuthenticating State = "authenticating"
	StateReconciling    State = "reconciling"
	StatePushing        State = "pushing"
	StateError          State = "error"
	// StateOffline means the startup connection did not finish in time and
	// the app carries on with local data. The heartbeat keeps trying.
	StateOffline State = "offline"
)

// Busy reports whether a remote operation is running in this state.
func (s State) Busy() bool {
	return s == StateAuthenticating || s == StateReconciling || s == StatePushing
}

// Connection is the coarse state shown to users.
type Connection string

const (
	Connected    Connection = "connected"
	Disconnected Connection = "disconnected"
	Syncing      Connection = "syncing"
	Errored      Connection = "error"
)

// Status is a point-in-time view of the coordinator.
type Status struct {
	State      State           `json:"state" yaml:"state"`
	Connection Connection      `json:"connection" yaml:"connection"`
	ErrorKind  syncErrors.Kind `json:"errorKind,omitempty" yaml:"errorKind,omitempty"`
	// LastError is the single human-readable line describing the last failure.
	LastError       string    `json:"lastError,omitempty" yaml:"lastError,omitempty"`
	LastSyncAt      time.Time `json:"lastSyncAt,omitempty" yaml:"lastSyncAt,omitempty"`
	LastLocalSaveAt time.Time `json:"lastLocalSaveAt,omitempty" yaml:"lastLocalSaveAt,omitempty"`
	Marker          string    `json:"marker,omitempty" yaml:"marker,omitempty"`
	Identity        string    `json:"identity" yaml:"identity"`
	ReadOnly        bool      `json:"readOnly" yaml:"readOnly"`
}

func connectionFor(state State, connected bool) Connection {
	switch {
	case state == StateError:
		return Errored
	case state.Busy():
		return Syncing
	case state == StateIdle && connected:
		return Connected
	default:
		return Disconnected
	}
}
