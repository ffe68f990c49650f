package connection

import "fmt"

// State is the lifecycle state of a Connection.
//
//	STOPPED -> STARTING -> CONNECTING -> CONNECTED -> ONLINE -> DISCONNECTED -> STOPPED
type State int32

const (
	Stopped      State = iota // no socket, no goroutines
	Starting                  // main loop started
	Connecting                // socket connecting
	Connected                 // socket connected, logging in
	Online                    // logged in, loops running
	Disconnected              // socket closed, cleaning up goroutines
)

var stateNames = [...]string{
	Stopped:      "STOPPED",
	Starting:     "STARTING",
	Connecting:   "CONNECTING",
	Connected:    "CONNECTED",
	Online:       "ONLINE",
	Disconnected: "DISCONNECTED",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}
