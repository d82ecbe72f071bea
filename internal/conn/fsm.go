package conn

import (
	"fmt"

	"github.com/pkg/errors"
)

// State is where one switch connection currently stands.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Degraded
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Degraded:
		return "Degraded"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type event int

const (
	evConnect event = iota
	evConnectOK
	evConnectFail
	evChannelFault
	evProbeOK
	evProbeFail
	evDisconnect
)

func (e event) String() string {
	switch e {
	case evConnect:
		return "connect"
	case evConnectOK:
		return "connectOK"
	case evConnectFail:
		return "connectFail"
	case evChannelFault:
		return "channelFault"
	case evProbeOK:
		return "probeOK"
	case evProbeFail:
		return "probeFail"
	case evDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// transition is one row of the connection state machine.
type transition struct {
	from State
	ev   event
	to   State
}

var transitions = []transition{
	{Disconnected, evConnect, Connecting},
	{Degraded, evConnect, Connecting},
	{Connecting, evConnectOK, Connected},
	{Connecting, evConnectFail, Disconnected},
	{Connected, evChannelFault, Degraded},
	{Degraded, evProbeOK, Connected},
	{Degraded, evProbeFail, Degraded},
	{Disconnected, evDisconnect, Disconnected},
	{Connecting, evDisconnect, Disconnected},
	{Connected, evDisconnect, Disconnected},
	{Degraded, evDisconnect, Disconnected},
}

// step finds the row for (from, ev). An event with no row is illegal in
// that state and leaves it unchanged.
func step(from State, ev event) (State, error) {
	for _, t := range transitions {
		if t.from == from && t.ev == ev {
			return t.to, nil
		}
	}
	return from, errors.Errorf("illegal event %s in state %s", ev, from)
}
