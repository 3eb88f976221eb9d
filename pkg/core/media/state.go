package media

import "github.com/pion/webrtc/v4"

// ConnState is the browser connection lifecycle the bridge observes.
type ConnState int

const (
	StateNew ConnState = iota
	StateChecking
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateChecking:
		return "checking"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func fromICEState(s webrtc.ICEConnectionState) (ConnState, bool) {
	switch s {
	case webrtc.ICEConnectionStateNew:
		return StateNew, true
	case webrtc.ICEConnectionStateChecking:
		return StateChecking, true
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		return StateConnected, true
	case webrtc.ICEConnectionStateDisconnected:
		return StateDisconnected, true
	case webrtc.ICEConnectionStateFailed:
		return StateFailed, true
	case webrtc.ICEConnectionStateClosed:
		return StateClosed, true
	default:
		return 0, false
	}
}
