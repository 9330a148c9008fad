package ble

import "fmt"

// Status is the connection lifecycle state.
type Status int

const (
	StatusIdle Status = iota
	StatusRequesting
	StatusConnecting
	StatusSubscribing
	StatusConnected
	StatusReceiving
	StatusNoData
	StatusError
)

var statusNames = [...]string{
	StatusIdle:        "idle",
	StatusRequesting:  "requesting",
	StatusConnecting:  "connecting",
	StatusSubscribing: "subscribing",
	StatusConnected:   "connected",
	StatusReceiving:   "receiving",
	StatusNoData:      "no-data",
	StatusError:       "error",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// MarshalText encodes the status by name for JSON consumers.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name.
func (s *Status) UnmarshalText(b []byte) error {
	for i, name := range statusNames {
		if name == string(b) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", b)
}

// Linked reports whether the link is up and subscribed.
func (s Status) Linked() bool {
	return s == StatusConnected || s == StatusReceiving || s == StatusNoData
}
