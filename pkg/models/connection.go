package models

// ConnectionState is the delivery mode of a live position subscription.
type ConnectionState string

const (
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionPolling      ConnectionState = "polling"
)

// String implements fmt.Stringer.
func (s ConnectionState) String() string {
	return string(s)
}

// IsPush reports whether updates are expected from the push channel.
func (s ConnectionState) IsPush() bool {
	return s == ConnectionConnected
}

// IsPoll reports whether updates are being pulled on a timer.
func (s ConnectionState) IsPoll() bool {
	return s == ConnectionPolling
}
