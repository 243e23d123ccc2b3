package domain

// Mode is the session's network role.
type Mode int

const (
	Unconnected Mode = iota
	Hosting
	Guesting
	// HostDisconnected is entered by a guest whose upstream connection
	// closed. It is terminal like Guesting.
	HostDisconnected
)

func (m Mode) String() string {
	switch m {
	case Unconnected:
		return "unconnected"
	case Hosting:
		return "hosting"
	case Guesting:
		return "guesting"
	case HostDisconnected:
		return "host_disconnected"
	default:
		return "unknown"
	}
}

// Active reports whether the mode has left Unconnected.
func (m Mode) Active() bool {
	return m != Unconnected
}
