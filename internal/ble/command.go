package ble

import "fmt"

// Kind is a hardware operation. The queue executes pending commands in
// ascending Kind order, so reads overtake queued writes and so on.
type Kind int

const (
	KindRead Kind = iota
	KindWrite
	KindEnableNotification
	KindDisableNotification
	KindDisconnect
	KindPollRSSI
	KindDiscoverServices
	KindScan
	KindConnect
)

var kindNames = [...]string{
	"READ", "WRITE", "NOTIF_ENABLE", "NOTIF_DISABLE", "DISCONNECT",
	"UPDATE_RSSI", "DISCOVER_SERVICES", "SCAN", "CONNECT",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// Channel tags writes that carry a smoothed control setpoint.
type Channel int

const (
	ChannelNone Channel = iota
	ChannelMotor
	ChannelRudder
)

func (c Channel) String() string {
	switch c {
	case ChannelMotor:
		return "motor"
	case ChannelRudder:
		return "rudder"
	default:
		return "none"
	}
}

// Command is a single queued hardware operation. Value is the payload of an
// untagged write; tagged writes fetch their payload when they execute.
type Command struct {
	Kind    Kind
	Target  *Characteristic
	Channel Channel
	Value   []byte
}

// Equal reports whether two commands have the same kind and target.
func (c Command) Equal(o Command) bool {
	return c.Kind == o.Kind && c.Target == o.Target
}

func (c Command) String() string {
	target := "--"
	if c.Target != nil {
		target = c.Target.UUID
	}
	if c.Channel != ChannelNone {
		return fmt.Sprintf("{%s: %s (%s)}", c.Kind, target, c.Channel)
	}
	return fmt.Sprintf("{%s: %s}", c.Kind, target)
}
