package driver

import (
	"log/slog"
	"sync"

	"github.com/chaz8081/smartlink/internal/ble"
	"github.com/chaz8081/smartlink/internal/smoothing"
)

// Setpoint ranges accepted by the vehicle.
const (
	MotorMax  = 254
	RudderMax = 126
)

// SmartplaneDelegate receives charging state changes.
type SmartplaneDelegate interface {
	DidStartChargingBattery(s *Smartplane)
	DidStopChargingBattery(s *Smartplane)
}

// Smartplane drives the vehicle control service: motor thrust, rudder angle
// and charging status. Setpoints go through smoothing buffers and are
// transmitted as channel-tagged writes, so a setter may be refused with
// ble.ErrChannelBusy or ble.ErrQueueFull while the link is saturated.
type Smartplane struct {
	base

	smu    sync.Mutex
	motor  *smoothing.Buffer
	rudder *smoothing.Buffer

	// last* is the last setpoint queued for transmission, posted* the last
	// one fed to the buffer. They differ while a refused setpoint is retried.
	lastMotor    int
	lastRudder   int
	postedMotor  int
	postedRudder int
	dl           SmartplaneDelegate
}

// NewSmartplane returns a driver with the given smoothing capacities.
func NewSmartplane(motorSmoothing, rudderSmoothing int) *Smartplane {
	return &Smartplane{
		motor:  smoothing.New(motorSmoothing),
		rudder: smoothing.New(rudderSmoothing),
	}
}

func (s *Smartplane) SetDelegate(dl SmartplaneDelegate) {
	s.smu.Lock()
	defer s.smu.Unlock()
	s.dl = dl
}

// Attach switches the control characteristics to write-without-response and
// zeroes both setpoints.
func (s *Smartplane) Attach(link *ble.Link, fields map[string]*ble.Characteristic) {
	s.attach(link, fields)
	s.setWriteWithoutResponse("engine")
	s.setWriteWithoutResponse("rudder")

	s.smu.Lock()
	s.motor.Post(0)
	s.rudder.Post(0)
	s.lastMotor, s.lastRudder = 0, 0
	s.postedMotor, s.postedRudder = 0, 0
	s.smu.Unlock()

	if err := s.writeChannel("engine", ble.ChannelMotor); err != nil {
		slog.Warn("[PLANE] motor reset not queued", "error", err)
	}
	if err := s.writeChannel("rudder", ble.ChannelRudder); err != nil {
		slog.Warn("[PLANE] rudder reset not queued", "error", err)
	}
}

// SetMotor sets the motor thrust, clamped to [0, MotorMax]. Repeating the
// last accepted value is a no-op.
func (s *Smartplane) SetMotor(v int) error {
	return s.set(ble.ChannelMotor, v)
}

// SetRudder sets the rudder angle, clamped to [-RudderMax, RudderMax].
// Repeating the last accepted value is a no-op.
func (s *Smartplane) SetRudder(v int) error {
	return s.set(ble.ChannelRudder, v)
}

func (s *Smartplane) set(ch ble.Channel, v int) error {
	field, buf, last, posted := "engine", s.motor, &s.lastMotor, &s.postedMotor
	lo, hi := 0, MotorMax
	if ch == ble.ChannelRudder {
		field, buf, last, posted = "rudder", s.rudder, &s.lastRudder, &s.postedRudder
		lo, hi = -RudderMax, RudderMax
	}

	v = max(lo, min(v, hi))
	s.smu.Lock()
	if v == *last {
		s.smu.Unlock()
		return nil
	}
	if v != *posted {
		buf.Post(v)
		*posted = v
	}
	s.smu.Unlock()

	if err := s.writeChannel(field, ch); err != nil {
		return err
	}
	s.smu.Lock()
	*last = v
	s.smu.Unlock()
	return nil
}

// ChannelValue returns the smoothed setpoint to transmit.
func (s *Smartplane) ChannelValue(ch ble.Channel) []byte {
	s.smu.Lock()
	defer s.smu.Unlock()
	if ch == ble.ChannelRudder {
		return []byte{byte(int8(s.rudder.Fetch()))}
	}
	return []byte{uint8(s.motor.Fetch())}
}

// UpdateChargingStatus queues a read of the charging status. The result is
// reported through the delegate.
func (s *Smartplane) UpdateChargingStatus() {
	s.updateField("chargestatus")
}

func (s *Smartplane) DidUpdateValue(field string, value []byte) {
	if field != "chargestatus" || len(value) == 0 {
		return
	}
	s.smu.Lock()
	dl := s.dl
	s.smu.Unlock()
	if dl == nil {
		return
	}
	if value[0] == 0 {
		dl.DidStopChargingBattery(s)
	} else {
		dl.DidStartChargingBattery(s)
	}
}
