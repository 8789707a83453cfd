// Package scrollkeeper maintains the live mirror of bus-observable layout
// state: sensors, turnouts and the command station's locomotive slots. It
// consumes every inbound message, answers queries with copies, issues status
// requests for entities it has not seen yet, and offers blocking wait
// primitives for scripts.
package scrollkeeper

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/keskad/loconet/pkgs/message"
)

var (
	ErrUnknownEntity   = errors.New("entity unknown after status requests")
	ErrTimeout         = errors.New("wait timed out")
	ErrInvalidArgument = errors.New("argument out of range")
)

// Sender is the outbound half of the bus interface. *lnbus.Interface
// satisfies it.
type Sender interface {
	Send(m message.Message) error
}

const (
	defaultRetries        = 3
	defaultRequestTimeout = time.Second
)

type Option func(*Scrollkeeper)

// WithRetries bounds how often a status request is re-issued before a
// command fails with ErrUnknownEntity.
func WithRetries(n int) Option {
	return func(s *Scrollkeeper) { s.retries = n }
}

// WithRequestTimeout bounds how long each status request waits for its reply.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Scrollkeeper) { s.requestTimeout = d }
}

type Scrollkeeper struct {
	sender Sender

	retries        int
	requestTimeout time.Duration

	sensorMu sync.Mutex
	sensors  map[uint16]*Sensor
	sensorCh chan struct{}

	switchMu sync.Mutex
	switches map[uint16]*Switch
	switchCh chan struct{}

	slotMu sync.Mutex
	slots  map[byte]*Slot
	slotCh chan struct{}

	ackMu   sync.Mutex
	lastAck *message.LongAck
}

func New(sender Sender, opts ...Option) *Scrollkeeper {
	s := &Scrollkeeper{
		sender:         sender,
		retries:        defaultRetries,
		requestTimeout: defaultRequestTimeout,
		sensors:        make(map[uint16]*Sensor),
		sensorCh:       make(chan struct{}),
		switches:       make(map[uint16]*Switch),
		switchCh:       make(chan struct{}),
		slots:          make(map[byte]*Slot),
		slotCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnMessage is the callback to register with the bus interface. It applies
// one inbound message to the mirror and wakes any waiters on the touched
// collection.
func (s *Scrollkeeper) OnMessage(m message.Message) {
	switch msg := m.(type) {
	case message.InputRep:
		s.applySensor(msg)
	case message.SwReq:
		s.applySwReq(msg)
	case message.SwRep:
		s.applySwRep(msg)
	case message.LongAck:
		s.ackMu.Lock()
		ack := msg
		s.lastAck = &ack
		s.ackMu.Unlock()
	case message.SlotRdData:
		s.applySlotRead(msg)
	case message.LocoSpd:
		s.applySlot(msg.Slot, func(sl *Slot) {
			sl.Speed = msg.Speed
		})
	case message.LocoDirf:
		s.applySlot(msg.Slot, func(sl *Slot) {
			sl.Direction = directionOf(msg.Reverse())
			for n := 0; n <= 4; n++ {
				sl.Functions[uint8(n)] = msg.Function(n)
			}
		})
	case message.LocoSnd:
		s.applySlot(msg.Slot, func(sl *Slot) {
			for n := 5; n <= 8; n++ {
				sl.Functions[uint8(n)] = msg.Function(n)
			}
		})
	case message.LocoF912:
		s.applySlot(msg.Slot, func(sl *Slot) {
			for n := 9; n <= 12; n++ {
				sl.Functions[uint8(n)] = msg.Function(n)
			}
		})
	case message.ImmPacket:
		s.applyImmPacket(msg)
	case message.CaptureTimeStamp:
		// replay pacing only, no layout state
	default:
		logrus.Debugf("scrollkeeper: ignoring %s", m)
	}
}

func directionOf(reverse bool) Direction {
	if reverse {
		return Reverse
	}
	return Forward
}

//
// update paths
//

func (s *Scrollkeeper) applySensor(msg message.InputRep) {
	s.sensorMu.Lock()
	sn, ok := s.sensors[msg.Address]
	if !ok {
		sn = &Sensor{Address: msg.Address}
		s.sensors[msg.Address] = sn
	}
	if msg.Active {
		sn.State = SensorActive
	} else {
		sn.State = SensorInactive
	}
	state := sn.State
	s.broadcastSensors()
	s.sensorMu.Unlock()
	logrus.Debugf("scrollkeeper: sensor %d -> %s", msg.Address, state)
}

func (s *Scrollkeeper) upsertSwitch(addr uint16) *Switch {
	sw, ok := s.switches[addr]
	if !ok {
		sw = &Switch{Address: addr, Position: SwitchUnknown}
		s.switches[addr] = sw
	}
	return sw
}

func (s *Scrollkeeper) applySwReq(msg message.SwReq) {
	s.switchMu.Lock()
	sw := s.upsertSwitch(msg.Address)
	if msg.Closed {
		sw.Position = SwitchClosed
	} else {
		sw.Position = SwitchThrown
	}
	sw.Engaged = msg.Engage
	s.broadcastSwitches()
	s.switchMu.Unlock()
}

func (s *Scrollkeeper) applySwRep(msg message.SwRep) {
	s.switchMu.Lock()
	sw := s.upsertSwitch(msg.Address)
	switch {
	case msg.ClosedOn && !msg.ThrownOn:
		sw.Position = SwitchClosed
	case msg.ThrownOn && !msg.ClosedOn:
		sw.Position = SwitchThrown
	default:
		sw.Position = SwitchUnknown
	}
	s.broadcastSwitches()
	s.switchMu.Unlock()
}

// applySlot mutates the slot table entry for number n, creating a bare entry
// on first observation. Slot 0 and the system slots above 119 (fast clock,
// programming track) carry no locomotive and are not mirrored.
func (s *Scrollkeeper) applySlot(n byte, mutate func(*Slot)) {
	if n < minSlot || n > maxSlot {
		logrus.Debugf("scrollkeeper: ignoring system slot %d", n)
		return
	}
	s.slotMu.Lock()
	sl, ok := s.slots[n]
	if !ok {
		sl = &Slot{Number: n, Direction: Forward, Functions: make(map[uint8]bool)}
		s.slots[n] = sl
	}
	mutate(sl)
	s.broadcastSlots()
	s.slotMu.Unlock()
}

func (s *Scrollkeeper) applySlotRead(msg message.SlotRdData) {
	s.applySlot(msg.Slot, func(sl *Slot) {
		sl.Address = msg.Address()
		sl.Speed = msg.Speed()
		sl.Direction = directionOf(msg.Reverse())
		sl.Status = msg.Status()
		sl.Consist = msg.Consist()
		for n := 0; n <= 8; n++ {
			sl.Functions[uint8(n)] = msg.Function(n)
		}
		// a freed slot keeps its table entry but forgets its functions
		if sl.Status == message.SlotFree {
			sl.Functions = make(map[uint8]bool)
		}
	})
	logrus.Debugf("scrollkeeper: slot %d -> loco %d", msg.Slot, msg.Address())
}

func (s *Scrollkeeper) applyImmPacket(msg message.ImmPacket) {
	if addr, bits, ok := msg.FunctionGroup2(); ok {
		s.applySlotByAddress(addr, func(sl *Slot) {
			for n := 0; n < 4; n++ {
				sl.Functions[uint8(9+n)] = bits&(1<<n) != 0
			}
		})
		return
	}
	if addr, base, bits, ok := msg.FunctionExpansion(); ok {
		s.applySlotByAddress(addr, func(sl *Slot) {
			for n := 0; n < 8; n++ {
				sl.Functions[uint8(base+n)] = bits&(1<<n) != 0
			}
		})
	}
}

// applySlotByAddress mutates the slot currently serving a locomotive
// address; packets for locomotives without a slot carry no usable state.
func (s *Scrollkeeper) applySlotByAddress(addr uint16, mutate func(*Slot)) {
	s.slotMu.Lock()
	defer s.slotMu.Unlock()
	for _, sl := range s.slots {
		if sl.Address == addr {
			mutate(sl)
			s.broadcastSlots()
			return
		}
	}
}

//
// broadcast channels: closed and replaced on every mutation, the Go shape of
// one condition variable per collection
//

func (s *Scrollkeeper) broadcastSensors() {
	close(s.sensorCh)
	s.sensorCh = make(chan struct{})
}

func (s *Scrollkeeper) broadcastSwitches() {
	close(s.switchCh)
	s.switchCh = make(chan struct{})
}

func (s *Scrollkeeper) broadcastSlots() {
	close(s.slotCh)
	s.slotCh = make(chan struct{})
}

func (s *Scrollkeeper) sensorWait() chan struct{} {
	s.sensorMu.Lock()
	defer s.sensorMu.Unlock()
	return s.sensorCh
}

func (s *Scrollkeeper) switchWait() chan struct{} {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()
	return s.switchCh
}

func (s *Scrollkeeper) slotWait() chan struct{} {
	s.slotMu.Lock()
	defer s.slotMu.Unlock()
	return s.slotCh
}

//
// queries
//

func (s *Scrollkeeper) GetSensor(addr uint16) (Sensor, bool) {
	s.sensorMu.Lock()
	defer s.sensorMu.Unlock()
	if sn, ok := s.sensors[addr]; ok {
		return *sn, true
	}
	return Sensor{}, false
}

func (s *Scrollkeeper) GetSwitch(addr uint16) (Switch, bool) {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()
	if sw, ok := s.switches[addr]; ok {
		return *sw, true
	}
	return Switch{}, false
}

func (s *Scrollkeeper) GetSlot(n byte) (Slot, bool) {
	s.slotMu.Lock()
	defer s.slotMu.Unlock()
	if sl, ok := s.slots[n]; ok {
		return sl.clone(), true
	}
	return Slot{}, false
}

// SlotForAddress returns the slot currently serving a locomotive address.
func (s *Scrollkeeper) SlotForAddress(addr uint16) (Slot, bool) {
	s.slotMu.Lock()
	defer s.slotMu.Unlock()
	for _, sl := range s.slots {
		if sl.Address == addr {
			return sl.clone(), true
		}
	}
	return Slot{}, false
}

func (s *Scrollkeeper) Sensors() []Sensor {
	s.sensorMu.Lock()
	out := make([]Sensor, 0, len(s.sensors))
	for _, sn := range s.sensors {
		out = append(out, *sn)
	}
	s.sensorMu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func (s *Scrollkeeper) Switches() []Switch {
	s.switchMu.Lock()
	out := make([]Switch, 0, len(s.switches))
	for _, sw := range s.switches {
		out = append(out, *sw)
	}
	s.switchMu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func (s *Scrollkeeper) Slots() []Slot {
	s.slotMu.Lock()
	out := make([]Slot, 0, len(s.slots))
	for _, sl := range s.slots {
		out = append(out, sl.clone())
	}
	s.slotMu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// LastAck returns the most recent long acknowledge seen on the bus.
func (s *Scrollkeeper) LastAck() (message.LongAck, bool) {
	s.ackMu.Lock()
	defer s.ackMu.Unlock()
	if s.lastAck == nil {
		return message.LongAck{}, false
	}
	return *s.lastAck, true
}

//
// commands
//

// SetSwitch throws or closes a turnout. An unknown turnout is probed with a
// state request first; the command is deferred until the reply lands in the
// mirror.
func (s *Scrollkeeper) SetSwitch(addr uint16, closed bool) error {
	if addr < 1 || addr > maxSwitchAddr {
		return ErrInvalidArgument
	}
	if _, ok := s.GetSwitch(addr); !ok {
		if err := s.awaitSwitch(addr); err != nil {
			return err
		}
	}
	return s.sender.Send(message.SwReq{Address: addr, Closed: closed, Engage: true})
}

// SetLocoSpeed sets the speed of the locomotive with the given address. When
// no slot is known for the address yet a slot request goes out first and the
// speed command is held back until the station answers.
func (s *Scrollkeeper) SetLocoSpeed(addr uint16, speed byte) error {
	if speed > maxSpeed {
		return ErrInvalidArgument
	}
	n, err := s.slotNumberFor(addr)
	if err != nil {
		return err
	}
	return s.sender.Send(message.LocoSpd{Slot: n, Speed: speed})
}

// SetLocoDirection sets the direction of travel, preserving the mirrored
// F0..F4 state carried in the same message.
func (s *Scrollkeeper) SetLocoDirection(addr uint16, dir Direction) error {
	n, err := s.slotNumberFor(addr)
	if err != nil {
		return err
	}
	sl, _ := s.GetSlot(n)
	dirf := message.EncodeDirf(dir == Reverse, sl.Functions)
	return s.sender.Send(message.LocoDirf{Slot: n, Dirf: dirf})
}

// SetLocoFunction switches one function F0..F28 on or off.
func (s *Scrollkeeper) SetLocoFunction(addr uint16, fn uint8, on bool) error {
	if fn > maxFunction {
		return ErrInvalidArgument
	}
	n, err := s.slotNumberFor(addr)
	if err != nil {
		return err
	}
	sl, _ := s.GetSlot(n)
	fns := sl.Functions
	if fns == nil {
		fns = make(map[uint8]bool)
	}
	fns[fn] = on

	switch {
	case fn <= 4:
		dirf := message.EncodeDirf(sl.Direction == Reverse, fns)
		return s.sender.Send(message.LocoDirf{Slot: n, Dirf: dirf})
	case fn <= 8:
		return s.sender.Send(message.LocoSnd{Slot: n, Snd: message.EncodeSnd(fns)})
	case fn <= 12:
		var bits byte
		for b := uint8(9); b <= 12; b++ {
			if fns[b] {
				bits |= 1 << (b - 9)
			}
		}
		return s.sender.Send(message.LocoF912{Slot: n, Bits: bits})
	case fn <= 20:
		var bits byte
		for b := uint8(13); b <= 20; b++ {
			if fns[b] {
				bits |= 1 << (b - 13)
			}
		}
		return s.sender.Send(message.NewImmFunctionExpansion(addr, 13, bits))
	default:
		var bits byte
		for b := uint8(21); b <= 28; b++ {
			if fns[b] {
				bits |= 1 << (b - 21)
			}
		}
		return s.sender.Send(message.NewImmFunctionExpansion(addr, 21, bits))
	}
}

// slotNumberFor resolves a locomotive address to its slot, requesting one
// from the command station when necessary.
func (s *Scrollkeeper) slotNumberFor(addr uint16) (byte, error) {
	if addr < 1 || addr > maxLocoAddr {
		return 0, ErrInvalidArgument
	}
	if sl, ok := s.SlotForAddress(addr); ok {
		return sl.Number, nil
	}
	return s.awaitSlot(addr)
}

// awaitSlot issues a slot request and blocks until the mirror learns which
// slot serves addr, retrying a bounded number of times.
func (s *Scrollkeeper) awaitSlot(addr uint16) (byte, error) {
	for try := 0; try < s.retries; try++ {
		ch := s.slotWait()
		if err := s.sender.Send(message.LocoAdr{Address: addr}); err != nil {
			return 0, err
		}
		logrus.Debugf("scrollkeeper: requested slot for loco %d (try %d/%d)", addr, try+1, s.retries)

		deadline := time.After(s.requestTimeout)
	wait:
		for {
			if sl, ok := s.SlotForAddress(addr); ok {
				return sl.Number, nil
			}
			select {
			case <-ch:
				ch = s.slotWait()
			case <-deadline:
				break wait
			}
		}
	}
	return 0, ErrUnknownEntity
}

// awaitSwitch probes an unknown turnout and waits for its state report.
func (s *Scrollkeeper) awaitSwitch(addr uint16) error {
	for try := 0; try < s.retries; try++ {
		ch := s.switchWait()
		if err := s.sender.Send(message.SwReq{Address: addr, Closed: false, Engage: false}); err != nil {
			return err
		}

		deadline := time.After(s.requestTimeout)
	wait:
		for {
			if _, ok := s.GetSwitch(addr); ok {
				return nil
			}
			select {
			case <-ch:
				ch = s.switchWait()
			case <-deadline:
				break wait
			}
		}
	}
	return ErrUnknownEntity
}

//
// wait primitives
//

// WaitForSensor blocks until the sensor reaches the desired state or the
// timeout elapses.
func (s *Scrollkeeper) WaitForSensor(addr uint16, state SensorState, timeout time.Duration) error {
	deadline := time.After(timeout)
	for {
		ch := s.sensorWait()
		if sn, ok := s.GetSensor(addr); ok && sn.State == state {
			return nil
		}
		select {
		case <-ch:
		case <-deadline:
			return ErrTimeout
		}
	}
}

// WaitForSwitch blocks until the turnout reaches the desired position or the
// timeout elapses.
func (s *Scrollkeeper) WaitForSwitch(addr uint16, pos SwitchPosition, timeout time.Duration) error {
	deadline := time.After(timeout)
	for {
		ch := s.switchWait()
		if sw, ok := s.GetSwitch(addr); ok && sw.Position == pos {
			return nil
		}
		select {
		case <-ch:
		case <-deadline:
			return ErrTimeout
		}
	}
}
