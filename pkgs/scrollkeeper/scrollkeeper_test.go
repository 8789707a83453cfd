package scrollkeeper

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keskad/loconet/pkgs/message"
)

type fakeSender struct {
	mu     sync.Mutex
	sent   []message.Message
	onSend func(message.Message)
}

func (f *fakeSender) Send(m message.Message) error {
	f.mu.Lock()
	f.sent = append(f.sent, m)
	fn := f.onSend
	f.mu.Unlock()
	if fn != nil {
		fn(m)
	}
	return nil
}

func (f *fakeSender) sentMessages() []message.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]message.Message{}, f.sent...)
}

// slotRead builds the station's answer assigning a slot to a loco address.
func slotRead(slot byte, addr uint16) message.SlotRdData {
	return message.SlotRdData{
		Slot: slot,
		Stat: 0x30, // in use
		Adr:  byte(addr & 0x7F),
		Adr2: byte(addr >> 7 & 0x7F),
	}
}

func TestSensorUpsertAndIdempotence(t *testing.T) {
	sk := New(&fakeSender{})

	rep := message.InputRep{Address: 34, Active: true, Control: true}
	sk.OnMessage(rep)
	sk.OnMessage(rep) // repeated identical report must not change anything

	assert.Len(t, sk.Sensors(), 1)
	sn, ok := sk.GetSensor(34)
	require.True(t, ok)
	assert.Equal(t, SensorActive, sn.State)

	sk.OnMessage(message.InputRep{Address: 34, Active: false, Control: true})
	sn, _ = sk.GetSensor(34)
	assert.Equal(t, SensorInactive, sn.State)
	assert.Len(t, sk.Sensors(), 1, "at most one sensor per address")
}

func TestSwitchUpdates(t *testing.T) {
	sk := New(&fakeSender{})

	sk.OnMessage(message.SwReq{Address: 21, Closed: true, Engage: true})
	sw, ok := sk.GetSwitch(21)
	require.True(t, ok)
	assert.Equal(t, SwitchClosed, sw.Position)
	assert.True(t, sw.Engaged)

	// the state reply is authoritative
	sk.OnMessage(message.SwRep{Address: 21, ThrownOn: true})
	sw, _ = sk.GetSwitch(21)
	assert.Equal(t, SwitchThrown, sw.Position)
	assert.Len(t, sk.Switches(), 1)
}

func TestSlotReadPopulatesSlot(t *testing.T) {
	sk := New(&fakeSender{})

	rd := slotRead(7, 3)
	rd.Spd = 40
	rd.Dirf = 0x11 // F0 + F1, forward
	rd.Snd = 0x02  // F6
	sk.OnMessage(rd)

	sl, ok := sk.GetSlot(7)
	require.True(t, ok)
	assert.Equal(t, uint16(3), sl.Address)
	assert.Equal(t, byte(40), sl.Speed)
	assert.Equal(t, Forward, sl.Direction)
	assert.Equal(t, message.SlotInUse, sl.Status)
	assert.True(t, sl.Functions[0])
	assert.True(t, sl.Functions[1])
	assert.False(t, sl.Functions[2])
	assert.True(t, sl.Functions[6])
}

func TestSlotFreeClearsFunctions(t *testing.T) {
	sk := New(&fakeSender{})

	rd := slotRead(7, 3)
	rd.Dirf = 0x1F
	sk.OnMessage(rd)
	sl, _ := sk.GetSlot(7)
	require.True(t, sl.Functions[0])

	freed := slotRead(7, 3)
	freed.Stat = 0x00
	freed.Dirf = 0x1F
	sk.OnMessage(freed)

	sl, _ = sk.GetSlot(7)
	assert.Equal(t, message.SlotFree, sl.Status)
	assert.Empty(t, sl.Functions, "a freed slot forgets its function state")
}

func TestSlotCommandsUpdateMirror(t *testing.T) {
	sk := New(&fakeSender{})
	sk.OnMessage(slotRead(5, 44))

	sk.OnMessage(message.LocoSpd{Slot: 5, Speed: 99})
	sl, _ := sk.GetSlot(5)
	assert.Equal(t, byte(99), sl.Speed)

	sk.OnMessage(message.LocoDirf{Slot: 5, Dirf: 0x20 | 0x10}) // reverse, F0
	sl, _ = sk.GetSlot(5)
	assert.Equal(t, Reverse, sl.Direction)
	assert.True(t, sl.Functions[0])

	sk.OnMessage(message.LocoSnd{Slot: 5, Snd: 0x05}) // F5 + F7
	sl, _ = sk.GetSlot(5)
	assert.True(t, sl.Functions[5])
	assert.True(t, sl.Functions[7])

	sk.OnMessage(message.LocoF912{Slot: 5, Bits: 0x08}) // F12
	sl, _ = sk.GetSlot(5)
	assert.True(t, sl.Functions[12])
}

func TestImmPacketFunctionUpdates(t *testing.T) {
	sk := New(&fakeSender{})
	sk.OnMessage(slotRead(5, 44))

	sk.OnMessage(message.NewImmFunctionGroup2(44, 0x03)) // F9 + F10
	sl, _ := sk.GetSlot(5)
	assert.True(t, sl.Functions[9])
	assert.True(t, sl.Functions[10])
	assert.False(t, sl.Functions[11])

	sk.OnMessage(message.NewImmFunctionExpansion(44, 13, 0x81)) // F13 + F20
	sl, _ = sk.GetSlot(5)
	assert.True(t, sl.Functions[13])
	assert.True(t, sl.Functions[20])

	sk.OnMessage(message.NewImmFunctionExpansion(44, 21, 0x80)) // F28
	sl, _ = sk.GetSlot(5)
	assert.True(t, sl.Functions[28])
}

func TestLastAck(t *testing.T) {
	sk := New(&fakeSender{})
	_, ok := sk.LastAck()
	assert.False(t, ok)

	sk.OnMessage(message.LongAck{LOpc: 0x3F, Ack: 0x00})
	ack, ok := sk.LastAck()
	require.True(t, ok)
	assert.Equal(t, byte(0x3F), ack.LOpc)
}

func TestWaitForSensorSignalled(t *testing.T) {
	sk := New(&fakeSender{})

	go func() {
		time.Sleep(30 * time.Millisecond)
		sk.OnMessage(message.InputRep{Address: 12, Active: true, Control: true})
	}()

	err := sk.WaitForSensor(12, SensorActive, 2*time.Second)
	assert.NoError(t, err)
}

func TestWaitForSensorTimeout(t *testing.T) {
	sk := New(&fakeSender{})

	start := time.Now()
	err := sk.WaitForSensor(12, SensorActive, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitForSwitch(t *testing.T) {
	sk := New(&fakeSender{})

	go func() {
		time.Sleep(30 * time.Millisecond)
		sk.OnMessage(message.SwRep{Address: 9, ClosedOn: true})
	}()

	assert.NoError(t, sk.WaitForSwitch(9, SwitchClosed, 2*time.Second))
	assert.ErrorIs(t, sk.WaitForSwitch(9, SwitchThrown, 50*time.Millisecond), ErrTimeout)
}

func TestSetLocoSpeedKnownSlot(t *testing.T) {
	sender := &fakeSender{}
	sk := New(sender)
	sk.OnMessage(slotRead(7, 3))

	require.NoError(t, sk.SetLocoSpeed(3, 20))
	sent := sender.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, message.LocoSpd{Slot: 7, Speed: 20}, sent[0])
}

// With no slot known for the loco, a slot request goes out first and the
// speed command follows once the station's answer lands in the mirror.
func TestSetLocoSpeedUnknownTriggersRequest(t *testing.T) {
	sender := &fakeSender{}
	sk := New(sender, WithRequestTimeout(2*time.Second))
	sender.onSend = func(m message.Message) {
		if adr, ok := m.(message.LocoAdr); ok && adr.Address == 3 {
			go sk.OnMessage(slotRead(7, 3))
		}
	}

	require.NoError(t, sk.SetLocoSpeed(3, 20))

	sent := sender.sentMessages()
	require.Len(t, sent, 2)
	assert.Equal(t, message.LocoAdr{Address: 3}, sent[0])
	assert.Equal(t, message.LocoSpd{Slot: 7, Speed: 20}, sent[1])
}

func TestSetLocoSpeedUnknownEntity(t *testing.T) {
	sender := &fakeSender{}
	sk := New(sender, WithRetries(2), WithRequestTimeout(20*time.Millisecond))

	err := sk.SetLocoSpeed(3, 20)
	assert.ErrorIs(t, err, ErrUnknownEntity)

	sent := sender.sentMessages()
	assert.Len(t, sent, 2, "one slot request per retry")
	for _, m := range sent {
		assert.Equal(t, message.LocoAdr{Address: 3}, m)
	}
}

func TestSetLocoDirection(t *testing.T) {
	sender := &fakeSender{}
	sk := New(sender)
	rd := slotRead(7, 3)
	rd.Dirf = 0x10 // F0 on, forward
	sk.OnMessage(rd)

	require.NoError(t, sk.SetLocoDirection(3, Reverse))
	sent := sender.sentMessages()
	require.Len(t, sent, 1)
	dirf, ok := sent[0].(message.LocoDirf)
	require.True(t, ok)
	assert.True(t, dirf.Reverse())
	assert.True(t, dirf.Function(0), "direction change must not drop F0")
}

func TestSetLocoFunctionGroups(t *testing.T) {
	sender := &fakeSender{}
	sk := New(sender)
	sk.OnMessage(slotRead(7, 3))

	require.NoError(t, sk.SetLocoFunction(3, 0, true))
	require.NoError(t, sk.SetLocoFunction(3, 6, true))
	require.NoError(t, sk.SetLocoFunction(3, 11, true))
	require.NoError(t, sk.SetLocoFunction(3, 15, true))
	require.NoError(t, sk.SetLocoFunction(3, 25, true))

	sent := sender.sentMessages()
	require.Len(t, sent, 5)

	dirf, ok := sent[0].(message.LocoDirf)
	require.True(t, ok)
	assert.True(t, dirf.Function(0))

	snd, ok := sent[1].(message.LocoSnd)
	require.True(t, ok)
	assert.True(t, snd.Function(6))

	f912, ok := sent[2].(message.LocoF912)
	require.True(t, ok)
	assert.True(t, f912.Function(11))

	imm, ok := sent[3].(message.ImmPacket)
	require.True(t, ok)
	_, base, bits, ok := imm.FunctionExpansion()
	require.True(t, ok)
	assert.Equal(t, 13, base)
	assert.Equal(t, byte(1<<(15-13)), bits)

	imm, ok = sent[4].(message.ImmPacket)
	require.True(t, ok)
	_, base, bits, ok = imm.FunctionExpansion()
	require.True(t, ok)
	assert.Equal(t, 21, base)
	assert.Equal(t, byte(1<<(25-21)), bits)
}

func TestSetSwitchKnown(t *testing.T) {
	sender := &fakeSender{}
	sk := New(sender)
	sk.OnMessage(message.SwRep{Address: 21, ThrownOn: true})

	require.NoError(t, sk.SetSwitch(21, true))
	sent := sender.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, message.SwReq{Address: 21, Closed: true, Engage: true}, sent[0])
}

func TestSetSwitchUnknownProbesFirst(t *testing.T) {
	sender := &fakeSender{}
	sk := New(sender, WithRequestTimeout(2*time.Second))
	sender.onSend = func(m message.Message) {
		if req, ok := m.(message.SwReq); ok && !req.Engage {
			go sk.OnMessage(message.SwRep{Address: req.Address, ClosedOn: true})
		}
	}

	require.NoError(t, sk.SetSwitch(21, false))

	sent := sender.sentMessages()
	require.Len(t, sent, 2)
	probe, ok := sent[0].(message.SwReq)
	require.True(t, ok)
	assert.False(t, probe.Engage, "first message must be the state probe")
	assert.Equal(t, message.SwReq{Address: 21, Closed: false, Engage: true}, sent[1])
}

func TestInvalidArguments(t *testing.T) {
	sk := New(&fakeSender{})

	assert.ErrorIs(t, sk.SetLocoSpeed(3, 200), ErrInvalidArgument)
	assert.ErrorIs(t, sk.SetLocoSpeed(0, 10), ErrInvalidArgument)
	assert.ErrorIs(t, sk.SetLocoFunction(3, 29, true), ErrInvalidArgument)
	assert.ErrorIs(t, sk.SetSwitch(0, true), ErrInvalidArgument)
	assert.ErrorIs(t, sk.SetSwitch(4000, true), ErrInvalidArgument)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	sk := New(&fakeSender{})
	sk.OnMessage(slotRead(7, 3))

	sl, _ := sk.GetSlot(7)
	sl.Functions[0] = true // mutating the copy must not touch the mirror

	fresh, _ := sk.GetSlot(7)
	assert.False(t, fresh.Functions[0])
}

func TestJSONSnapshot(t *testing.T) {
	sk := New(&fakeSender{})
	sk.OnMessage(slotRead(7, 3))
	sk.OnMessage(message.InputRep{Address: 34, Active: true, Control: true})
	sk.OnMessage(message.SwRep{Address: 21, ClosedOn: true})

	data, err := sk.JSONSnapshot()
	require.NoError(t, err)

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &decoded))
	for _, key := range []string{"time", "slots", "sensors", "switches"} {
		assert.Contains(t, decoded, key)
	}

	var slots []map[string]any
	require.NoError(t, json.Unmarshal(decoded["slots"], &slots))
	require.Len(t, slots, 1)
	assert.Equal(t, float64(7), slots[0]["slot"])
	assert.Equal(t, "in-use", slots[0]["status"])
}
