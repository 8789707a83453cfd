// Package script is the synchronous façade layout scripts talk to. It holds
// no state of its own; every call delegates to the scrollkeeper mirror.
package script

import (
	"time"

	"github.com/keskad/loconet/pkgs/scrollkeeper"
)

type Script struct {
	sk *scrollkeeper.Scrollkeeper
}

func New(sk *scrollkeeper.Scrollkeeper) *Script {
	return &Script{sk: sk}
}

// ThrowSwitch moves a turnout to the thrown or closed position.
func (s *Script) ThrowSwitch(addr uint16, pos scrollkeeper.SwitchPosition) error {
	return s.sk.SetSwitch(addr, pos == scrollkeeper.SwitchClosed)
}

// SetSpeed sets the speed (0..127) of the locomotive with the given address.
func (s *Script) SetSpeed(addr uint16, speed byte) error {
	return s.sk.SetLocoSpeed(addr, speed)
}

// SetDirection sets the direction of travel.
func (s *Script) SetDirection(addr uint16, dir scrollkeeper.Direction) error {
	return s.sk.SetLocoDirection(addr, dir)
}

// SetFunction switches a decoder function F0..F28 on or off.
func (s *Script) SetFunction(addr uint16, fn uint8, on bool) error {
	return s.sk.SetLocoFunction(addr, fn, on)
}

// WaitForSensor blocks until the sensor reaches the desired state or the
// timeout elapses.
func (s *Script) WaitForSensor(addr uint16, state scrollkeeper.SensorState, timeout time.Duration) error {
	return s.sk.WaitForSensor(addr, state, timeout)
}

// WaitForSwitch blocks until the turnout reaches the desired position or the
// timeout elapses.
func (s *Script) WaitForSwitch(addr uint16, pos scrollkeeper.SwitchPosition, timeout time.Duration) error {
	return s.sk.WaitForSwitch(addr, pos, timeout)
}
