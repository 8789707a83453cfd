package scrollkeeper

import (
	"encoding/json"
	"time"
)

// Snapshot is a point-in-time copy of the whole mirror, shaped for the web
// view: {time, slots, sensors, switches}.
type Snapshot struct {
	Time     time.Time      `json:"time"`
	Slots    []slotSnapshot `json:"slots"`
	Sensors  []Sensor       `json:"sensors"`
	Switches []Switch       `json:"switches"`
}

// slotSnapshot flattens the enum fields to their names for the browser.
type slotSnapshot struct {
	Number    byte           `json:"slot"`
	Address   uint16         `json:"address"`
	Speed     byte           `json:"speed"`
	Direction Direction      `json:"direction"`
	Status    string         `json:"status"`
	Consist   string         `json:"consist"`
	Functions map[uint8]bool `json:"functions"`
}

// Snapshot returns deep copies of all three collections.
func (s *Scrollkeeper) Snapshot() Snapshot {
	slots := s.Slots()
	out := Snapshot{
		Time:     time.Now(),
		Slots:    make([]slotSnapshot, 0, len(slots)),
		Sensors:  s.Sensors(),
		Switches: s.Switches(),
	}
	for _, sl := range slots {
		out.Slots = append(out.Slots, slotSnapshot{
			Number:    sl.Number,
			Address:   sl.Address,
			Speed:     sl.Speed,
			Direction: sl.Direction,
			Status:    sl.Status.String(),
			Consist:   sl.Consist.String(),
			Functions: sl.Functions,
		})
	}
	return out
}

// JSONSnapshot marshals the current mirror state for the web socket push.
func (s *Scrollkeeper) JSONSnapshot() ([]byte, error) {
	return json.Marshal(s.Snapshot())
}
