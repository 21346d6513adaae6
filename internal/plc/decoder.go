package plc

import (
	"errors"
	"fmt"
	"time"

	"github.com/rufus800/challawa-np/internal/config"
	"github.com/rufus800/challawa-np/internal/models"
	"github.com/rufus800/challawa-np/pkg/utils"
)

// ErrShortBuffer means the raw block is smaller than the layout requires
var ErrShortBuffer = errors.New("plc: short buffer")

// DecodeError reports a block that cannot be decoded
type DecodeError struct {
	Need int
	Got  int
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("plc: decode: need %d bytes, got %d: %v", e.Need, e.Got, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// StatusBits is the bit index (0-7) of each flag in a unit's status byte
type StatusBits struct {
	Ready   uint8
	Running uint8
	Trip    uint8
}

// defaultBits applies to units without an explicit bit map
var defaultBits = StatusBits{Ready: 1, Running: 2, Trip: 3}

// Layout is the byte-exact map of the data block.
//
// Unit n (1-based) starts at (n-1)*Stride. Inside a unit the status byte sits at
// StatusOffset and the three REALs at PressureOffset, SetpointOffset and SpeedOffset.
// The system alarm is a single bit shared by all units.
type Layout struct {
	Stride         int
	StatusOffset   int
	PressureOffset int
	SetpointOffset int
	SpeedOffset    int
	AlarmByte      int
	AlarmBit       uint8
	Bits           []StatusBits
}

// LayoutFromConfig converts the configured layout
func LayoutFromConfig(c config.LayoutConfig) Layout {
	l := Layout{
		Stride:         c.Stride,
		StatusOffset:   c.StatusOffset,
		PressureOffset: c.PressureOffset,
		SetpointOffset: c.SetpointOffset,
		SpeedOffset:    c.SpeedOffset,
		AlarmByte:      c.AlarmByte,
		AlarmBit:       c.AlarmBit,
	}
	for _, b := range c.Bits {
		l.Bits = append(l.Bits, StatusBits{Ready: b.Ready, Running: b.Running, Trip: b.Trip})
	}
	return l
}

// BitsFor returns the status bit map of a 1-based unit
func (l Layout) BitsFor(unitID int) StatusBits {
	if unitID >= 1 && unitID <= len(l.Bits) {
		return l.Bits[unitID-1]
	}
	return defaultBits
}

// Size is the number of bytes needed to decode unitCount units
func (l Layout) Size(unitCount int) int {
	n := l.Stride * unitCount
	if l.AlarmByte+1 > n {
		n = l.AlarmByte + 1
	}
	return n
}

// Decode interprets raw as unitCount consecutive units stamped with at.
// Non-finite REALs are passed through untouched.
func (l Layout) Decode(raw []byte, unitCount int, at time.Time) ([]models.UnitReading, error) {
	if unitCount < 1 {
		return nil, fmt.Errorf("plc: decode: invalid unit count %d", unitCount)
	}
	if need := l.Size(unitCount); len(raw) < need {
		return nil, &DecodeError{Need: need, Got: len(raw), Err: ErrShortBuffer}
	}

	alarm := utils.BitSet(raw[l.AlarmByte], l.AlarmBit)

	readings := make([]models.UnitReading, 0, unitCount)
	for unitID := 1; unitID <= unitCount; unitID++ {
		base := (unitID - 1) * l.Stride
		status := raw[base+l.StatusOffset]
		bits := l.BitsFor(unitID)

		readings = append(readings, models.UnitReading{
			UnitID:           unitID,
			Timestamp:        at,
			Ready:            utils.BitSet(status, bits.Ready),
			Running:          utils.BitSet(status, bits.Running),
			Tripped:          utils.BitSet(status, bits.Trip),
			Pressure:         models.Real(utils.Float32At(raw, base+l.PressureOffset)),
			PressureSetpoint: models.Real(utils.Float32At(raw, base+l.SetpointOffset)),
			Speed:            models.Real(utils.Float32At(raw, base+l.SpeedOffset)),
			SystemAlarm:      alarm,
		})
	}

	return readings, nil
}
