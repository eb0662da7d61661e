// Package bus keeps the display and the storage card from being selected at
// the same time on the shared SPI bus.
//
// The arbitrator does not queue or block. All bus traffic happens on the
// scheduler goroutine, so ownership only has to be switched, never waited
// for. Call Acquire before every transaction; it is a no-op when the
// requested peripheral already owns the bus.
package bus

import (
	"fmt"
	"log"

	"periph.io/x/conn/v3/gpio"
)

// Peripheral identifies a device hanging off the shared bus.
type Peripheral int

const (
	None Peripheral = iota
	Display
	Storage
)

func (p Peripheral) String() string {
	switch p {
	case None:
		return "none"
	case Display:
		return "display"
	case Storage:
		return "storage"
	default:
		return fmt.Sprintf("peripheral(%d)", int(p))
	}
}

// Select lines are active low.
const (
	selected   = gpio.Low
	deselected = gpio.High
)

// Arbitrator toggles the two chip-select lines.
type Arbitrator struct {
	display  gpio.PinOut
	storage  gpio.PinOut
	owner    Peripheral
	switches uint64
}

// New returns an arbitrator with both peripherals deselected. Either pin may
// be nil when the peripheral is selected by other means (host development).
func New(displaySelect, storageSelect gpio.PinOut) *Arbitrator {
	a := &Arbitrator{display: displaySelect, storage: storageSelect}
	a.Release()
	return a
}

// Acquire deselects the other peripheral, then selects p.
func (a *Arbitrator) Acquire(p Peripheral) {
	if a.owner == p {
		return
	}
	switch p {
	case Display:
		a.set(a.storage, deselected)
		a.set(a.display, selected)
	case Storage:
		a.set(a.display, deselected)
		a.set(a.storage, selected)
	default:
		a.Release()
		return
	}
	a.owner = p
	a.switches++
}

// Release deselects both peripherals.
func (a *Arbitrator) Release() {
	a.set(a.display, deselected)
	a.set(a.storage, deselected)
	a.owner = None
}

// Owner returns the currently selected peripheral.
func (a *Arbitrator) Owner() Peripheral {
	return a.owner
}

// Switches counts ownership changes since New.
func (a *Arbitrator) Switches() uint64 {
	return a.switches
}

func (a *Arbitrator) set(p gpio.PinOut, l gpio.Level) {
	if p == nil {
		return
	}
	if err := p.Out(l); err != nil {
		log.Printf("bus: %s out %s: %v", p, l, err)
	}
}
