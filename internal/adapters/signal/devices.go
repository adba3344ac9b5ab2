package signal

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/dkeye/voicebridge/internal/core"
	"github.com/dkeye/voicebridge/internal/domain"
)

var ErrUnknownDevice = errors.New("unknown device")

// virtualDevices serves a configured device list. Selecting a device
// reports it back as a device change, like a real audio stack would.
type virtualDevices struct {
	emit func(core.Event)

	mu   sync.Mutex
	list []domain.Device
}

func newVirtualDevices(list []domain.Device, emit func(core.Event)) *virtualDevices {
	return &virtualDevices{list: slices.Clone(list), emit: emit}
}

func (d *virtualDevices) AudioDevices(context.Context) ([]domain.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.list), nil
}

func (d *virtualDevices) SetInputDevice(_ context.Context, dev domain.Device) error {
	return d.use(dev, domain.DirectionInput)
}

func (d *virtualDevices) SetOutputDevice(_ context.Context, dev domain.Device) error {
	return d.use(dev, domain.DirectionOutput)
}

func (d *virtualDevices) use(dev domain.Device, dir domain.Direction) error {
	d.mu.Lock()
	i := slices.IndexFunc(d.list, func(x domain.Device) bool { return x.ID == dev.ID && x.Direction&dir != 0 })
	if i < 0 {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s (%s)", ErrUnknownDevice, dev.ID, dir)
	}
	found := d.list[i]
	d.mu.Unlock()
	d.emit(core.DeviceChanged{Device: found, Utilized: dir})
	return nil
}

// announceDefaults reports the first device of each direction as current.
func (d *virtualDevices) announceDefaults() {
	for _, dir := range []domain.Direction{domain.DirectionInput, domain.DirectionOutput} {
		d.mu.Lock()
		i := slices.IndexFunc(d.list, func(x domain.Device) bool { return x.Direction&dir != 0 })
		var found domain.Device
		if i >= 0 {
			found = d.list[i]
		}
		d.mu.Unlock()
		if i < 0 {
			d.emit(core.DeviceChanged{Device: domain.Device{Direction: dir}, NoDevice: true})
			continue
		}
		d.emit(core.DeviceChanged{Device: found, Utilized: dir})
	}
}
