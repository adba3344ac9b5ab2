// Package devices mirrors the backend's audio device lists and the current
// selection for each direction.
package devices

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicebridge/internal/app/events"
	"github.com/dkeye/voicebridge/internal/core"
	"github.com/dkeye/voicebridge/internal/domain"
)

var ErrDeviceIndex = errors.New("device index out of range")

type list struct {
	direction domain.Direction
	devices   []domain.Device
	current   *domain.Device
}

func (l *list) add(d domain.Device) bool {
	if l.index(d.ID) >= 0 {
		return false
	}
	l.devices = append(l.devices, d)
	return true
}

func (l *list) remove(id domain.DeviceID) bool {
	i := l.index(id)
	if i < 0 {
		return false
	}
	l.devices = slices.Delete(l.devices, i, i+1)
	return true
}

func (l *list) index(id domain.DeviceID) int {
	return slices.IndexFunc(l.devices, func(d domain.Device) bool { return d.ID == id })
}

func (l *list) snapshot() []domain.Device {
	return slices.Clone(l.devices)
}

func (l *list) listEvent() events.Event {
	name := events.AudioInputDevicesReceived
	if l.direction == domain.DirectionOutput {
		name = events.AudioOutputDevicesReceived
	}
	return events.Event{Name: name, Devices: l.snapshot()}
}

func (l *list) currentEvent() events.Event {
	name := events.CurrentAudioInputDeviceChanged
	if l.direction == domain.DirectionOutput {
		name = events.CurrentAudioOutputDeviceChanged
	}
	ev := events.Event{Name: name}
	if l.current != nil {
		d := *l.current
		ev.Device = &d
	}
	return ev
}

// Registry is threadsafe. Events are published after the lock is released.
type Registry struct {
	mgr core.DeviceManager
	pub events.Publisher

	mu     sync.Mutex
	input  list
	output list
}

func NewRegistry(mgr core.DeviceManager, pub events.Publisher) *Registry {
	return &Registry{
		mgr:    mgr,
		pub:    pub,
		input:  list{direction: domain.DirectionInput},
		output: list{direction: domain.DirectionOutput},
	}
}

// Load fetches the full device list from the backend.
func (r *Registry) Load(ctx context.Context) error {
	all, err := r.mgr.AudioDevices(ctx)
	if err != nil {
		return fmt.Errorf("get audio devices: %w", err)
	}
	r.Initialize(all)
	return nil
}

// Initialize replaces both lists. Devices with both directions land in both.
func (r *Registry) Initialize(all []domain.Device) {
	r.mu.Lock()
	r.input.devices = r.input.devices[:0]
	r.output.devices = r.output.devices[:0]
	for _, d := range all {
		if d.Direction.IsInput() {
			r.input.add(d)
		}
		if d.Direction.IsOutput() {
			r.output.add(d)
		}
	}
	out := []events.Event{r.input.listEvent(), r.output.listEvent()}
	r.mu.Unlock()

	log.Info().Str("module", "app.devices").Int("devices", len(all)).Msg("device lists initialized")
	r.publish(out)
}

func (r *Registry) OnAdded(d domain.Device) {
	var out []events.Event
	r.mu.Lock()
	if d.Direction.IsInput() && r.input.add(d) {
		out = append(out, r.input.listEvent())
	}
	if d.Direction.IsOutput() && r.output.add(d) {
		out = append(out, r.output.listEvent())
	}
	r.mu.Unlock()

	log.Info().Str("module", "app.devices").Str("device", d.Name).Str("direction", d.Direction.String()).Msg("device added")
	r.publish(out)
}

func (r *Registry) OnRemoved(id domain.DeviceID) {
	var out []events.Event
	r.mu.Lock()
	for _, l := range []*list{&r.input, &r.output} {
		if l.remove(id) {
			out = append(out, l.listEvent())
		}
	}
	r.mu.Unlock()

	log.Info().Str("module", "app.devices").Str("device_id", string(id)).Msg("device removed")
	r.publish(out)
}

// OnChanged records d as current for every direction in utilized.
func (r *Registry) OnChanged(d domain.Device, utilized domain.Direction) {
	var out []events.Event
	r.mu.Lock()
	for _, l := range r.listsFor(utilized) {
		cur := d
		l.current = &cur
		out = append(out, l.currentEvent())
	}
	r.mu.Unlock()

	log.Info().Str("module", "app.devices").Str("device", d.Name).Str("direction", utilized.String()).Msg("current device changed")
	r.publish(out)
}

// OnChangedToNone clears the selection for every direction in dir.
func (r *Registry) OnChangedToNone(dir domain.Direction) {
	var out []events.Event
	r.mu.Lock()
	for _, l := range r.listsFor(dir) {
		l.current = nil
		out = append(out, l.currentEvent())
	}
	r.mu.Unlock()

	log.Info().Str("module", "app.devices").Str("direction", dir.String()).Msg("current device changed to none")
	r.publish(out)
}

func (r *Registry) SetInput(ctx context.Context, index int) error {
	d, err := r.at(&r.input, index)
	if err != nil {
		return err
	}
	return r.mgr.SetInputDevice(ctx, d)
}

func (r *Registry) SetOutput(ctx context.Context, index int) error {
	d, err := r.at(&r.output, index)
	if err != nil {
		return err
	}
	return r.mgr.SetOutputDevice(ctx, d)
}

type Snapshot struct {
	Input         []domain.Device `json:"input"`
	Output        []domain.Device `json:"output"`
	CurrentInput  *domain.Device  `json:"current_input,omitempty"`
	CurrentOutput *domain.Device  `json:"current_output,omitempty"`
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Snapshot{Input: r.input.snapshot(), Output: r.output.snapshot()}
	if r.input.current != nil {
		d := *r.input.current
		s.CurrentInput = &d
	}
	if r.output.current != nil {
		d := *r.output.current
		s.CurrentOutput = &d
	}
	return s
}

func (r *Registry) at(l *list, index int) (domain.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if index < 0 || index >= len(l.devices) {
		return domain.Device{}, fmt.Errorf("%w: %d of %d", ErrDeviceIndex, index, len(l.devices))
	}
	return l.devices[index], nil
}

func (r *Registry) listsFor(dir domain.Direction) []*list {
	var out []*list
	if dir.IsInput() {
		out = append(out, &r.input)
	}
	if dir.IsOutput() {
		out = append(out, &r.output)
	}
	return out
}

func (r *Registry) publish(out []events.Event) {
	for _, ev := range out {
		r.pub.Publish(ev)
	}
}
