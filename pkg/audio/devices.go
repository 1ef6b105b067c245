// Package audio binds the engine to local capture and playback devices
// through PortAudio.
package audio

import (
	"fmt"
	"io"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// DefaultDevice selects the host's default input or output device.
const DefaultDevice = -1

// DeviceInfo is a printable snapshot of one PortAudio device.
type DeviceInfo struct {
	Index         int
	Name          string
	HostAPI       string
	Inputs        int
	Outputs       int
	DefaultRate   float64
	DefaultInput  bool
	DefaultOutput bool
}

var (
	paMu   sync.Mutex
	paRefs int
)

// acquire initializes PortAudio on first use. Capture, playback and device
// listing share one library instance.
func acquire() error {
	paMu.Lock()
	defer paMu.Unlock()
	if paRefs == 0 {
		if err := portaudio.Initialize(); err != nil {
			return fmt.Errorf("portaudio init: %w", err)
		}
	}
	paRefs++
	return nil
}

func release() {
	paMu.Lock()
	defer paMu.Unlock()
	if paRefs == 0 {
		return
	}
	paRefs--
	if paRefs == 0 {
		_ = portaudio.Terminate()
	}
}

// ListDevices enumerates the devices PortAudio can open.
func ListDevices() ([]DeviceInfo, error) {
	if err := acquire(); err != nil {
		return nil, err
	}
	defer release()

	devs, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	defIn, _ := portaudio.DefaultInputDevice()
	defOut, _ := portaudio.DefaultOutputDevice()

	out := make([]DeviceInfo, 0, len(devs))
	for i, d := range devs {
		info := DeviceInfo{
			Index:       i,
			Name:        d.Name,
			Inputs:      d.MaxInputChannels,
			Outputs:     d.MaxOutputChannels,
			DefaultRate: d.DefaultSampleRate,
		}
		if d.HostApi != nil {
			info.HostAPI = d.HostApi.Name
		}
		info.DefaultInput = sameDevice(d, defIn)
		info.DefaultOutput = sameDevice(d, defOut)
		out = append(out, info)
	}
	return out, nil
}

// FormatDevices writes one line per device, marking defaults with '>' (input)
// and '<' (output).
func FormatDevices(w io.Writer, devs []DeviceInfo) {
	for _, d := range devs {
		mark := "  "
		switch {
		case d.DefaultInput && d.DefaultOutput:
			mark = "<>"
		case d.DefaultInput:
			mark = "> "
		case d.DefaultOutput:
			mark = "< "
		}
		fmt.Fprintf(w, "%s %3d %s", mark, d.Index, d.Name)
		if d.HostAPI != "" {
			fmt.Fprintf(w, ", %s", d.HostAPI)
		}
		fmt.Fprintf(w, " (%d in, %d out, %.0f Hz)\n", d.Inputs, d.Outputs, d.DefaultRate)
	}
}

func resolveDevice(index int, input bool) (*portaudio.DeviceInfo, error) {
	if index < 0 {
		if input {
			return portaudio.DefaultInputDevice()
		}
		return portaudio.DefaultOutputDevice()
	}
	devs, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	if index >= len(devs) {
		return nil, fmt.Errorf("device %d out of range (%d devices)", index, len(devs))
	}
	d := devs[index]
	if input && d.MaxInputChannels < 1 {
		return nil, fmt.Errorf("device %d (%s) has no input channels", index, d.Name)
	}
	if !input && d.MaxOutputChannels < 1 {
		return nil, fmt.Errorf("device %d (%s) has no output channels", index, d.Name)
	}
	return d, nil
}

func sameDevice(a, b *portaudio.DeviceInfo) bool {
	if a == nil || b == nil {
		return false
	}
	if a == b {
		return true
	}
	if a.Name != b.Name {
		return false
	}
	if a.HostApi == nil || b.HostApi == nil {
		return a.HostApi == b.HostApi
	}
	return a.HostApi.Name == b.HostApi.Name
}
