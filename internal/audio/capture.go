package audio

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/M4ORE/edgexpo-ai-assistant-x/internal/faults"
)

// Device abstracts the microphone so recording sessions can be tested
// without hardware. Exactly one consumer owns a started device at a time.
type Device interface {
	// Start begins capture, invoking onFrames with PCM-16 mono frames as
	// they arrive. Fails if the device is already started.
	Start(onFrames func(frame []int16)) error

	// Stop ends capture and releases the device. Safe to call when stopped.
	Stop() error
}

// CaptureDevice is the malgo-backed microphone implementation.
type CaptureDevice struct {
	sampleRate int

	ctx    *malgo.AllocatedContext
	device *malgo.Device

	started bool
	mu      sync.Mutex
}

// NewCaptureDevice creates a capture device for the given sample rate. The
// audio context is initialized lazily on the first Start so construction
// never touches hardware.
func NewCaptureDevice(sampleRate int) *CaptureDevice {
	return &CaptureDevice{sampleRate: sampleRate}
}

// Start begins microphone capture
func (d *CaptureDevice) Start(onFrames func(frame []int16)) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return faults.Device("device-busy", "capture device already in use",
			"stop the active recording before starting a new one")
	}

	if d.ctx == nil {
		ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
		if err != nil {
			return classifyDeviceError(err)
		}
		d.ctx = ctx
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(d.sampleRate)
	deviceConfig.Alsa.NoMMap = 1

	onRecvFrames := func(_, pSample []byte, framecount uint32) {
		if framecount == 0 {
			return
		}
		n := int(framecount)
		frame := make([]int16, n)
		for i := 0; i < n; i++ {
			frame[i] = int16(pSample[i*2]) | int16(pSample[i*2+1])<<8
		}
		onFrames(frame)
	}

	device, err := malgo.InitDevice(d.ctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onRecvFrames})
	if err != nil {
		return classifyDeviceError(err)
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		return classifyDeviceError(err)
	}

	d.device = device
	d.started = true
	return nil
}

// Stop ends microphone capture and releases the device handle
func (d *CaptureDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started {
		return nil
	}

	d.device.Uninit()
	d.device = nil
	d.started = false
	return nil
}

// Close releases the audio context. The device must be stopped first.
func (d *CaptureDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return fmt.Errorf("cannot close capture device while started")
	}

	if d.ctx != nil {
		if err := d.ctx.Uninit(); err != nil {
			return fmt.Errorf("failed to uninit audio context: %w", err)
		}
		d.ctx.Free()
		d.ctx = nil
	}

	return nil
}

// classifyDeviceError maps backend errors onto the device fault taxonomy
func classifyDeviceError(err error) error {
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "access") || strings.Contains(msg, "permission"):
		return faults.Device("permission-denied", "microphone access denied",
			"grant microphone permission in system settings and try again")
	case strings.Contains(msg, "busy") || strings.Contains(msg, "in use"):
		return faults.Device("device-busy", "capture device busy",
			"close other applications using the microphone")
	default:
		return faults.Device("unsupported", fmt.Sprintf("audio capture unavailable: %v", err),
			"check that a microphone is connected and supported")
	}
}
