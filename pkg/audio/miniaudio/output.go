package miniaudio

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/voxlive/pkg/audio"
	"github.com/MrWong99/voxlive/pkg/audio/mixer"
)

// Compile-time interface assertion.
var _ audio.OutputDevice = (*outputDevice)(nil)

// outputDevice pulls mixed audio from a renderer on every playback callback.
// The device clock is the renderer clock, so it advances in lockstep with
// the hardware.
type outputDevice struct {
	*mixer.Renderer
	dev *malgo.Device

	// scratch is only touched from the audio callback.
	scratch []float32

	closeOnce sync.Once
}

func openOutput(ctx malgo.Context, cfg audio.OutputConfig, period int) (*outputDevice, error) {
	o := &outputDevice{
		Renderer: mixer.New(cfg.SampleRate),
		scratch:  make([]float32, period),
	}

	devCfg := malgo.DefaultDeviceConfig(malgo.Playback)
	devCfg.Playback.Format = malgo.FormatF32
	devCfg.Playback.Channels = 1
	devCfg.SampleRate = uint32(cfg.SampleRate)
	devCfg.PeriodSizeInFrames = uint32(period)

	dev, err := malgo.InitDevice(ctx, devCfg, malgo.DeviceCallbacks{Data: o.onData})
	if err != nil {
		return nil, classify("init playback device", err)
	}
	o.dev = dev
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, classify("start playback device", err)
	}
	return o, nil
}

// onData runs on the miniaudio thread.
func (o *outputDevice) onData(out, _ []byte, frameCount uint32) {
	n := int(frameCount)
	if cap(o.scratch) < n {
		o.scratch = make([]float32, n)
	}
	s := o.scratch[:n]
	o.Render(s)
	for i, v := range s {
		if i*4+4 > len(out) {
			break
		}
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
}

// Close stops the hardware stream and then the renderer. Pending sources are
// discarded without firing their callbacks.
func (o *outputDevice) Close() error {
	var err error
	o.closeOnce.Do(func() {
		if stopErr := o.dev.Stop(); stopErr != nil {
			err = classify("stop playback device", stopErr)
		}
		o.dev.Uninit()
		_ = o.Renderer.Close()
	})
	return err
}
