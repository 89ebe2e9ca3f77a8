//go:build silero

package audio

import (
	"errors"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

const (
	// Silero v5 at 16 kHz consumes 512-sample windows.
	sileroWindow    = 512
	sileroStateSize = 128
)

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

// sileroDetector runs the Silero VAD model through ONNX Runtime. Frames are
// buffered into 512-sample windows; a frame is speech when any window it
// completed crossed the threshold, otherwise it inherits the last result.
type sileroDetector struct {
	session *ort.AdvancedSession

	input  *ort.Tensor[float32]
	state  *ort.Tensor[float32]
	sr     *ort.Tensor[int64]
	output *ort.Tensor[float32]
	stateN *ort.Tensor[float32]

	pending   []float32
	threshold float32
	last      bool
}

func newSileroDetector(cfg DetectorConfig) (Detector, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("audio: silero engine requires VAD_MODEL_PATH")
	}

	ortInitOnce.Do(func() {
		if cfg.LibraryPath != "" {
			ort.SetSharedLibraryPath(cfg.LibraryPath)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	if ortInitErr != nil {
		return nil, fmt.Errorf("audio: init onnxruntime: %w", ortInitErr)
	}

	d := &sileroDetector{
		pending:   make([]float32, 0, sileroWindow*2),
		threshold: float32(cfg.SpeechThreshold),
	}
	var err error
	if d.input, err = ort.NewEmptyTensor[float32](ort.NewShape(1, sileroWindow)); err != nil {
		return nil, fmt.Errorf("audio: silero input tensor: %w", err)
	}
	if d.state, err = ort.NewEmptyTensor[float32](ort.NewShape(2, 1, sileroStateSize)); err != nil {
		d.Close()
		return nil, fmt.Errorf("audio: silero state tensor: %w", err)
	}
	if d.sr, err = ort.NewTensor(ort.NewShape(1), []int64{VADSampleRate}); err != nil {
		d.Close()
		return nil, fmt.Errorf("audio: silero sr tensor: %w", err)
	}
	if d.output, err = ort.NewEmptyTensor[float32](ort.NewShape(1, 1)); err != nil {
		d.Close()
		return nil, fmt.Errorf("audio: silero output tensor: %w", err)
	}
	if d.stateN, err = ort.NewEmptyTensor[float32](ort.NewShape(2, 1, sileroStateSize)); err != nil {
		d.Close()
		return nil, fmt.Errorf("audio: silero stateN tensor: %w", err)
	}
	clear(d.state.GetData())
	clear(d.stateN.GetData())

	d.session, err = ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{"input", "state", "sr"},
		[]string{"output", "stateN"},
		[]ort.Value{d.input, d.state, d.sr},
		[]ort.Value{d.output, d.stateN},
		nil,
	)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("audio: silero session: %w", err)
	}
	return d, nil
}

func (d *sileroDetector) IsSpeech(frame []byte) (bool, error) {
	samples, err := DecodePCM16(frame)
	if err != nil {
		return false, err
	}
	for _, s := range samples {
		d.pending = append(d.pending, float32(s)/32768.0)
	}

	ran := false
	speech := false
	for len(d.pending) >= sileroWindow {
		copy(d.input.GetData(), d.pending[:sileroWindow])
		if err := d.session.Run(); err != nil {
			return false, fmt.Errorf("audio: silero inference: %w", err)
		}
		copy(d.state.GetData(), d.stateN.GetData())
		n := copy(d.pending, d.pending[sileroWindow:])
		d.pending = d.pending[:n]

		ran = true
		if d.output.GetData()[0] >= d.threshold {
			speech = true
		}
	}
	if ran {
		d.last = speech
	}
	return d.last, nil
}

func (d *sileroDetector) Close() error {
	if d.session != nil {
		d.session.Destroy()
		d.session = nil
	}
	for _, t := range []*ort.Tensor[float32]{d.input, d.state, d.output, d.stateN} {
		if t != nil {
			t.Destroy()
		}
	}
	if d.sr != nil {
		d.sr.Destroy()
	}
	d.input, d.state, d.sr, d.output, d.stateN = nil, nil, nil, nil, nil
	return nil
}
