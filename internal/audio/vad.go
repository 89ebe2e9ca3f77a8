package audio

import (
	"fmt"
)

// Detector classifies one 16 kHz PCM16 frame as speech or silence.
type Detector interface {
	IsSpeech(frame []byte) (bool, error)
	Close() error
}

// DetectorConfig selects and tunes a Detector
type DetectorConfig struct {
	Engine          string  // "energy" or "silero"
	EnergyThreshold float64 // RMS energy threshold for the energy engine
	SpeechThreshold float64 // probability threshold for the silero engine
	ModelPath       string  // silero ONNX model file
	LibraryPath     string  // onnxruntime shared library, empty for the platform default
	HangoverFrames  int     // frames a detection is held after energy drops
}

// DefaultDetectorConfig returns a default detector configuration
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		Engine:          "energy",
		EnergyThreshold: 500.0,
		SpeechThreshold: 0.5,
		HangoverFrames:  0,
	}
}

// NewDetector builds the detector named by cfg.Engine
func NewDetector(cfg DetectorConfig) (Detector, error) {
	switch cfg.Engine {
	case "", "energy":
		return NewEnergyDetector(cfg.EnergyThreshold, cfg.HangoverFrames), nil
	case "silero":
		return newSileroDetector(cfg)
	default:
		return nil, fmt.Errorf("audio: unknown VAD engine %q", cfg.Engine)
	}
}

// EnergyDetector marks frames whose RMS energy exceeds a threshold as speech
type EnergyDetector struct {
	threshold      float64
	hangoverFrames int
	hangover       int
}

// NewEnergyDetector creates a new energy detector. A frame following a
// speech frame is still reported as speech for hangoverFrames frames.
func NewEnergyDetector(threshold float64, hangoverFrames int) *EnergyDetector {
	return &EnergyDetector{
		threshold:      threshold,
		hangoverFrames: hangoverFrames,
	}
}

// IsSpeech implements Detector
func (d *EnergyDetector) IsSpeech(frame []byte) (bool, error) {
	samples, err := DecodePCM16(frame)
	if err != nil {
		return false, err
	}

	if CalculateRMS(samples) > d.threshold {
		d.hangover = d.hangoverFrames
		return true, nil
	}
	if d.hangover > 0 {
		d.hangover--
		return true, nil
	}
	return false, nil
}

// Reset clears the hangover counter
func (d *EnergyDetector) Reset() {
	d.hangover = 0
}

// Close implements Detector
func (d *EnergyDetector) Close() error { return nil }
