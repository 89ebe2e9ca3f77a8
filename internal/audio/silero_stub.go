//go:build !silero

package audio

import "errors"

// ErrSileroUnavailable is returned when the binary was built without the silero tag.
var ErrSileroUnavailable = errors.New("audio: silero VAD requires building with -tags silero")

func newSileroDetector(DetectorConfig) (Detector, error) {
	return nil, ErrSileroUnavailable
}
