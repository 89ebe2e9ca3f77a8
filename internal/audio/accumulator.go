package audio

// FrameAccumulator collects arbitrary-length audio chunks and hands them out
// as fixed-size frames. Between calls it retains fewer than frameSize bytes.
// It is not safe for concurrent use; each VAD monitor owns one.
type FrameAccumulator struct {
	frameSize int
	buf       []byte
}

// NewFrameAccumulator creates an accumulator emitting frameSize-byte frames
func NewFrameAccumulator(frameSize int) *FrameAccumulator {
	return &FrameAccumulator{
		frameSize: frameSize,
		buf:       make([]byte, 0, frameSize*4),
	}
}

// Write appends data and returns every complete frame now available, in order.
// Returned frames do not alias the accumulator's storage.
func (a *FrameAccumulator) Write(data []byte) [][]byte {
	a.buf = append(a.buf, data...)
	if len(a.buf) < a.frameSize {
		return nil
	}

	n := len(a.buf) / a.frameSize
	frames := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		frame := make([]byte, a.frameSize)
		copy(frame, a.buf[i*a.frameSize:])
		frames = append(frames, frame)
	}

	rest := copy(a.buf, a.buf[n*a.frameSize:])
	a.buf = a.buf[:rest]
	return frames
}

// Pending returns the number of buffered bytes not yet forming a frame
func (a *FrameAccumulator) Pending() int {
	return len(a.buf)
}

// Reset drops any partial frame
func (a *FrameAccumulator) Reset() {
	a.buf = a.buf[:0]
}
