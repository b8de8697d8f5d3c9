package audio

import "sync"

// Ring is a circular capture buffer of float32 samples with a single writer
// (the capture subsystem) and a single reader (the speech pump). The writer
// only advances the write cursor; readers track their own position and drain
// whatever arrived since their last read.
type Ring struct {
	mu       sync.Mutex
	buf      []float32
	writePos int
}

// NewRing allocates a ring holding capacity samples.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]float32, capacity)}
}

// Cap returns the ring capacity in samples.
func (r *Ring) Cap() int { return len(r.buf) }

// Write appends samples, overwriting the oldest data when the ring is full.
func (r *Ring) Write(samples []float32) {
	r.mu.Lock()
	for _, s := range samples {
		r.buf[r.writePos] = s
		r.writePos = (r.writePos + 1) % len(r.buf)
	}
	r.mu.Unlock()
}

// WritePos returns the current write cursor.
func (r *Ring) WritePos() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writePos
}

// Reader drains newly written samples from a Ring. Not safe for concurrent
// use by multiple goroutines.
type Reader struct {
	ring    *Ring
	readPos int
}

// NewReader returns a Reader positioned at the current write cursor, so the
// first ReadNew only sees samples written after this call.
func (r *Ring) NewReader() *Reader {
	return &Reader{ring: r, readPos: r.WritePos()}
}

// ReadNew returns all samples written since the previous read. On wraparound
// it drains to the end of the buffer first, then from the start.
func (rd *Reader) ReadNew() []float32 {
	r := rd.ring
	r.mu.Lock()
	wp := r.writePos
	if wp == rd.readPos {
		r.mu.Unlock()
		return nil
	}
	var out []float32
	if rd.readPos < wp {
		out = make([]float32, wp-rd.readPos)
		copy(out, r.buf[rd.readPos:wp])
	} else {
		tail := len(r.buf) - rd.readPos
		out = make([]float32, tail+wp)
		copy(out, r.buf[rd.readPos:])
		copy(out[tail:], r.buf[:wp])
	}
	rd.readPos = wp
	r.mu.Unlock()
	return out
}
