package proximity

// window is a circular buffer holding the most recent samples.
type window struct {
	buf   []Sample
	pos   int
	count int
}

func newWindow(capacity int) *window {
	return &window{buf: make([]Sample, capacity)}
}

// push adds s, overwriting the oldest sample when full.
func (w *window) push(s Sample) {
	w.buf[w.pos] = s
	w.pos = (w.pos + 1) % len(w.buf)
	if w.count < len(w.buf) {
		w.count++
	}
}

// values returns the stored samples in chronological order.
func (w *window) values() []Sample {
	if w.count == 0 {
		return nil
	}
	result := make([]Sample, w.count)
	if w.count < len(w.buf) {
		copy(result, w.buf[:w.count])
	} else {
		n := copy(result, w.buf[w.pos:])
		copy(result[n:], w.buf[:w.pos])
	}
	return result
}

func (w *window) len() int {
	return w.count
}

func (w *window) reset() {
	clear(w.buf)
	w.pos = 0
	w.count = 0
}
