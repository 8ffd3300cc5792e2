// Package proximity turns raw RSSI readings into a smoothed distance estimate
// using the log-distance path loss model and a moving average.
package proximity

import (
	"errors"
	"math"
	"sync"
	"time"
)

// ErrInvalidSample is returned for a zero RSSI, which radio stacks report
// when they have no reading.
var ErrInvalidSample = errors.New("proximity: invalid zero rssi sample")

const (
	DefaultReferenceRSSI    = -69 // dBm measured at 1 meter
	DefaultPathLossExponent = 2.0 // free space
	DefaultWindow           = 3
)

// Sample is one RSSI reading with its derived distance.
type Sample struct {
	RSSI     int
	At       time.Time
	Distance float64 // meters
}

// Estimate is the average over the samples currently in the window.
type Estimate struct {
	RSSI     float64 // mean dBm
	Distance float64 // mean meters
	Samples  int
}

// Options configures an Estimator.
type Options struct {
	ReferenceRSSI    int
	PathLossExponent float64
	Window           int
}

// DefaultOptions returns the calibration used for ESP32 tags.
func DefaultOptions() Options {
	return Options{
		ReferenceRSSI:    DefaultReferenceRSSI,
		PathLossExponent: DefaultPathLossExponent,
		Window:           DefaultWindow,
	}
}

// Distance estimates meters from rssi using the log-distance path loss model:
// d = 10^((ref - rssi) / (10 * n)).
func Distance(rssi, ref int, n float64) float64 {
	return math.Pow(10, float64(ref-rssi)/(10*n))
}

// Estimator keeps a moving window of samples. It is safe for concurrent use.
type Estimator struct {
	opts Options

	mu  sync.Mutex
	win *window
}

// NewEstimator creates an Estimator. Zero option fields take their defaults.
func NewEstimator(opts Options) *Estimator {
	def := DefaultOptions()
	if opts.ReferenceRSSI == 0 {
		opts.ReferenceRSSI = def.ReferenceRSSI
	}
	if opts.PathLossExponent <= 0 {
		opts.PathLossExponent = def.PathLossExponent
	}
	if opts.Window <= 0 {
		opts.Window = def.Window
	}
	return &Estimator{opts: opts, win: newWindow(opts.Window)}
}

// Add records a reading and returns the updated estimate.
func (e *Estimator) Add(rssi int, at time.Time) (Estimate, error) {
	if rssi == 0 {
		return Estimate{}, ErrInvalidSample
	}
	s := Sample{
		RSSI:     rssi,
		At:       at,
		Distance: Distance(rssi, e.opts.ReferenceRSSI, e.opts.PathLossExponent),
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.win.push(s)
	return e.estimate(), nil
}

// Current returns the estimate over the window, or false if it is empty.
func (e *Estimator) Current() (Estimate, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.win.len() == 0 {
		return Estimate{}, false
	}
	return e.estimate(), true
}

// Samples returns the window contents, oldest first.
func (e *Estimator) Samples() []Sample {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.win.values()
}

// Reset empties the window.
func (e *Estimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.win.reset()
}

func (e *Estimator) estimate() Estimate {
	samples := e.win.values()
	var rssi, dist float64
	for _, s := range samples {
		rssi += float64(s.RSSI)
		dist += s.Distance
	}
	n := float64(len(samples))
	return Estimate{
		RSSI:     rssi / n,
		Distance: dist / n,
		Samples:  len(samples),
	}
}
