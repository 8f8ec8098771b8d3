package calculator

// RollingWindow is a fixed-capacity circular buffer of the most recent values.
// Until it fills, it holds every value pushed so far, which gives the growing
// window at the start of a series.
type RollingWindow struct {
	data     []float64
	capacity int
	size     int
	head     int // next write position
}

// NewRollingWindow creates a window holding at most capacity values.
func NewRollingWindow(capacity int) *RollingWindow {
	if capacity < 1 {
		capacity = 1
	}
	return &RollingWindow{
		data:     make([]float64, capacity),
		capacity: capacity,
	}
}

// Push appends v, overwriting the oldest value when full.
func (w *RollingWindow) Push(v float64) {
	w.data[w.head] = v
	w.head = (w.head + 1) % w.capacity
	if w.size < w.capacity {
		w.size++
	}
}

// Size returns the number of values currently held.
func (w *RollingWindow) Size() int { return w.size }

// Values returns the held values oldest first.
func (w *RollingWindow) Values() []float64 {
	out := make([]float64, w.size)
	start := 0
	if w.size == w.capacity {
		start = w.head
	}
	for i := 0; i < w.size; i++ {
		out[i] = w.data[(start+i)%w.capacity]
	}
	return out
}

// Mean is the simple moving average over the window's period.
func (w *RollingWindow) Mean() float64 {
	return CalculateSMA(w.Values(), w.capacity)
}

// SampleStddev is the sample standard deviation of the held values.
// ok is false with fewer than two values.
func (w *RollingWindow) SampleStddev() (float64, bool) {
	return SampleStddev(w.Values())
}

// CalculateSMA returns the mean of the last period prices, or of all of them
// when fewer than period are available.
func CalculateSMA(prices []float64, period int) float64 {
	if period <= 0 || len(prices) == 0 {
		return 0
	}
	start := len(prices) - period
	if start < 0 {
		start = 0
	}
	return Mean(prices[start:])
}
