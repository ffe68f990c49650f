package connection

import (
	"fmt"
	"sync"
	"time"
)

// PingSamples is the number of round trip times averaged by a PingWindow.
const PingSamples = 5

// PingWindow keeps the last PingSamples keep-alive round trip times. It is
// written by the keep-alive loop and may be read from any goroutine.
type PingWindow struct {
	mu      sync.Mutex
	samples [PingSamples]time.Duration
	n, next int
}

func (w *PingWindow) Add(rtt time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.samples[w.next] = rtt
	w.next = (w.next + 1) % PingSamples
	if w.n < PingSamples {
		w.n++
	}
}

// Average returns the simple moving average of the samples, or -1 if there
// are none.
func (w *PingWindow) Average() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.n == 0 {
		return -1
	}
	var sum time.Duration
	for i := 0; i < w.n; i++ {
		sum += w.samples[i]
	}
	return sum / time.Duration(w.n)
}

func (w *PingWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.n, w.next = 0, 0
}

// PingText renders a ping as milliseconds with two decimals, or "N/A" for a
// negative ping.
func PingText(ping time.Duration) string {
	if ping < 0 {
		return "N/A"
	}
	return fmt.Sprintf("%.2fms", float64(ping)/float64(time.Millisecond))
}
