package runner

import "sync"

// lineRing keeps the last n output lines of a process
type lineRing struct {
	mu    sync.Mutex
	data  []string
	head  int
	count int
}

func newLineRing(size int) *lineRing {
	return &lineRing{data: make([]string, size)}
}

func (r *lineRing) Push(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.data[r.head] = line
	r.head = (r.head + 1) % len(r.data)
	if r.count < len(r.data) {
		r.count++
	}
}

// Lines returns the buffered lines, oldest first
func (r *lineRing) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, r.count)
	start := (r.head - r.count + len(r.data)) % len(r.data)
	for i := 0; i < r.count; i++ {
		out[i] = r.data[(start+i)%len(r.data)]
	}
	return out
}
