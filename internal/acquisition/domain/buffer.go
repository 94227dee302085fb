package acquisition

// SampleBuffer is a bounded FIFO of samples; the oldest entry is evicted
// when a push would exceed the capacity.
type SampleBuffer struct {
	items []Sample
	start int
	size  int
}

// NewSampleBuffer constructs a buffer holding at most capacity samples.
func NewSampleBuffer(capacity int) *SampleBuffer {
	if capacity <= 0 {
		capacity = BufferCapacity
	}
	return &SampleBuffer{items: make([]Sample, capacity)}
}

// Push appends a sample.
func (b *SampleBuffer) Push(sample Sample) {
	capacity := len(b.items)
	if b.size < capacity {
		b.items[(b.start+b.size)%capacity] = sample
		b.size++
		return
	}
	b.items[b.start] = sample
	b.start = (b.start + 1) % capacity
}

// Len returns the number of buffered samples.
func (b *SampleBuffer) Len() int { return b.size }

// Last returns up to n most recent samples in arrival order.
// n <= 0 returns everything.
func (b *SampleBuffer) Last(n int) []Sample {
	if n <= 0 || n > b.size {
		n = b.size
	}
	out := make([]Sample, 0, n)
	capacity := len(b.items)
	for i := b.size - n; i < b.size; i++ {
		out = append(out, b.items[(b.start+i)%capacity])
	}
	return out
}

// Newest returns the most recent sample.
func (b *SampleBuffer) Newest() (Sample, bool) {
	if b.size == 0 {
		return Sample{}, false
	}
	return b.items[(b.start+b.size-1)%len(b.items)], true
}

// Reset drops all samples.
func (b *SampleBuffer) Reset() {
	for i := range b.items {
		b.items[i] = Sample{}
	}
	b.start = 0
	b.size = 0
}
