package sound

import (
	"sync/atomic"

	"github.com/smallnest/ringbuffer"
)

// Queue is a fixed-size PCM queue between the speaker and a device. It
// implements Output; a device pulls from it with Drain.
type Queue struct {
	rb         *ringbuffer.RingBuffer
	sampleRate int
	played     atomic.Uint64
}

var _ Output = (*Queue)(nil)

func NewQueue(size, sampleRate int) *Queue {
	// Keep the capacity sample aligned.
	size -= size % 2
	return &Queue{
		rb:         ringbuffer.New(size).SetBlocking(false),
		sampleRate: sampleRate,
	}
}

func (q *Queue) Write(pcm []byte) (int, error) {
	n := min(len(pcm), q.rb.Free())
	n -= n % 2
	if n == 0 {
		return 0, nil
	}
	return q.rb.Write(pcm[:n])
}

func (q *Queue) Buffered() int   { return q.rb.Length() }
func (q *Queue) Played() uint64  { return q.played.Load() }
func (q *Queue) Reset()          { q.rb.Reset() }
func (q *Queue) SampleRate() int { return q.sampleRate }

// Drain moves queued PCM into buf and zero-fills the remainder, so a device
// plays silence once the queue is empty. It returns the bytes of real audio.
func (q *Queue) Drain(buf []byte) int {
	n, _ := q.rb.Read(buf)
	clear(buf[n:])
	q.played.Add(uint64(n))
	return n
}
