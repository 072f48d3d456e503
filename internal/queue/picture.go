package queue

import (
	"fmt"
	"sync"

	"github.com/zsiec/avplay/internal/media"
)

// DefaultPictureCapacity is the number of decoded pictures buffered ahead
// of the display.
const DefaultPictureCapacity = 1

// Picture is one slot of the ring.
type Picture struct {
	Image media.Image
	PTS   float64 // seconds

	serial int
}

// PictureQueue is a fixed ring of converted pictures between the video
// decoder and the pacing task. The writer owns slot windex between
// AllocNext and Publish; the reader owns slot rindex between Acquire (or
// Peek) and Release.
type PictureQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	slots  []Picture
	rindex int
	windex int
	size   int
	serial int

	format media.PixelFormat
	scaler media.Scaler
	quit   *Quit
}

// NewPictureQueue creates a ring of capacity slots. Values below one use
// DefaultPictureCapacity. Published frames are converted to format with
// scaler.
func NewPictureQueue(capacity int, format media.PixelFormat, scaler media.Scaler, quit *Quit) *PictureQueue {
	if capacity < 1 {
		capacity = DefaultPictureCapacity
	}
	pq := &PictureQueue{
		slots:  make([]Picture, capacity),
		format: format,
		scaler: scaler,
		quit:   quit,
	}
	pq.cond = sync.NewCond(&pq.mu)
	quit.Register(pq.cond)
	return pq
}

// Cap returns the ring capacity.
func (pq *PictureQueue) Cap() int {
	return len(pq.slots)
}

// Len returns the number of published, unreleased pictures.
func (pq *PictureQueue) Len() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return pq.size
}

// AllocNext waits for a free slot and sizes its buffer for a w x h picture.
// The buffer is reallocated only when the dimensions change.
func (pq *PictureQueue) AllocNext(w, h int) (*Picture, error) {
	pq.mu.Lock()
	for pq.size >= len(pq.slots) && !pq.quit.Raised() {
		pq.cond.Wait()
	}
	if pq.quit.Raised() {
		pq.mu.Unlock()
		return nil, ErrQuit
	}
	p := &pq.slots[pq.windex]
	p.serial = pq.serial
	pq.mu.Unlock()

	if p.Image.Width != w || p.Image.Height != h || p.Image.Format != pq.format || p.Image.Pix == nil {
		p.Image.Reset(w, h, pq.format)
	}
	return p, nil
}

// Publish converts src into the slot returned by the last AllocNext, tags
// it with pts and makes it visible to the reader.
func (pq *PictureQueue) Publish(src *media.VideoFrame, pts float64) error {
	p := &pq.slots[pq.windex]
	if err := pq.scaler.Scale(&p.Image, src); err != nil {
		return fmt.Errorf("scaling picture: %w", err)
	}
	p.PTS = pts

	pq.mu.Lock()
	defer pq.mu.Unlock()
	pq.windex = (pq.windex + 1) % len(pq.slots)
	pq.size++
	pq.cond.Broadcast()
	return nil
}

// Peek returns the oldest published picture without waiting.
func (pq *PictureQueue) Peek() (*Picture, bool) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	pq.dropStale()
	if pq.size == 0 {
		return nil, false
	}
	return &pq.slots[pq.rindex], true
}

// Acquire waits for a published picture and returns it without removing it.
func (pq *PictureQueue) Acquire() (*Picture, error) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	for {
		if pq.quit.Raised() {
			return nil, ErrQuit
		}
		pq.dropStale()
		if pq.size > 0 {
			return &pq.slots[pq.rindex], nil
		}
		pq.cond.Wait()
	}
}

// Release frees the oldest picture and wakes the writer.
func (pq *PictureQueue) Release() {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	if pq.size == 0 {
		return
	}
	pq.rindex = (pq.rindex + 1) % len(pq.slots)
	pq.size--
	pq.cond.Broadcast()
}

// Clear invalidates every picture allocated so far, as after a seek.
// Stale pictures are discarded by the reader on its next Peek or Acquire,
// so a picture being displayed is never overwritten.
func (pq *PictureQueue) Clear() {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	pq.serial++
}

// dropStale releases head pictures from before the last Clear. Callers
// hold pq.mu.
func (pq *PictureQueue) dropStale() {
	dropped := false
	for pq.size > 0 && pq.slots[pq.rindex].serial != pq.serial {
		pq.rindex = (pq.rindex + 1) % len(pq.slots)
		pq.size--
		dropped = true
	}
	if dropped {
		pq.cond.Broadcast()
	}
}
