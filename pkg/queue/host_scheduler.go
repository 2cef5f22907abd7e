package queue

import (
	"container/heap"
	"time"
)

// --- Host Heap Implementation ---

// hostQueue is the FIFO of pending URLs for one host plus its cooldown state
type hostQueue struct {
	host      string
	urls      []pendingURL
	lastFetch time.Time // Zero until the first dispatch
	index     int       // The index of the item in the heap, -1 when not queued
}

type pendingURL struct {
	url string
	seq uint64 // Global arrival order, breaks ties between hosts
}

// hostHeap implements heap.Interface ordered by earliest eligible dispatch time
type hostHeap struct {
	items []*hostQueue
	delay time.Duration
}

func (h *hostHeap) eligibleAt(q *hostQueue) time.Time {
	if q.lastFetch.IsZero() {
		return time.Time{}
	}
	return q.lastFetch.Add(h.delay)
}

func (h *hostHeap) Len() int { return len(h.items) }

func (h *hostHeap) Less(i, j int) bool {
	a, b := h.eligibleAt(h.items[i]), h.eligibleAt(h.items[j])
	if !a.Equal(b) {
		return a.Before(b)
	}
	return h.items[i].urls[0].seq < h.items[j].urls[0].seq
}

func (h *hostHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

// Push adds an element to the heap
func (h *hostHeap) Push(x any) {
	q := x.(*hostQueue)
	q.index = len(h.items)
	h.items = append(h.items, q)
}

// Pop removes and returns the last element; heap.Pop moves the minimum there first
func (h *hostHeap) Pop() any {
	old := h.items
	n := len(old)
	q := old[n-1]
	old[n-1] = nil // avoid memory leak
	q.index = -1
	h.items = old[0 : n-1]
	return q
}

// HostScheduler hands out pending URLs so that no host is dispatched twice within the politeness delay.
// Hosts waiting for work sit in a min-heap keyed by the time they next become eligible; URLs of one
// host are served in arrival order.
//
// HostScheduler is not safe for concurrent use; the owner serializes access.
type HostScheduler struct {
	delay time.Duration
	hosts map[string]*hostQueue // Every host ever dispatched or queued, doubles as the cooldown table
	heap  hostHeap
	seq   uint64
	size  int
}

// NewHostScheduler creates an empty scheduler enforcing delay between dispatches to one host
func NewHostScheduler(delay time.Duration) *HostScheduler {
	s := &HostScheduler{
		delay: delay,
		hosts: make(map[string]*hostQueue),
		heap:  hostHeap{delay: delay},
	}
	heap.Init(&s.heap)
	return s
}

// Push appends url to the FIFO of host
func (s *HostScheduler) Push(host, url string) {
	q, ok := s.hosts[host]
	if !ok {
		q = &hostQueue{host: host, index: -1}
		s.hosts[host] = q
	}
	s.seq++
	q.urls = append(q.urls, pendingURL{url: url, seq: s.seq})
	s.size++
	if q.index < 0 {
		heap.Push(&s.heap, q)
	}
}

// Next dispatches the URL at the head of the earliest eligible host, recording now as that host's fetch time.
// When work exists but no host is eligible yet, ok is false and wait is the time until one becomes eligible.
// When no work exists, ok is false and wait is zero.
func (s *HostScheduler) Next(now time.Time) (url, host string, wait time.Duration, ok bool) {
	if s.heap.Len() == 0 {
		return "", "", 0, false
	}

	top := s.heap.items[0]
	if eligible := s.heap.eligibleAt(top); now.Before(eligible) {
		return "", "", eligible.Sub(now), false
	}

	head := top.urls[0]
	top.urls[0] = pendingURL{}
	top.urls = top.urls[1:]
	top.lastFetch = now
	s.size--

	if len(top.urls) == 0 {
		top.urls = nil
		heap.Remove(&s.heap, top.index)
	} else {
		heap.Fix(&s.heap, top.index)
	}
	return head.url, top.host, 0, true
}

// Len returns the number of pending URLs across all hosts
func (s *HostScheduler) Len() int { return s.size }

// PendingHosts returns how many hosts currently have pending URLs
func (s *HostScheduler) PendingHosts() int { return s.heap.Len() }

// LastFetch returns the last dispatch time recorded for host
func (s *HostScheduler) LastFetch(host string) (time.Time, bool) {
	q, ok := s.hosts[host]
	if !ok || q.lastFetch.IsZero() {
		return time.Time{}, false
	}
	return q.lastFetch, true
}

// Reserve claims a fetch slot on host outside the queue, for requests such as retries and
// redirect hops that follow a dispatch. When the host is still cooling down ok is false and wait
// is the remaining time; otherwise now becomes the host's fetch time.
func (s *HostScheduler) Reserve(host string, now time.Time) (wait time.Duration, ok bool) {
	q, known := s.hosts[host]
	if !known {
		q = &hostQueue{host: host, index: -1}
		s.hosts[host] = q
	}
	if eligible := s.heap.eligibleAt(q); now.Before(eligible) {
		return eligible.Sub(now), false
	}
	q.lastFetch = now
	if q.index >= 0 {
		heap.Fix(&s.heap, q.index)
	}
	return 0, true
}
