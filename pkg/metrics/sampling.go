package metrics

import "sync"

// SamplingObserver thins out high-rate events. Events whose name is in the
// sampled set are forwarded once every n occurrences, counted per name; all
// other events pass straight through.
type SamplingObserver struct {
	inner Observer
	every uint64

	mu     sync.Mutex
	counts map[string]uint64
}

// NewSamplingObserver samples the named events 1-in-every. every <= 1
// forwards everything.
func NewSamplingObserver(inner Observer, every int, names ...string) *SamplingObserver {
	s := &SamplingObserver{inner: inner, every: 1, counts: make(map[string]uint64, len(names))}
	if every > 1 {
		s.every = uint64(every)
	}
	for _, n := range names {
		s.counts[n] = 0
	}
	return s
}

func (s *SamplingObserver) RecordEvent(ev MetricsEvent) {
	if s.inner == nil {
		return
	}
	if s.every > 1 {
		s.mu.Lock()
		n, sampled := s.counts[ev.Name]
		if sampled {
			n++
			s.counts[ev.Name] = n
		}
		s.mu.Unlock()
		if sampled && n%s.every != 1 {
			return
		}
	}
	s.inner.RecordEvent(ev)
}
