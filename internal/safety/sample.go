package safety

import "time"

// SampleDepth is the number of past values kept per sampled quantity.
const SampleDepth = 6

// Sample is the latest decoded value of a quantity plus a short history.
type Sample struct {
	raw   int64
	value float64
	at    time.Time
	hist  [SampleDepth]float64
	head  int
	n     int
}

// Push records a new reading.
func (s *Sample) Push(raw int64, value float64, at time.Time) {
	s.raw, s.value, s.at = raw, value, at
	s.hist[s.head] = value
	s.head = (s.head + 1) % SampleDepth
	if s.n < SampleDepth {
		s.n++
	}
}

func (s *Sample) Last() float64 { return s.value }
func (s *Sample) Raw() int64    { return s.raw }
func (s *Sample) At() time.Time { return s.at }
func (s *Sample) Len() int      { return s.n }
func (s *Sample) Valid() bool   { return s.n > 0 }
func (s *Sample) Reset()        { *s = Sample{} }

// Min returns the smallest value in the history, 0 when empty.
func (s *Sample) Min() float64 {
	if s.n == 0 {
		return 0
	}
	m := s.hist[0]
	for i := 1; i < s.n; i++ {
		if s.hist[i] < m {
			m = s.hist[i]
		}
	}
	return m
}

// Max returns the largest value in the history, 0 when empty.
func (s *Sample) Max() float64 {
	if s.n == 0 {
		return 0
	}
	m := s.hist[0]
	for i := 1; i < s.n; i++ {
		if s.hist[i] > m {
			m = s.hist[i]
		}
	}
	return m
}

