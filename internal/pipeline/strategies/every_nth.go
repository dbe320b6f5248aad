package strategies

// EveryNthStrategy infers frames whose sequence number is a multiple of N,
// so with N=2 frames 2, 4, 6... are inferred and the rest pass through.
type EveryNthStrategy struct {
	n uint64
}

func NewEveryNthStrategy(n int) *EveryNthStrategy {
	if n < 1 {
		n = 1
	}
	return &EveryNthStrategy{n: uint64(n)}
}

func (s *EveryNthStrategy) Name() string {
	return NameEveryNth
}

// N returns the frame-skip factor.
func (s *EveryNthStrategy) N() int {
	return int(s.n)
}

func (s *EveryNthStrategy) ShouldDetect(seq uint64) bool {
	return seq%s.n == 0
}

func (s *EveryNthStrategy) OnDetectionComplete() {}

func (s *EveryNthStrategy) Reset() {}
