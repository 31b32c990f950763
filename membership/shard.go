package membership

import "hash/fnv"

// shardExecutor serializes mutations keyed by uid or gid onto one of N
// single-goroutine workers, selected by hash(key) % N (spec.md §4.4: "all
// mutators... serialized by posting onto an io-context chosen by
// hash(uid) % N... or hash(gid) % N").
type shardExecutor struct {
	queues []chan func()
	done   chan struct{}
}

func newShardExecutor(n int) *shardExecutor {
	if n <= 0 {
		n = 1
	}
	s := &shardExecutor{
		queues: make([]chan func(), n),
		done:   make(chan struct{}),
	}
	for i := range s.queues {
		s.queues[i] = make(chan func(), 64)
		go s.loop(s.queues[i])
	}
	return s
}

func (s *shardExecutor) loop(q chan func()) {
	for {
		select {
		case fn := <-q:
			fn()
		case <-s.done:
			return
		}
	}
}

// run posts fn to the shard owning key and blocks until it has executed,
// preserving per-key ordering across concurrent callers.
func (s *shardExecutor) run(key string, fn func()) {
	idx := shardHash(key) % uint32(len(s.queues))
	wait := make(chan struct{})
	s.queues[idx] <- func() {
		fn()
		close(wait)
	}
	<-wait
}

func (s *shardExecutor) stop() {
	close(s.done)
}

func shardHash(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}
