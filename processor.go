package squashfs

import (
	"container/heap"
	"fmt"
	"sync"
	"sync/atomic"
)

// blockJob is one unit of work submitted to the processor: a single file
// data block awaiting compression by a worker.
type blockJob struct {
	seq   uint64
	data  []byte
	align bool
}

// blockResult is a completed job, in whatever order its worker finished.
type blockResult struct {
	seq        uint64
	onDisk     []byte
	compressed bool
	align      bool
	err        error
}

// resultHeap orders pending results by sequence number so the collector
// can deliver them to the caller strictly in submission order even though
// workers finish out of order (spec §4.2 "concurrent block processor").
type resultHeap []blockResult

func (h resultHeap) Len() int            { return len(h) }
func (h resultHeap) Less(i, j int) bool  { return h[i].seq < h[j].seq }
func (h resultHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *resultHeap) Push(x interface{}) { *h = append(*h, x.(blockResult)) }
func (h *resultHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// processor is the concurrent block-compression pipeline described in
// spec §4.2: a pool of worker goroutines, each with its own codec clone,
// compress blocks submitted via Submit; a single collector goroutine
// reorders completions by submission sequence and hands them to
// onOrdered one at a time, so file-offset assignment downstream stays
// deterministic regardless of scheduling. The pool is poisoned on the
// first compression error: further submissions fail fast.
type processor struct {
	jobs    chan blockJob
	results chan blockResult

	workerWG sync.WaitGroup

	nextSeq atomic.Uint64

	mu          sync.Mutex
	cond        *sync.Cond
	heap        resultHeap
	nextDeliver uint64
	delivered   uint64 // count of jobs the collector has handed to onOrdered
	submitted   uint64 // count of jobs submitted so far

	collectorDone chan struct{}

	firstErr atomic.Value // error

	onOrdered func(blockResult) error
}

// newProcessor starts a pool of `workers` goroutines, each compressing
// with its own clone of comp, plus one ordering collector. backlog caps
// the number of in-flight jobs (spec's backpressure requirement): Submit
// blocks once that many jobs are queued, being processed or awaiting
// in-order delivery.
func newProcessor(comp Codec, workers, backlog int, onOrdered func(blockResult) error) *processor {
	if workers < 1 {
		workers = 1
	}
	if backlog < workers {
		backlog = workers
	}
	p := &processor{
		jobs:          make(chan blockJob, backlog),
		results:       make(chan blockResult, backlog),
		collectorDone: make(chan struct{}),
		onOrdered:     onOrdered,
	}
	p.cond = sync.NewCond(&p.mu)

	for i := 0; i < workers; i++ {
		p.workerWG.Add(1)
		go p.runWorker(comp.Clone())
	}
	go p.runCollector()
	return p
}

func (p *processor) runWorker(comp Codec) {
	defer p.workerWG.Done()
	for job := range p.jobs {
		if err := p.Err(); err != nil {
			// Pool already poisoned: still post a (failed) result for this
			// sequence number so the collector's ordering loop can make
			// progress past it instead of waiting forever for a delivery
			// that will never compute.
			p.results <- blockResult{seq: job.seq, err: err}
			continue
		}
		onDisk, compressed, err := compressBlock(comp, job.data)
		var res blockResult
		if err != nil {
			res = blockResult{seq: job.seq, err: fmt.Errorf("%w: %v", ErrCodecInternal, err)}
		} else if compressed {
			res = blockResult{seq: job.seq, onDisk: onDisk, compressed: true, align: job.align}
		} else {
			res = blockResult{seq: job.seq, onDisk: job.data, compressed: false, align: job.align}
		}
		p.results <- res
	}
}

func (p *processor) runCollector() {
	defer close(p.collectorDone)
	for res := range p.results {
		p.mu.Lock()
		heap.Push(&p.heap, res)
		for len(p.heap) > 0 && p.heap[0].seq == p.nextDeliver {
			next := heap.Pop(&p.heap).(blockResult)
			p.mu.Unlock()

			if next.err != nil {
				p.poison(next.err)
			} else if p.onOrdered != nil && !p.Poisoned() {
				if err := p.onOrdered(next); err != nil {
					p.poison(err)
				}
			}

			p.mu.Lock()
			p.nextDeliver++
			p.delivered++
			p.cond.Broadcast()
		}
		p.mu.Unlock()
	}
}

func (p *processor) poison(err error) {
	p.firstErr.CompareAndSwap(nil, err)
}

// Poisoned reports whether a prior job failed and the pool should stop
// accepting new work.
func (p *processor) Poisoned() bool {
	return p.firstErr.Load() != nil
}

// Err returns the first error recorded, if the pool is poisoned.
func (p *processor) Err() error {
	v := p.firstErr.Load()
	if v == nil {
		return nil
	}
	return v.(error)
}

// Submit enqueues a block for compression and returns its submission
// sequence number. It blocks if the backlog is full.
func (p *processor) Submit(data []byte, align bool) (uint64, error) {
	if err := p.Err(); err != nil {
		return 0, err
	}
	p.mu.Lock()
	for p.submitted-p.delivered >= uint64(cap(p.jobs)) && p.Err() == nil {
		p.cond.Wait()
	}
	if err := p.Err(); err != nil {
		p.mu.Unlock()
		return 0, err
	}
	seq := p.nextSeq.Add(1) - 1
	p.submitted++
	p.mu.Unlock()
	p.jobs <- blockJob{seq: seq, data: data, align: align}
	return seq, nil
}

// Sync blocks until every job submitted so far has been delivered to
// onOrdered in order, surfacing the first error encountered if any.
func (p *processor) Sync() error {
	p.mu.Lock()
	for p.delivered < p.submitted && p.Err() == nil {
		p.cond.Wait()
	}
	p.mu.Unlock()
	return p.Err()
}

// Finish drains the pipeline: closes the job queue, waits for every
// worker and the collector to exit, and returns the first error seen.
func (p *processor) Finish() error {
	close(p.jobs)
	p.workerWG.Wait()
	close(p.results)
	<-p.collectorDone
	return p.Err()
}
