package worker

import (
	"sync"
)

// Pool runs jobs on at most size goroutines at once. Jobs submitted under the same key
// form a lane: they run one at a time, in submission order.
type Pool struct {
	sem     chan struct{}
	onPanic func(key int64, r interface{})

	mu    sync.Mutex
	lanes map[int64]*lane
	wg    sync.WaitGroup
}

type lane struct {
	jobs []func()
}

func NewPool(size int, onPanic func(key int64, r interface{})) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		sem:     make(chan struct{}, size),
		onPanic: onPanic,
		lanes:   make(map[int64]*lane),
	}
}

// Submit queues fn on the lane for key.
func (p *Pool) Submit(key int64, fn func()) {
	p.wg.Add(1)
	p.mu.Lock()
	if l, ok := p.lanes[key]; ok {
		l.jobs = append(l.jobs, fn)
		p.mu.Unlock()
		return
	}
	l := &lane{jobs: []func(){fn}}
	p.lanes[key] = l
	p.mu.Unlock()
	go p.drain(key, l)
}

func (p *Pool) drain(key int64, l *lane) {
	for {
		p.mu.Lock()
		if len(l.jobs) == 0 {
			delete(p.lanes, key)
			p.mu.Unlock()
			return
		}
		fn := l.jobs[0]
		l.jobs[0] = nil
		l.jobs = l.jobs[1:]
		p.mu.Unlock()

		p.sem <- struct{}{}
		p.run(key, fn)
		<-p.sem
	}
}

func (p *Pool) run(key int64, fn func()) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil && p.onPanic != nil {
			p.onPanic(key, r)
		}
	}()
	fn()
}

// Wait blocks until every submitted job has finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}
