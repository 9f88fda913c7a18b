package market

import "sync"

// Publisher 一个轻量事件分发器；订阅者消费过慢时丢弃事件，不阻塞行情路径。
type Publisher struct {
	mu        sync.RWMutex
	nextID    int
	bookSubs  map[int]chan Snapshot
	tradeSubs map[int]chan Trade
}

func NewPublisher() *Publisher {
	return &Publisher{
		bookSubs:  make(map[int]chan Snapshot),
		tradeSubs: make(map[int]chan Trade),
	}
}

// SubscribeBook 返回快照通道以及取消订阅函数。
func (p *Publisher) SubscribeBook(buffer int) (<-chan Snapshot, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Snapshot, buffer)
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.bookSubs[id] = ch
	p.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.bookSubs, id)
			p.mu.Unlock()
			close(ch)
		})
	}
}

func (p *Publisher) SubscribeTrade(buffer int) (<-chan Trade, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Trade, buffer)
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.tradeSubs[id] = ch
	p.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.tradeSubs, id)
			p.mu.Unlock()
			close(ch)
		})
	}
}

func (p *Publisher) PublishBook(s Snapshot) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, ch := range p.bookSubs {
		select {
		case ch <- s:
		default:
		}
	}
}

func (p *Publisher) PublishTrade(t Trade) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, ch := range p.tradeSubs {
		select {
		case ch <- t:
		default:
		}
	}
}
