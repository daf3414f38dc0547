package ble

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/golang-collections/go-datastructures/queue"
)

// Default queue ceilings.
const (
	DefaultSoftLimit = 20
	DefaultHardLimit = 20
)

var (
	// ErrQueueClosed is returned for commands submitted to a torn-down queue.
	ErrQueueClosed = errors.New("ble: command queue closed")
	// ErrQueueFull is returned when a channel-tagged write is refused
	// because too many commands are pending.
	ErrQueueFull = errors.New("ble: command queue full")
	// ErrChannelBusy is returned when a channel-tagged write is refused
	// because the previous write on that channel has not completed.
	ErrChannelBusy = errors.New("ble: channel write in flight")
)

// permit is the single in-flight token. At most one hardware operation holds
// it; releasing an unheld permit is a no-op, so stray completions can never
// raise the count above one.
type permit struct {
	ch chan struct{}
}

func newPermit() *permit {
	return &permit{ch: make(chan struct{}, 1)}
}

func (p *permit) acquire() {
	p.ch <- struct{}{}
}

func (p *permit) release() {
	select {
	case <-p.ch:
	default:
	}
}

// held returns 1 while the permit is taken, 0 otherwise.
func (p *permit) held() int {
	return len(p.ch)
}

// queuedCommand orders commands by kind, then by submission order.
type queuedCommand struct {
	cmd Command
	seq uint64
}

func (q *queuedCommand) Compare(other queue.Item) int {
	o := other.(*queuedCommand)
	switch {
	case q.cmd.Kind < o.cmd.Kind:
		return -1
	case q.cmd.Kind > o.cmd.Kind:
		return 1
	case q.seq < o.seq:
		return -1
	case q.seq > o.seq:
		return 1
	}
	return 0
}

// commandQueue is a single-worker priority queue. The worker pops the
// lowest-kind command and hands it to exec, which blocks on the in-flight
// permit; execution order across kinds is therefore not FIFO.
type commandQueue struct {
	pq        *queue.PriorityQueue
	seq       atomic.Uint64
	softLimit int
	epoch     uint64
	exec      func(epoch uint64, cmd Command)
	done      chan struct{}
	closeOnce sync.Once
}

func newCommandQueue(epoch uint64, softLimit int, exec func(uint64, Command)) *commandQueue {
	if softLimit <= 0 {
		softLimit = DefaultSoftLimit
	}
	q := &commandQueue{
		pq:        queue.NewPriorityQueue(softLimit),
		softLimit: softLimit,
		epoch:     epoch,
		exec:      exec,
		done:      make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *commandQueue) run() {
	defer close(q.done)
	for {
		items, err := q.pq.Get(1)
		if err != nil {
			return // disposed
		}
		if len(items) == 0 {
			continue
		}
		q.exec(q.epoch, items[0].(*queuedCommand).cmd)
	}
}

// submit enqueues cmd and returns without waiting for it to execute.
func (q *commandQueue) submit(cmd Command) error {
	if size := q.pq.Len(); size >= q.softLimit && size%q.softLimit == 0 {
		slog.Warn("[BLE] op queue too large", "pending", size)
	}
	item := &queuedCommand{cmd: cmd, seq: q.seq.Add(1)}
	if err := q.pq.Put(item); err != nil {
		return ErrQueueClosed
	}
	return nil
}

// pending returns the number of commands waiting to execute.
func (q *commandQueue) pending() int {
	return q.pq.Len()
}

// close drops every pending command and stops the worker once it returns
// from the command it is executing, if any.
func (q *commandQueue) close() {
	q.closeOnce.Do(func() { q.pq.Dispose() })
}
