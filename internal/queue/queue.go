// Package queue is the unbounded hand-off between the producer and the
// worker pool. Items are popped in push order. Join waits until every
// pushed item has been marked Done, which lets the producer finish one
// priority tier before it produces the next one.
package queue

import (
	"context"
	"errors"
	"sync"

	equeue "github.com/eapache/queue"

	"github.com/kaliintelsuite/kiscollect/internal/model"
)

var ErrClosed = errors.New("queue closed")

// Item is a unit of work. With Analyze set the command is not executed,
// only its stored output is analyzed again.
type Item struct {
	Command model.Command
	Analyze bool
}

type Queue struct {
	mx         sync.Mutex
	cond       *sync.Cond
	items      *equeue.Queue
	unfinished int
	closed     bool
}

func New() *Queue {
	q := &Queue{items: equeue.New()}
	q.cond = sync.NewCond(&q.mx)
	return q
}

// Push appends an item, it fails once the queue is closed
func (q *Queue) Push(it Item) error {
	q.mx.Lock()
	defer q.mx.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.items.Add(it)
	q.unfinished++
	q.cond.Broadcast()
	return nil
}

// Pop blocks until an item is available. It returns false when the queue is
// closed or ctx is done. Every popped item must be marked Done.
func (q *Queue) Pop(ctx context.Context) (Item, bool) {
	stop := context.AfterFunc(ctx, func() {
		q.mx.Lock()
		defer q.mx.Unlock()
		q.cond.Broadcast()
	})
	defer stop()

	q.mx.Lock()
	defer q.mx.Unlock()
	for q.items.Length() == 0 && !q.closed && ctx.Err() == nil {
		q.cond.Wait()
	}
	if q.closed || ctx.Err() != nil {
		return Item{}, false
	}
	it := q.items.Remove().(Item)
	return it, true
}

// Done marks a popped item as processed
func (q *Queue) Done() {
	q.mx.Lock()
	defer q.mx.Unlock()
	if q.unfinished <= 0 {
		panic("queue: Done called more times than items were pushed")
	}
	q.unfinished--
	if q.unfinished == 0 {
		q.cond.Broadcast()
	}
}

// Join waits until all pushed items are processed. Closing the queue drops
// the items nobody popped and releases Join as well.
func (q *Queue) Join(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		q.mx.Lock()
		defer q.mx.Unlock()
		q.cond.Broadcast()
	})
	defer stop()

	q.mx.Lock()
	defer q.mx.Unlock()
	for q.unfinished > 0 && !q.closed && ctx.Err() == nil {
		q.cond.Wait()
	}
	if q.closed {
		return ErrClosed
	}
	return ctx.Err()
}

// Close stops the queue: pending items are dropped, blocked Pop calls
// return false. Items already popped are not affected.
func (q *Queue) Close() {
	q.mx.Lock()
	defer q.mx.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for q.items.Length() > 0 {
		q.items.Remove()
		q.unfinished--
	}
	q.cond.Broadcast()
}

// Len returns the number of items waiting to be popped
func (q *Queue) Len() int {
	q.mx.Lock()
	defer q.mx.Unlock()
	return q.items.Length()
}
