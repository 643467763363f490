package notify

import (
	"context"
	"os"
	"os/signal"
	"slices"
	"sync"
	"time"
)

// a one-shot reconnect gate. the delay is fixed and does not grow between attempts
type Reconnect struct {
	timeout time.Duration
	start   time.Time
}

func NewReconnect(timeout time.Duration) *Reconnect {
	return &Reconnect{
		timeout: timeout,
		start:   time.Now(),
	}
}

func (self *Reconnect) After() <-chan time.Time {
	remaining := self.timeout - time.Since(self.start)
	if remaining <= 0 {
		c := make(chan time.Time, 1)
		c <- time.Now()
		return c
	}
	return time.After(remaining)
}

// makes a copy of the list on update
type CallbackList[T any] struct {
	mutex     sync.Mutex
	nextId    int
	callbacks []callbackEntry[T]
}

type callbackEntry[T any] struct {
	id       int
	callback T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, len(self.callbacks))
	for i, entry := range self.callbacks {
		callbacks[i] = entry.callback
	}
	return callbacks
}

func (self *CallbackList[T]) Add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.nextId += 1
	nextCallbacks := slices.Clone(self.callbacks)
	nextCallbacks = append(nextCallbacks, callbackEntry[T]{
		id:       self.nextId,
		callback: callback,
	})
	self.callbacks = nextCallbacks
	return self.nextId
}

func (self *CallbackList[T]) Remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.IndexFunc(self.callbacks, func(entry callbackEntry[T]) bool {
		return entry.id == callbackId
	})
	if i < 0 {
		// not present
		return
	}
	nextCallbacks := slices.Clone(self.callbacks)
	nextCallbacks = slices.Delete(nextCallbacks, i, i+1)
	self.callbacks = nextCallbacks
}

// a context that is canceled by `Set` or by any of the registered signals
type Event struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func NewEventWithContext(ctx context.Context) *Event {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Event{
		ctx:    cancelCtx,
		cancel: cancel,
	}
}

func (self *Event) Ctx() context.Context {
	return self.ctx
}

func (self *Event) Set() {
	self.cancel()
}

func (self *Event) IsSet() bool {
	select {
	case <-self.ctx.Done():
		return true
	default:
		return false
	}
}

func (self *Event) SetOnSignals(signals ...os.Signal) func() {
	stopSignal := make(chan os.Signal, len(signals))
	signal.Notify(stopSignal, signals...)
	go func() {
		defer signal.Stop(stopSignal)
		select {
		case _, ok := <-stopSignal:
			if ok {
				self.Set()
			}
		case <-self.ctx.Done():
		}
	}()
	return func() {
		signal.Stop(stopSignal)
	}
}
