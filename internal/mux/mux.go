// Package mux fans a stream of values out to any number of subscribers.
//
// A Mux owns one goroutine. Subscribers are Sinks; a subscriber that does not
// accept a value in time delays the others, and a producer that cannot hand a
// value to the Mux within the submit timeout gets an error and the value is
// dropped. Device events behave the same way at the kernel socket, so callers
// that need a complete picture re-read state rather than trust the stream.
package mux

import (
	"fmt"
	"sync/atomic"
	"time"
)

type Logger interface {
	Info(format string, args ...interface{})
}

type Mux[T any] struct {
	input      chan T
	register   chan AwaitDone[Sink[T]]
	unregister chan AwaitDone[Sink[T]]
	outputs    map[Sink[T]]bool
	done       chan struct{}

	submitTimeout time.Duration
	inBufSize     int
	logger        Logger
	dropped       atomic.Uint64
}

type Option[T any] interface {
	apply(*Mux[T])
}

type optionFunc[T any] func(*Mux[T])

func (f optionFunc[T]) apply(m *Mux[T]) {
	f(m)
}

// Buffered lets Submit queue up to size values ahead of the fan-out.
func Buffered[T any](size int) Option[T] {
	return optionFunc[T](func(m *Mux[T]) {
		m.inBufSize = size
	})
}

func WithLogger[T any](logger Logger) Option[T] {
	return optionFunc[T](func(m *Mux[T]) {
		m.logger = logger
	})
}

// WithSubmitTimeout bounds how long Submit waits for the fan-out goroutine.
func WithSubmitTimeout[T any](d time.Duration) Option[T] {
	return optionFunc[T](func(m *Mux[T]) {
		m.submitTimeout = d
	})
}

func Make[T any](opts ...Option[T]) *Mux[T] {
	m := &Mux[T]{
		submitTimeout: 1 * time.Second,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.apply(m)
	}

	m.input = make(chan T, m.inBufSize)
	m.register = make(chan AwaitDone[Sink[T]])
	m.unregister = make(chan AwaitDone[Sink[T]])
	m.outputs = make(map[Sink[T]]bool)
	m.done = make(chan struct{})

	go m.run()

	return m
}

func (m *Mux[T]) run() {
	defer close(m.done)
	defer func() {
		for sub := range m.outputs {
			delete(m.outputs, sub)
			sub.Close()
		}
	}()

	for {
		select {
		case v := <-m.input:
			for out := range m.outputs {
				if err := out.Submit(v); err != nil {
					m.error("error submitting value %v: %v", v, err)
				}
			}
		case ar, ok := <-m.register:
			if !ok {
				return
			}
			m.outputs[ar.Value()] = true
			ar.Done()
		case ar := <-m.unregister:
			sub := ar.Value()
			if m.outputs[sub] {
				delete(m.outputs, sub)
				sub.Close()
			}
			ar.Done()
		}
	}
}

func (m *Mux[T]) error(format string, args ...any) error {
	if m.logger != nil {
		m.logger.Info(format, args...)
	}
	return fmt.Errorf(format, args...)
}

// Close stops the fan-out. Subscribed sinks are closed by the fan-out
// goroutine on its way out.
func (m *Mux[T]) Close() {
	close(m.register)
}

// Submit hands v to the fan-out goroutine, giving up after the submit
// timeout. A value given up on counts as dropped.
func (m *Mux[T]) Submit(v T) error {
	timer := time.NewTimer(m.submitTimeout)
	defer timer.Stop()
	select {
	case m.input <- v:
		return nil
	case <-m.done:
		m.dropped.Add(1)
		return m.error("mux is closed, dropping value %v", v)
	case <-timer.C:
		m.dropped.Add(1)
		return m.error("timed out submitting value %v after %s", v, m.submitTimeout)
	}
}

// Dropped counts the values Submit gave up on.
func (m *Mux[T]) Dropped() uint64 {
	return m.dropped.Load()
}

// Subscribe adds sink to the fan-out. The returned function removes and
// closes it; calling it after the Mux is closed is a no-op.
func (m *Mux[T]) Subscribe(sink Sink[T]) CancelFunc {
	ar := NewAwaitDone(sink)
	m.register <- ar
	ar.Wait()

	return func() {
		ar := NewAwaitDone(sink)
		select {
		case m.unregister <- ar:
			ar.Wait()
		case <-m.done:
		}
	}
}
