package mux

type In[T any] <-chan T

// Sink receives values from a Source until it is closed.
type Sink[T any] interface {
	Submit(T) error
	Close()
}

type Source[T any] interface {
	Subscribe(Sink[T]) CancelFunc
}

type CancelFunc func()

// ChainCancelFunc runs every non-nil cancel function in order.
func ChainCancelFunc(cfs ...func()) CancelFunc {
	return func() {
		for _, cf := range cfs {
			if cf != nil {
				cf()
			}
		}
	}
}

type chanSink[T any] struct {
	ch chan<- T
}

func (c *chanSink[T]) Submit(v T) error {
	c.ch <- v
	return nil
}

func (c *chanSink[T]) Close() {
	close(c.ch)
}

// SinkFromChan sends every value to ch and closes ch on Close.
func SinkFromChan[T any](ch chan<- T) Sink[T] {
	return &chanSink[T]{ch}
}

type funcSink[T any] struct {
	submit func(T) error
	close  func()
}

func (f *funcSink[T]) Submit(v T) error {
	return f.submit(v)
}

func (f *funcSink[T]) Close() {
	if f.close != nil {
		f.close()
	}
}

// SinkFunc adapts a callback. onClose may be nil.
func SinkFunc[T any](submit func(T) error, onClose func()) Sink[T] {
	return &funcSink[T]{submit, onClose}
}

type mapSink[U, T any] struct {
	sink Sink[T]
	f    MapperFunc[U, T]
}

func (m *mapSink[U, T]) Submit(v U) error {
	return m.sink.Submit(m.f(v))
}

func (m *mapSink[U, T]) Close() {
	m.sink.Close()
}

// ThenSink converts values with f before handing them to sink.
func ThenSink[U, T any](sink Sink[T], f func(U) T) Sink[U] {
	return &mapSink[U, T]{sink, f}
}

type filterSink[T any] struct {
	sink Sink[T]
	f    FilterFunc[T]
}

func (s *filterSink[T]) Submit(v T) error {
	if s.f(v) {
		return s.sink.Submit(v)
	}
	return nil
}

func (s *filterSink[T]) Close() {
	s.sink.Close()
}

// FilterSink passes on only the values accepted by f.
func FilterSink[T any](sink Sink[T], f func(T) bool) Sink[T] {
	return &filterSink[T]{sink, f}
}
