package mux

// AwaitReply carries a request into a goroutine that owns some state and
// brings a single reply back to the caller.
type AwaitReply[T, U any] struct {
	value T
	reply chan U
}

func NewAwaitReply[T, U any](value T) AwaitReply[T, U] {
	return AwaitReply[T, U]{
		value: value,
		reply: make(chan U, 1),
	}
}

func (ar AwaitReply[T, U]) Value() T {
	return ar.value
}

// Reply must be called exactly once.
func (ar AwaitReply[T, U]) Reply(value U) {
	ar.reply <- value
	close(ar.reply)
}

func (ar AwaitReply[T, U]) Await() U {
	return <-ar.reply
}

type AwaitDone[T any] struct {
	AwaitReply[T, struct{}]
}

func NewAwaitDone[T any](value T) AwaitDone[T] {
	return AwaitDone[T]{NewAwaitReply[T, struct{}](value)}
}

func (ad AwaitDone[T]) Done() {
	ad.Reply(struct{}{})
}

func (ad AwaitDone[T]) Wait() {
	ad.Await()
}
