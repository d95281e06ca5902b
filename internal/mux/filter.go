package mux

type FilterFunc[T any] func(T) bool

type MapperFunc[T, U any] func(T) U

// Filter forwards the values of in accepted by filter. The output closes
// when in does.
func Filter[T any](in In[T], filter FilterFunc[T]) In[T] {
	out := make(chan T)

	go func() {
		defer close(out)
		for v := range in {
			if filter(v) {
				out <- v
			}
		}
	}()

	return out
}

func Any[T any]() FilterFunc[T] {
	return func(T) bool {
		return true
	}
}

func Not[T any](filter FilterFunc[T]) FilterFunc[T] {
	return func(v T) bool {
		return !filter(v)
	}
}

// Or accepts a value if any filter does. With no filters it accepts nothing.
func Or[T any](filters ...FilterFunc[T]) FilterFunc[T] {
	return func(v T) bool {
		for _, filter := range filters {
			if filter(v) {
				return true
			}
		}
		return false
	}
}

// And accepts a value if every filter does, evaluating them in order and
// stopping at the first rejection. With no filters it accepts everything.
func And[T any](filters ...FilterFunc[T]) FilterFunc[T] {
	return func(v T) bool {
		for _, filter := range filters {
			if !filter(v) {
				return false
			}
		}
		return true
	}
}
