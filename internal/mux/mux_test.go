package mux_test

import (
	"sync"
	"time"

	"github.com/ydb-platform/udevfs/internal/mux"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Mux", func() {
	Context("registration", func() {
		var m *mux.Mux[string]

		BeforeEach(func() {
			m = mux.Make[string]()
		})

		AfterEach(func() {
			m.Close()
		})

		It("should support multiple registrations", func() {
			in1 := make(chan string)
			in2 := make(chan string)
			cancel1 := m.Subscribe(mux.SinkFromChan(in1))
			cancel2 := m.Subscribe(mux.SinkFromChan(in2))

			cancel1()
			cancel2()

			Eventually(in1).Should(BeClosed())
			Eventually(in2).Should(BeClosed())
		})

		It("should stop delivering after cancel", func() {
			in := make(chan string, 1)
			cancel := m.Subscribe(mux.SinkFromChan(in))
			cancel()

			Expect(m.Submit("test")).To(Succeed())
			Consistently(func() bool {
				select {
				case v, ok := <-in:
					return ok && v == "test"
				default:
					return false
				}
			}, 100*time.Millisecond).Should(BeFalse())
		})
	})

	Context("submission", func() {
		var m *mux.Mux[string]

		BeforeEach(func() {
			m = mux.Make(mux.WithLogger[string](GinkgoLogr))
		})

		AfterEach(func() {
			m.Close()
		})

		It("should distribute values to all registered outputs", func() {
			in1 := make(chan string)
			in2 := make(chan string)
			cancel1 := m.Subscribe(mux.SinkFromChan(in1))
			cancel2 := m.Subscribe(mux.SinkFromChan(in2))
			defer cancel1()
			defer cancel2()

			go m.Submit("hello")

			Eventually(in1).Should(Receive(Equal("hello")))
			Eventually(in2).Should(Receive(Equal("hello")))
		})

		It("should keep submission order", func() {
			in := make(chan string)
			cancel := m.Subscribe(mux.SinkFromChan(in))
			defer cancel()

			go func() {
				m.Submit("add")
				m.Submit("change")
				m.Submit("remove")
			}()

			Eventually(in).Should(Receive(Equal("add")))
			Eventually(in).Should(Receive(Equal("change")))
			Eventually(in).Should(Receive(Equal("remove")))
		})

		It("should apply filter and map sinks", func() {
			in := make(chan int, 4)
			sink := mux.ThenSink(
				mux.FilterSink(mux.SinkFromChan(in), func(n int) bool { return n > 2 }),
				func(s string) int { return len(s) },
			)
			cancel := m.Subscribe(sink)
			defer cancel()

			Expect(m.Submit("ab")).To(Succeed())
			Expect(m.Submit("abcd")).To(Succeed())

			Eventually(in).Should(Receive(Equal(4)))
			Consistently(in, 50*time.Millisecond).ShouldNot(Receive())
		})
	})

	Context("slow consumers", func() {
		It("should drop values it cannot hand over in time", func() {
			m := mux.Make(mux.WithSubmitTimeout[int](20 * time.Millisecond))
			defer m.Close()

			block := make(chan int)
			cancel := m.Subscribe(mux.SinkFromChan(block))
			defer func() {
				go func() {
					for range block {
					}
				}()
				cancel()
			}()

			// the first value parks the fan-out goroutine on the unread sink
			Expect(m.Submit(1)).To(Succeed())
			Eventually(func() error { return m.Submit(2) }).Should(HaveOccurred())
			Expect(m.Dropped()).To(BeNumerically(">=", 1))
		})
	})

	Context("buffering", func() {
		It("should accept submissions ahead of the fan-out", func() {
			m := mux.Make(mux.Buffered[int](2))
			defer m.Close()

			in := make(chan int)
			cancel := m.Subscribe(mux.SinkFromChan(in))
			defer cancel()

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 3; i++ {
					m.Submit(i)
				}
			}()

			Eventually(in).Should(Receive(Equal(0)))
			Eventually(in).Should(Receive(Equal(1)))
			Eventually(in).Should(Receive(Equal(2)))

			wg.Wait()
		})
	})

	Context("closing", func() {
		It("should close every subscribed sink", func() {
			m := mux.Make[string]()
			in1 := make(chan string)
			closed := make(chan struct{})
			m.Subscribe(mux.SinkFromChan(in1))
			cancel := m.Subscribe(mux.SinkFunc(func(string) error { return nil }, func() { close(closed) }))

			m.Close()

			Eventually(in1).Should(BeClosed())
			Eventually(closed).Should(BeClosed())

			// cancelling after close must not block
			done := make(chan struct{})
			go func() {
				cancel()
				close(done)
			}()
			Eventually(done).Should(BeClosed())
		})
	})
})

var _ = Describe("ChainCancelFunc", func() {
	It("should run every cancel function in order, skipping nil", func() {
		var calls []int
		cancel := mux.ChainCancelFunc(
			func() { calls = append(calls, 1) },
			nil,
			func() { calls = append(calls, 2) },
		)
		cancel()
		Expect(calls).To(Equal([]int{1, 2}))
	})
})
