package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"go.uber.org/zap"
)

// Property: every admitted submission gets back exactly the value or error
// its own task produced, regardless of queue shape or interleaving.
func TestProperty_ResultFidelity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30

	properties := gopter.NewProperties(parameters)

	properties.Property("results are delivered per submission, never crossed", prop.ForAll(
		func(concurrency int, values []int) bool {
			q := New[int](Config{
				Name:           "prop",
				MaxQueueSize:   len(values) + 1,
				MaxConcurrency: concurrency,
			}, zap.NewNop())
			defer q.Stop(false)

			var wg sync.WaitGroup
			ok := atomic.Bool{}
			ok.Store(true)
			for _, v := range values {
				v := v
				wg.Add(1)
				go func() {
					defer wg.Done()
					got, err := q.Submit(context.Background(), func(ctx context.Context) (int, error) {
						if v%5 == 0 {
							return 0, errTaskValue(v)
						}
						return v * 2, nil
					})
					if v%5 == 0 {
						var te errTaskValue
						if !errors.As(err, &te) || int(te) != v {
							ok.Store(false)
						}
					} else if err != nil || got != v*2 {
						ok.Store(false)
					}
				}()
			}
			wg.Wait()
			return ok.Load()
		},
		gen.IntRange(1, 6),
		gen.SliceOfN(20, gen.IntRange(-100, 100)),
	))

	properties.TestingRun(t)
}

// Property: the number of simultaneously executing tasks never exceeds the
// configured concurrency, whatever the load.
func TestProperty_ConcurrencyCeiling(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20

	properties := gopter.NewProperties(parameters)

	properties.Property("busy workers never exceed max concurrency", prop.ForAll(
		func(concurrency, load int) bool {
			q := New[int](Config{
				Name:           "prop",
				MaxQueueSize:   load + 1,
				MaxConcurrency: concurrency,
			}, zap.NewNop())
			defer q.Stop(false)

			var inFlight, peak atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < load; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					q.Submit(context.Background(), func(ctx context.Context) (int, error) {
						cur := inFlight.Add(1)
						for {
							p := peak.Load()
							if cur <= p || peak.CompareAndSwap(p, cur) {
								break
							}
						}
						time.Sleep(time.Millisecond)
						inFlight.Add(-1)
						return 0, nil
					})
				}()
			}
			wg.Wait()
			return peak.Load() <= int32(concurrency)
		},
		gen.IntRange(1, 4),
		gen.IntRange(5, 25),
	))

	properties.TestingRun(t)
}

type errTaskValue int

func (e errTaskValue) Error() string { return "task error" }
