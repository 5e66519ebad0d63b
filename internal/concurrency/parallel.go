package concurrency

import (
	"context"
	"sync"
)

// ParallelOptions configura el comportamiento del procesamiento paralelo
type ParallelOptions struct {
	// MaxWorkers es el número máximo de trabajadores en paralelo
	MaxWorkers int
}

// DefaultOptions devuelve opciones predeterminadas para procesamiento paralelo
func DefaultOptions() ParallelOptions {
	return ParallelOptions{
		MaxWorkers: 4,
	}
}

// Result is one processed item, tagged with its input position.
type Result[R any] struct {
	Index int
	Value R
	Err   error
}

// Ordered runs itemFunc over items with at most MaxWorkers goroutines and
// streams the results in input order: result i is delivered as soon as it and
// every result before it are done. The channel is closed after the last one.
//
// Items not yet started when ctx is cancelled are reported with ctx.Err()
// instead of being processed. The channel is buffered for the whole input,
// so a consumer that stops reading early never blocks the pool.
func Ordered[T any, R any](
	ctx context.Context,
	items []T,
	opts ParallelOptions,
	itemFunc func(ctx context.Context, index int, item T) (R, error),
) <-chan Result[R] {
	out := make(chan Result[R], len(items))
	if len(items) == 0 {
		close(out)
		return out
	}

	maxWorkers := opts.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = DefaultOptions().MaxWorkers
	}
	if maxWorkers > len(items) {
		maxWorkers = len(items)
	}

	// un slot por elemento; el emisor los lee en orden
	slots := make([]chan Result[R], len(items))
	for i := range slots {
		slots[i] = make(chan Result[R], 1)
	}

	jobs := make(chan int, len(items))
	for i := range items {
		jobs <- i
	}
	close(jobs)

	var wg sync.WaitGroup
	for w := 0; w < maxWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if err := ctx.Err(); err != nil {
					slots[i] <- Result[R]{Index: i, Err: err}
					continue
				}
				v, err := itemFunc(ctx, i, items[i])
				slots[i] <- Result[R]{Index: i, Value: v, Err: err}
			}
		}()
	}

	go func() {
		defer close(out)
		for _, slot := range slots {
			out <- <-slot
		}
		wg.Wait()
	}()

	return out
}
