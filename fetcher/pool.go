package fetcher

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"sourcewatch/retry"
)

const (
	MinWorkers     = 4
	MaxWorkers     = 8
	DefaultWorkers = 6
)

// PoolConfig bounds a batch of fetches.
type PoolConfig struct {
	Workers int
	Timeout time.Duration
	Retry   retry.Config
	Logger  zerolog.Logger
}

// Result is the outcome of fetching one URL, retries included.
type Result struct {
	URL      string
	Content  *Content
	Err      error
	Attempts int
}

// ClampWorkers keeps the pool size inside the supported range.
func ClampWorkers(n int) int {
	switch {
	case n <= 0:
		return DefaultWorkers
	case n < MinWorkers:
		return MinWorkers
	case n > MaxWorkers:
		return MaxWorkers
	}
	return n
}

// FetchAll fetches urls with a fixed worker pool and returns results in
// input order. Each URL is retried per cfg.Retry while its error is
// retryable. Once ctx is cancelled no new fetch is started; fetches already
// in flight run to completion under their own timeout. URLs that were never
// dispatched carry ctx.Err().
func FetchAll(ctx context.Context, f Fetcher, urls []string, cfg PoolConfig) []Result {
	results := make([]Result, len(urls))
	if len(urls) == 0 {
		return results
	}

	workers := ClampWorkers(cfg.Workers)
	if workers > len(urls) {
		workers = len(urls)
	}

	jobs := make(chan int)
	var g errgroup.Group

	for w := 0; w < workers; w++ {
		workerID := w
		g.Go(func() error {
			for i := range jobs {
				results[i] = fetchWithRetry(ctx, f, urls[i], cfg)
				if results[i].Err != nil {
					cfg.Logger.Debug().Int("worker", workerID).Str("url", urls[i]).Int("attempts", results[i].Attempts).Err(results[i].Err).Msg("fetch failed")
				}
			}
			return nil
		})
	}

	next := 0
dispatch:
	for ; next < len(urls); next++ {
		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
			break dispatch
		case jobs <- next:
		}
	}
	close(jobs)
	_ = g.Wait()

	for i := next; i < len(urls); i++ {
		results[i] = Result{URL: urls[i], Err: ctx.Err()}
	}
	return results
}

func fetchWithRetry(ctx context.Context, f Fetcher, u string, cfg PoolConfig) Result {
	res := Result{URL: u}
	inflight := context.WithoutCancel(ctx)

	res.Err = retry.WithBackoff(ctx, cfg.Retry, IsRetryable, func(context.Context) error {
		res.Attempts++
		content, err := f.Fetch(inflight, u, cfg.Timeout)
		if err != nil {
			return err
		}
		res.Content = content
		return nil
	})
	if res.Err != nil {
		res.Content = nil
	}
	return res
}
