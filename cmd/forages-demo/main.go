// Command forages-demo exercises the cooperative thread-control
// subsystem end to end: a pool of worker goroutines increment a
// shared counter under a Mutex, periodically checkpointing via
// forages.LoopN so they notice pause/end instructions, while the main
// goroutine toggles pause/play on a timer and SIGINT tears everything
// down via forages.Shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dijkstracula/go-ilock/forages"
	"github.com/dijkstracula/go-ilock/ilock"
	"github.com/dijkstracula/go-ilock/ilockerr"
	"github.com/rs/zerolog"
)

func main() {
	workers := flag.Int("workers", 4, "number of worker goroutines")
	pauseEvery := flag.Duration("pause-every", 3*time.Second, "how often the controller toggles pause/play")
	pauseFor := flag.Duration("pause-for", 1*time.Second, "how long each pause lasts")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()
	forages.SetLogger(logger)

	mu := ilock.NewMutex(ilock.NonRecursive)
	var counter uint64

	var wg sync.WaitGroup
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			runWorker(id, mu, &counter, &logger)
		}(i)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*pauseEvery)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			logger.Info().Str("state", forages.String()).Msg("pausing all workers")
			forages.PauseAll()
			time.Sleep(*pauseFor)
			logger.Info().Msg("resuming all workers")
			forages.PlayAll()
		}
	}

	logger.Info().Msg("shutting down")
	forages.Shutdown()
	wg.Wait()
	fmt.Printf("final counter: %d\n", counter)
}

func runWorker(id int, mu *ilock.Mutex, counter *uint64, logger *zerolog.Logger) {
	ctx, ts, err := forages.Register(context.Background())
	if err != nil {
		logger.Err(err).Int("worker", id).Msg("failed to register")
		return
	}
	defer forages.Unregister(ts)
	forages.SetThisThreadName(ctx, fmt.Sprintf("worker-%d", id))

	var lockErr error
	loopErr := forages.LoopN(ctx, 16, func() bool {
		if err := mu.Lock(ctx); err != nil {
			lockErr = err
			return false
		}
		*counter++
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		return true
	})

	if loopErr == nil {
		loopErr = lockErr
	}
	if loopErr != nil && !ilockerr.IsInterrupted(loopErr) {
		logger.Err(loopErr).Int("worker", id).Msg("worker exited with an unexpected error")
	}
}
