package engine

import (
	"context"
	"sync"

	"github.com/starthubhq/runner/internal/ctxlog"
	"github.com/starthubhq/runner/internal/flatten"
)

// prefetch downloads every artifact the flattened nodes need, concurrently on
// a bounded worker pool, and returns a binary location per node id. The first
// failure cancels the remaining downloads.
func (e *Engine) prefetch(ctx context.Context, nodes []*flatten.Node, sink Sink) (map[string]string, error) {
	logger := ctxlog.FromContext(ctx)

	// Dedupe by reference: cross-branch reuses of the same action fetch once.
	type job struct {
		node *flatten.Node
	}
	unique := make(map[string]*flatten.Node)
	for _, n := range nodes {
		if _, seen := unique[n.Ref.String()]; !seen {
			unique[n.Ref.String()] = n
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan job, len(unique))
	for _, n := range unique {
		jobs <- job{node: n}
	}
	close(jobs)

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		firstErr error
		byRef    = make(map[string]string, len(unique))
	)

	workers := e.prefetchWorkers
	if workers > len(unique) {
		workers = len(unique)
	}
	logger.Debug("Prefetching artifacts.", "unique_refs", len(unique), "workers", workers)

	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := range jobs {
				if runCtx.Err() != nil {
					return
				}
				location, err := e.store.FetchBinary(runCtx, j.node.Ref, j.node.Manifest)
				mu.Lock()
				if err != nil {
					if firstErr == nil {
						firstErr = err
						cancel()
					}
					mu.Unlock()
					return
				}
				byRef[j.node.Ref.String()] = location
				mu.Unlock()
				emit(sink, Event{Type: EventArtifactResolved, Uses: j.node.Ref.String()})
			}
		}()
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	binaries := make(map[string]string, len(nodes))
	for _, n := range nodes {
		binaries[n.ID] = byRef[n.Ref.String()]
	}
	return binaries, nil
}
