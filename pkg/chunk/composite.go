package chunk

import (
	"context"
	"fmt"
	"sync"

	"github.com/ar-io/gateway-core/pkg/gwerrors"
)

// CompositeMetadataSource races up to len(sources) sibling MetadataSources;
// the first success wins and remaining in-flight attempts are cancelled via
// ctx, per spec.md §4.2.1. If every source fails, it raises an
// AllSourcesFailed error. Cancelled siblings must not be treated as explicit
// failures by callers (spec.md §5 "Ordering guarantees") — this type never
// reports cancelled attempts in the returned error's children.
type CompositeMetadataSource struct {
	Sources []MetadataSource
}

// GetMetadata implements MetadataSource.
func (c *CompositeMetadataSource) GetMetadata(ctx context.Context, p Params) (Metadata, error) {
	if len(c.Sources) == 0 {
		return Metadata{}, fmt.Errorf("chunk: composite metadata source has no children")
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		meta Metadata
		err  error
	}
	results := make(chan result, len(c.Sources))

	var wg sync.WaitGroup
	for _, src := range c.Sources {
		src := src
		wg.Add(1)
		go func() {
			defer wg.Done()
			meta, err := src.GetMetadata(raceCtx, p)
			select {
			case results <- result{meta: meta, err: err}:
			case <-raceCtx.Done():
			}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var errs []error
	for r := range results {
		if r.err == nil {
			cancel() // stop remaining siblings; their outcomes don't count
			return r.meta, nil
		}
		// A sibling cancelled mid-flight surfaces ctx.Canceled; that is not
		// an explicit failure and must not count toward AllSourcesFailed.
		if raceCtx.Err() != nil && errorIsContextCancelled(r.err) {
			continue
		}
		errs = append(errs, r.err)
	}

	if len(errs) == 0 {
		return Metadata{}, gwerrors.Cancelled(nil)
	}
	return Metadata{}, &gwerrors.AllSourcesFailed{Errors: errs}
}

func errorIsContextCancelled(err error) bool {
	return err == context.Canceled
}
