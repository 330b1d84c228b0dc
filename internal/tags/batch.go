package tags

import (
	"context"
	"runtime"
	"sync"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// TagContentBatch tags many chunk rows concurrently on a worker pool and
// returns how many were tagged. The first store error aborts the count but
// workers already in flight still finish; rows are mutated in place.
func (s *Service) TagContentBatch(
	ctx context.Context,
	tenantID string,
	kbIDs []string,
	rows []map[string]any,
	allTags map[string]float64,
	topN int,
	smoothing float64,
) (int, error) {
	if len(rows) == 0 || len(kbIDs) == 0 {
		return 0, nil
	}

	size := runtime.NumCPU() / 2
	if size < 1 {
		size = 1
	}
	pool, err := ants.NewPool(size)
	if err != nil {
		return 0, err
	}
	defer pool.Release()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		tagged   int
		firstErr error
	)
	for i := range rows {
		row := rows[i]
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			ok, err := s.TagContent(ctx, tenantID, kbIDs, row, allTags, topN, smoothing)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			if ok {
				tagged++
			}
		})
		if submitErr != nil {
			wg.Done()
			s.logger.Warn("tag batch submit", zap.Error(submitErr))
			mu.Lock()
			if firstErr == nil {
				firstErr = submitErr
			}
			mu.Unlock()
		}
	}
	wg.Wait()

	return tagged, firstErr
}
