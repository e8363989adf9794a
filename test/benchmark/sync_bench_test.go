package benchmark

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/TheMichaelB/daybook/internal/cache"
	"github.com/TheMichaelB/daybook/internal/models"
	"github.com/TheMichaelB/daybook/internal/provider"
	"github.com/TheMichaelB/daybook/internal/queue"
	"github.com/TheMichaelB/daybook/internal/remote"
	"github.com/TheMichaelB/daybook/internal/state"
	"github.com/TheMichaelB/daybook/internal/storage"
	"github.com/TheMichaelB/daybook/test/testutil"
)

func BenchmarkMerge(b *testing.B) {
	for _, count := range []int{100, 1000, 10000} {
		b.Run(fmt.Sprintf("%dRecords", count), func(b *testing.B) {
			mirror := cache.Merge(nil, generateTasks(count))

			// a delta touching a tenth of the records, half of them deletes
			delta := generateTasks(count / 10)
			for i := range delta {
				delta[i].UpdatedAt = delta[i].UpdatedAt.Add(time.Hour)
				if i%2 == 0 {
					delta[i] = delta[i].Tombstone(delta[i].UpdatedAt)
				}
			}

			b.ResetTimer()
			b.ReportAllocs()

			for i := 0; i < b.N; i++ {
				cache.Merge(mirror, delta)
			}
		})
	}
}

func BenchmarkHydrate(b *testing.B) {
	ctx := context.Background()
	logger := testutil.NewTestLogger()

	for _, count := range []int{100, 1000} {
		b.Run(fmt.Sprintf("%dRecords", count), func(b *testing.B) {
			adapter := remote.NewMockAdapter()
			adapter.Seed("bench", models.CollectionTasks, generateTasks(count)...)

			q := queue.New(queue.NewMemoryLog(), "bench", queue.DefaultConfig(), logger)
			p := provider.NewRemoteBacked(storage.NewMockStore(), adapter, q, provider.Options{}, logger)
			session, err := cache.NewSession(p, state.NewMockStore())
			if err != nil {
				b.Fatal(err)
			}
			co := cache.New(session, cache.Options{}, logger)

			b.ResetTimer()
			b.ReportAllocs()

			for i := 0; i < b.N; i++ {
				co.Invalidate()
				if _, err := co.HydrateTable(ctx, models.CollectionTasks, false); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
