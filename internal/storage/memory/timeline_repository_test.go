package memory_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
	"github.com/vladislavdragonenkov/shopcore/internal/storage/memory"
)

func TestTimelineRepository_ChronologicalOrder(t *testing.T) {
	repo := memory.NewTimelineRepository()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Append(domain.TimelineEvent{OrderID: "o-1", Type: domain.TimelineOrderStatusChanged, Occurred: base.Add(time.Minute)}))
	require.NoError(t, repo.Append(domain.TimelineEvent{OrderID: "o-1", Type: domain.TimelineOrderCreated, Occurred: base}))
	require.NoError(t, repo.Append(domain.TimelineEvent{OrderID: "o-1", Type: domain.TimelineStockRestored, Occurred: base.Add(time.Minute)}))

	events, err := repo.List("o-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, domain.TimelineOrderCreated, events[0].Type)
	require.Equal(t, domain.TimelineOrderStatusChanged, events[1].Type)
	require.Equal(t, domain.TimelineStockRestored, events[2].Type)

	empty, err := repo.List("unknown")
	require.NoError(t, err)
	require.Empty(t, empty)
}
