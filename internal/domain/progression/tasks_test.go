package progression

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectDaily_Invariants(t *testing.T) {
	pool := DefaultTaskPool()

	for day := int64(-30); day < 400; day++ {
		set := SelectDaily(pool, day, DefaultDailyTaskCount)
		require.Len(t, set, DefaultDailyTaskCount, "day %d", day)

		seen := make(map[string]bool)
		videos := 0
		for _, task := range set {
			assert.False(t, seen[task.ID], "duplicate %s on day %d", task.ID, day)
			seen[task.ID] = true
			if task.Kind == TaskVideo {
				videos++
			}
		}
		assert.GreaterOrEqual(t, videos, 1, "day %d has no video", day)
		assert.Equal(t, TaskVideo, set[0].Kind)
	}
}

func TestSelectDaily_Deterministic(t *testing.T) {
	pool := DefaultTaskPool()
	assert.Equal(t, SelectDaily(pool, 20500, 5), SelectDaily(pool, 20500, 5))
}

func TestSelectDaily_GuaranteedRotation(t *testing.T) {
	pool := DefaultTaskPool()

	assert.Equal(t, "video-normal-sinus", SelectDaily(pool, 0, 5)[0].ID)
	assert.Equal(t, "video-lead-placement", SelectDaily(pool, 7, 5)[0].ID)
	assert.Equal(t, "video-afib-basics", SelectDaily(pool, -1, 5)[0].ID)
}

func TestSelectDaily_BackfillWithGuaranteed(t *testing.T) {
	pool := []Task{
		{ID: "v1", Kind: TaskVideo},
		{ID: "v2", Kind: TaskVideo},
		{ID: "v3", Kind: TaskVideo},
		{ID: "q1", Kind: TaskQuiz},
		{ID: "f1", Kind: TaskFlashcard},
	}

	set := SelectDaily(pool, 4, 5)
	require.Len(t, set, 5)

	ids := make(map[string]bool)
	for _, task := range set {
		ids[task.ID] = true
	}
	assert.Len(t, ids, 5)
	assert.Equal(t, "v2", set[0].ID)
}

func TestSelectDaily_EdgeCases(t *testing.T) {
	assert.Empty(t, SelectDaily(nil, 1, 5))
	assert.Empty(t, SelectDaily(DefaultTaskPool(), 1, 0))

	small := []Task{{ID: "q1", Kind: TaskQuiz}, {ID: "q2", Kind: TaskQuiz}}
	assert.Len(t, SelectDaily(small, 3, 5), 2)

	dup := []Task{{ID: "v1", Kind: TaskVideo}, {ID: "v1", Kind: TaskVideo}}
	assert.Len(t, SelectDaily(dup, 3, 5), 1)
}
