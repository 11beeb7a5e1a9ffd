package shardkeeper

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestComputeAssignment(t *testing.T) {
	t.Parallel()

	t.Run(
		"two workers", func(t *testing.T) {
			a, err := ComputeAssignment(8, 1, 4)
			require.NoError(t, err)
			require.Len(t, a.Clusters, 1)
			assert.Equal(t, ShardRange{Lo: 0, Hi: 8}, a.Clusters[0].Shards)
			assert.Equal(
				t,
				[]WorkerAssignment{
					{WorkerID: 0, ClusterID: 0, Shards: ShardRange{Lo: 0, Hi: 4}},
					{WorkerID: 1, ClusterID: 0, Shards: ShardRange{Lo: 4, Hi: 8}},
				},
				a.Clusters[0].Workers,
			)
			assert.Equal(t, 2, a.WorkerCount())
		},
	)

	t.Run(
		"uneven", func(t *testing.T) {
			a, err := ComputeAssignment(10, 3, 3)
			require.NoError(t, err)
			require.Len(t, a.Clusters, 3)
			assert.Equal(t, ShardRange{Lo: 0, Hi: 4}, a.Clusters[0].Shards)
			assert.Equal(t, ShardRange{Lo: 4, Hi: 7}, a.Clusters[1].Shards)
			assert.Equal(t, ShardRange{Lo: 7, Hi: 10}, a.Clusters[2].Shards)

			require.Len(t, a.Clusters[0].Workers, 2)
			assert.Equal(t, ShardRange{Lo: 0, Hi: 3}, a.Clusters[0].Workers[0].Shards)
			assert.Equal(t, ShardRange{Lo: 3, Hi: 4}, a.Clusters[0].Workers[1].Shards)
			assert.Equal(t, 4, a.WorkerCount())
		},
	)

	t.Run(
		"every shard once", func(t *testing.T) {
			a, err := ComputeAssignment(37, 4, 5)
			require.NoError(t, err)
			seen := map[int]int{}
			workerIDs := map[int]bool{}
			for _, c := range a.Clusters {
				for _, w := range c.Workers {
					assert.False(t, workerIDs[w.WorkerID], "duplicate worker %d", w.WorkerID)
					workerIDs[w.WorkerID] = true
					assert.LessOrEqual(t, w.Shards.Len(), 5)
					for shardID := w.Shards.Lo; shardID < w.Shards.Hi; shardID++ {
						assert.True(t, c.Shards.Contains(shardID))
						seen[shardID]++
					}
				}
			}
			assert.Len(t, seen, 37)
			for shardID, n := range seen {
				assert.Equal(t, 1, n, "shard %d", shardID)
			}
		},
	)

	t.Run(
		"invalid", func(t *testing.T) {
			tests := []struct {
				total, clusters, perWorker int
				field                      string
			}{
				{total: 0, clusters: 1, perWorker: 1, field: "total_shards"},
				{total: 4, clusters: 0, perWorker: 1, field: "clusters"},
				{total: 4, clusters: 1, perWorker: 0, field: "shards_per_worker"},
				{total: 2, clusters: 3, perWorker: 1, field: "clusters"},
			}
			for _, tc := range tests {
				_, err := ComputeAssignment(tc.total, tc.clusters, tc.perWorker)
				require.ErrorIs(t, err, ErrConfigInvalid)
				var cfgErr *ConfigError
				require.ErrorAs(t, err, &cfgErr)
				assert.Equal(t, tc.field, cfgErr.Field)
			}
		},
	)
}

func TestShardRange(t *testing.T) {
	t.Parallel()
	r := ShardRange{Lo: 4, Hi: 8}
	assert.Equal(t, 4, r.Len())
	assert.True(t, r.Contains(4))
	assert.True(t, r.Contains(7))
	assert.False(t, r.Contains(8))
	assert.False(t, r.Contains(3))
	assert.Equal(t, "[4,8)", r.String())
	assert.Zero(t, ShardRange{Lo: 3, Hi: 1}.Len())
}
