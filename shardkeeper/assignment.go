package shardkeeper

import (
	"fmt"
)

// ShardRange is the half-open range of shard IDs [Lo, Hi)
type ShardRange struct {
	Lo int `msgpack:"lo" json:"lo"`
	Hi int `msgpack:"hi" json:"hi"`
}

func (r ShardRange) Len() int {
	if r.Hi <= r.Lo {
		return 0
	}
	return r.Hi - r.Lo
}

func (r ShardRange) Contains(shardID int) bool {
	return shardID >= r.Lo && shardID < r.Hi
}

func (r ShardRange) String() string {
	return fmt.Sprintf("[%d,%d)", r.Lo, r.Hi)
}

// WorkerAssignment is the contiguous shard range owned by one worker
type WorkerAssignment struct {
	WorkerID  int        `json:"worker_id"`
	ClusterID int        `json:"cluster_id"`
	Shards    ShardRange `json:"shards"`
}

// ClusterAssignment is the contiguous shard range owned by one cluster,
// divided between its workers
type ClusterAssignment struct {
	ClusterID int                `json:"cluster_id"`
	Shards    ShardRange         `json:"shards"`
	Workers   []WorkerAssignment `json:"workers"`
}

// Assignment maps every shard of a generation to a cluster and a worker
type Assignment struct {
	TotalShards     int                 `json:"total_shards"`
	ShardsPerWorker int                 `json:"shards_per_worker"`
	Clusters        []ClusterAssignment `json:"clusters"`
}

// WorkerCount returns the number of workers across all clusters
func (a Assignment) WorkerCount() int {
	n := 0
	for _, c := range a.Clusters {
		n += len(c.Workers)
	}
	return n
}

// ComputeAssignment divides totalShards between clusters as evenly as
// possible, then gives each cluster ceil(len/shardsPerWorker) workers with
// contiguous ranges. Worker IDs are unique within the generation.
func ComputeAssignment(totalShards int, clusters int, shardsPerWorker int) (Assignment, error) {
	switch {
	case totalShards < 1:
		return Assignment{}, &ConfigError{Field: "total_shards", Reason: "must be at least 1"}
	case clusters < 1:
		return Assignment{}, &ConfigError{Field: "clusters", Reason: "must be at least 1"}
	case shardsPerWorker < 1:
		return Assignment{}, &ConfigError{Field: "shards_per_worker", Reason: "must be at least 1"}
	case clusters > totalShards:
		return Assignment{}, &ConfigError{
			Field:  "clusters",
			Reason: fmt.Sprintf("%d clusters can't share %d shards", clusters, totalShards),
		}
	}

	a := Assignment{
		TotalShards:     totalShards,
		ShardsPerWorker: shardsPerWorker,
		Clusters:        make([]ClusterAssignment, 0, clusters),
	}

	base := totalShards / clusters
	extra := totalShards % clusters
	lo := 0
	workerID := 0
	for clusterID := 0; clusterID < clusters; clusterID++ {
		size := base
		if clusterID < extra {
			size++
		}
		c := ClusterAssignment{
			ClusterID: clusterID,
			Shards:    ShardRange{Lo: lo, Hi: lo + size},
		}
		for wlo := c.Shards.Lo; wlo < c.Shards.Hi; wlo += shardsPerWorker {
			c.Workers = append(
				c.Workers,
				WorkerAssignment{
					WorkerID:  workerID,
					ClusterID: clusterID,
					Shards:    ShardRange{Lo: wlo, Hi: min(wlo+shardsPerWorker, c.Shards.Hi)},
				},
			)
			workerID++
		}
		a.Clusters = append(a.Clusters, c)
		lo += size
	}
	return a, nil
}
