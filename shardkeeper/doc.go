// Package shardkeeper orchestrates a Discord bot's gateway connections
// across worker units.
//
// A bot with many shards can only open a limited number of new gateway
// sessions at a time: Discord allows one IDENTIFY per rate-limit bucket
// (shardID mod max_concurrency) every few seconds, and a fixed number of
// session starts per day. shardkeeper divides the shards into clusters and
// workers, serializes IDENTIFY per bucket, and supervises every connection
// through crashes, resumes and zero-downtime reclusters.
//
// Key components:
//
//   - SessionLimitProbe: fetches the recommended shard count and identify budget.
//   - IdentifyScheduler: one in-flight IDENTIFY per bucket, FIFO hand-off.
//   - ShardWorkerPool: spawns workers and mediates their identify requests.
//   - RunWorker: the worker side, hosting one supervisor per shard.
//   - ClusterManager: generations of clusters, recluster, maintenance, stop.
//   - API: the authenticated HTTP control channel.
//
// Gateway dispatches are handed to an EventRouter without interpretation.
// Command handling and application logic live behind that boundary.
package shardkeeper
