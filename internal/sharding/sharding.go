// ============================================================================
// Falcon Scheduler - 分片函數
// ============================================================================
//
// Package: internal/sharding
// 文件: sharding.go
// 功能: 把任務 ID 決定性地映射到每種叢集大小下的一個 shard
//
// 演算法:
//   Jump Consistent Hash (Lamping & Veach)，以任務 ID 的 CRC-64/ECMA 為種子。
//   叢集從 n 擴到 n+1 時只有落在新節點 n 的任務會移動；
//   同一個 nodeCount 下任務的 nodeId 永遠不變（跨呼叫、跨重啟）。
//
//   同一個 key 的跳躍序列與 bucket 數無關，所以只走一次到 MaxClusterSize，
//   每個 nodeCount 直接讀序列：bucket(n) = 小於 n 的最後一個跳躍目標。
//
// 持久化格式:
//   "{nodeCount}-{nodeId}"，nodeCount 為 2..MaxClusterSize。
//   叢集大小 1 擁有全部任務，不需要紀錄。
//
// ============================================================================

package sharding

import (
	"errors"
	"fmt"
	"hash/crc64"

	"github.com/ChuLiYu/falcon-scheduler/pkg/types"
)

// MaxClusterSize bounds the precomputed shard table.
const MaxClusterSize = 64

var (
	// ErrInvalidShards reports a shard list that is not contiguous from 2.
	ErrInvalidShards = errors.New("sharding: shards must be contiguous from node count 2")
	// ErrInvalidTopology reports a node index outside the cluster.
	ErrInvalidTopology = errors.New("sharding: node index out of range")
)

var crcTable = crc64.MakeTable(crc64.ECMA)

// jumpChain returns the successive jump targets of key below limit. The
// first element is always 0.
func jumpChain(key string, limit int) []int {
	chain := make([]int, 0, 8)
	sum := crc64.Checksum([]byte(key), crcTable)

	var b int64 = -1
	var j int64
	for j < int64(limit) {
		b = j
		chain = append(chain, int(b))
		sum = sum*2862933555777941757 + 1
		j = int64(float64(b+1) * (float64(int64(1)<<31) / float64((sum>>33)+1)))
	}
	return chain
}

// bucket is the plain Jump Consistent Hash for one bucket count.
func bucket(key string, numBuckets int) int {
	chain := jumpChain(key, numBuckets)
	return chain[len(chain)-1]
}

// ShardsFor returns one shard per nodeCount from 2 to MaxClusterSize.
func ShardsFor(id types.JobID) []types.Shard {
	chain := jumpChain(string(id), MaxClusterSize)
	out := make([]types.Shard, 0, MaxClusterSize-1)
	k := 0
	for n := 2; n <= MaxClusterSize; n++ {
		for k+1 < len(chain) && chain[k+1] < n {
			k++
		}
		out = append(out, types.Shard{NodeCount: n, NodeID: chain[k]})
	}
	return out
}

// ShardIndexes returns the persisted "{nodeCount}-{nodeId}" strings for id.
func ShardIndexes(id types.JobID) []string {
	shards := ShardsFor(id)
	out := make([]string, len(shards))
	for i, s := range shards {
		out[i] = s.Index()
	}
	return out
}

// Func is the sharding function handed to the datastore at registration.
type Func func(types.JobID) []string

// Default is the production sharding function.
var Default Func = ShardIndexes

// ValidateShards checks that indexes hold exactly one entry per nodeCount
// from 2 upward, contiguous and ascending, each nodeId within its count.
func ValidateShards(indexes []string) error {
	if len(indexes) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidShards)
	}
	for i, idx := range indexes {
		s, err := types.ParseShardIndex(idx)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidShards, err)
		}
		if s.NodeCount != i+2 {
			return fmt.Errorf("%w: position %d has node count %d", ErrInvalidShards, i, s.NodeCount)
		}
		if s.NodeID < 0 || s.NodeID >= s.NodeCount {
			return fmt.Errorf("%w: node id %d outside count %d", ErrInvalidShards, s.NodeID, s.NodeCount)
		}
	}
	return nil
}

// ShardsToListenTo returns the shards a physical node owns, or nil when the
// node owns every job (clusterSize <= 1).
//
// Past MaxClusterSize the prefix is capped: nodes with an index beyond the
// cap get an empty NodeIDs list and only stand by.
func ShardsToListenTo(nodeIndex, clusterSize int) (*types.ShardsToListenTo, error) {
	if clusterSize <= 1 {
		return nil, nil
	}
	if nodeIndex < 0 || nodeIndex >= clusterSize {
		return nil, fmt.Errorf("%w: index %d, size %d", ErrInvalidTopology, nodeIndex, clusterSize)
	}
	prefix := clusterSize
	if prefix > MaxClusterSize {
		prefix = MaxClusterSize
	}
	ids := []int{}
	if nodeIndex < prefix {
		ids = append(ids, nodeIndex)
	}
	return &types.ShardsToListenTo{Prefix: prefix, NodeIDs: ids}, nil
}
