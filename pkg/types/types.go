// Package types defines the core domain model shared by the scheduler,
// the processor and the datastore adapters.
package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// JobID is the opaque unique identifier assigned at registration.
type JobID string

// HTTPRequestSpec describes the outbound callback of a job.
type HTTPRequestSpec struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// JobDefinition is immutable once created.
type JobDefinition struct {
	ID          JobID           `json:"id"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	Request     HTTPRequestSpec `json:"request"`
}

// JobDocument is the persisted unit. Shards is computed once at registration
// and never recomputed.
type JobDocument struct {
	Definition JobDefinition `json:"definition"`
	Status     JobStatus     `json:"status"`
	Shards     []string      `json:"shards"`
}

// ID is a shorthand for Definition.ID.
func (d JobDocument) ID() JobID { return d.Definition.ID }

// ============================================================================
// Sharding
// ============================================================================

// Shard identifies one partition of the job space for a hypothetical
// cluster of NodeCount nodes.
type Shard struct {
	NodeCount int `json:"node_count"`
	NodeID    int `json:"node_id"`
}

// Index returns the persisted form "{nodeCount}-{nodeId}".
func (s Shard) Index() string {
	return strconv.Itoa(s.NodeCount) + "-" + strconv.Itoa(s.NodeID)
}

// ParseShardIndex parses the "{nodeCount}-{nodeId}" form.
func ParseShardIndex(index string) (Shard, error) {
	count, id, ok := strings.Cut(index, "-")
	if !ok {
		return Shard{}, fmt.Errorf("invalid shard index %q", index)
	}
	n, err := strconv.Atoi(count)
	if err != nil {
		return Shard{}, fmt.Errorf("invalid shard node count in %q: %w", index, err)
	}
	i, err := strconv.Atoi(id)
	if err != nil {
		return Shard{}, fmt.Errorf("invalid shard node id in %q: %w", index, err)
	}
	return Shard{NodeCount: n, NodeID: i}, nil
}

// ShardsToListenTo is the set of shards a physical node owns. A nil
// *ShardsToListenTo means the node owns every job.
type ShardsToListenTo struct {
	Prefix  int   `json:"prefix"`
	NodeIDs []int `json:"node_ids"`
}

// Indexes returns the shard index strings covered by s.
func (s *ShardsToListenTo) Indexes() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.NodeIDs))
	for _, id := range s.NodeIDs {
		out = append(out, Shard{NodeCount: s.Prefix, NodeID: id}.Index())
	}
	return out
}

// Matches reports whether a job carrying the given shard indexes belongs to s.
func (s *ShardsToListenTo) Matches(shards []string) bool {
	if s == nil {
		return true
	}
	for _, want := range s.Indexes() {
		for _, have := range shards {
			if have == want {
				return true
			}
		}
	}
	return false
}

func (s *ShardsToListenTo) String() string {
	if s == nil {
		return "all"
	}
	return fmt.Sprintf("%d:%v", s.Prefix, s.NodeIDs)
}

// NodeInformation is one emission of a coordination client.
type NodeInformation struct {
	CurrentNodeID int `json:"current_node_id"`
	ClusterSize   int `json:"cluster_size"`
}

// ============================================================================
// Rate limits
// ============================================================================

// RateLimit is one row per (job, rate-limit key) pair.
type RateLimit struct {
	Key         string     `json:"key"`
	JobID       JobID      `json:"job_id"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	SatisfiedAt *time.Time `json:"satisfied_at,omitempty"`
	Shards      []string   `json:"shards"`
}

// ID is unique per (job, key).
func (r RateLimit) ID() string {
	return string(r.JobID) + "/" + r.Key
}

// Satisfied reports whether the row has been marked satisfied.
func (r RateLimit) Satisfied() bool {
	return r.SatisfiedAt != nil
}
