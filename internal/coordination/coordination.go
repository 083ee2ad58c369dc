// Package coordination provides the cluster membership stream consumed by
// topology: each live member learns its dense 0-based index and the current
// cluster size.
//
// Every implementation assigns indices the same way: members register under
// an ephemeral, monotonically increasing sequence name, the live set is
// sorted lexically and a member's index is its sort position.
package coordination

import (
	"errors"
	"sort"
	"sync"

	"github.com/ChuLiYu/falcon-scheduler/internal/stream"
	"github.com/ChuLiYu/falcon-scheduler/pkg/types"
)

var (
	// ErrClosed is returned when subscribing on a closed client.
	ErrClosed = errors.New("coordination: client closed")
	// ErrNotMember is returned when a member is missing from the live set.
	ErrNotMember = errors.New("coordination: not a live member")
)

// Client streams NodeInformation updates. Implementations deliver the
// current value (once known) to new subscribers.
type Client interface {
	GetClusterNodeInformation(fn func(types.NodeInformation)) (stream.Subscription, error)
	Close() error
}

// IndexOf returns the position of self within the lexically sorted members.
func IndexOf(members []string, self string) (types.NodeInformation, error) {
	sorted := append([]string(nil), members...)
	sort.Strings(sorted)
	i := sort.SearchStrings(sorted, self)
	if i == len(sorted) || sorted[i] != self {
		return types.NodeInformation{}, ErrNotMember
	}
	return types.NodeInformation{CurrentNodeID: i, ClusterSize: len(sorted)}, nil
}

// listeners is the subscriber list shared by the implementations.
type listeners struct {
	mu     sync.Mutex
	next   int
	fns    map[int]func(types.NodeInformation)
	last   *types.NodeInformation
	closed bool
}

func (l *listeners) add(fn func(types.NodeInformation)) (stream.Subscription, *types.NodeInformation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, nil, ErrClosed
	}
	if l.fns == nil {
		l.fns = make(map[int]func(types.NodeInformation))
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	var current *types.NodeInformation
	if l.last != nil {
		v := *l.last
		current = &v
	}
	return stream.Func(func() {
		l.mu.Lock()
		delete(l.fns, id)
		l.mu.Unlock()
	}), current, nil
}

// publish records info and delivers it when it differs from the last value.
func (l *listeners) publish(info types.NodeInformation) {
	l.mu.Lock()
	if l.closed || (l.last != nil && *l.last == info) {
		l.mu.Unlock()
		return
	}
	l.last = &info
	fns := make([]func(types.NodeInformation), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(info)
	}
}

func (l *listeners) close() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.closed = true
	l.fns = nil
	return true
}

// ============================================================================
// Static
// ============================================================================

// Static reports a fixed position. Useful for single node deployments and
// for tests that pin a node to a shard.
type Static struct {
	info types.NodeInformation
	l    listeners
}

// NewStatic returns a Static client for the given position.
func NewStatic(nodeIndex, clusterSize int) *Static {
	s := &Static{info: types.NodeInformation{CurrentNodeID: nodeIndex, ClusterSize: clusterSize}}
	s.l.last = &s.info
	return s
}

// GetClusterNodeInformation emits the fixed position once, synchronously.
func (s *Static) GetClusterNodeInformation(fn func(types.NodeInformation)) (stream.Subscription, error) {
	sub, current, err := s.l.add(fn)
	if err != nil {
		return nil, err
	}
	fn(*current)
	return sub, nil
}

// Close is idempotent.
func (s *Static) Close() error {
	s.l.close()
	return nil
}
