package coordination

import (
	"fmt"
	"sync"

	"github.com/ChuLiYu/falcon-scheduler/internal/stream"
	"github.com/ChuLiYu/falcon-scheduler/pkg/types"
)

// Registry is an in-process membership service. Members join with an
// ephemeral-sequential name and leave on Close; every membership change is
// pushed to all remaining members.
//
// Subscriber callbacks must not call Join or Close on the same Registry.
type Registry struct {
	mu      sync.Mutex
	seq     int64
	members map[string]*Member

	// serializes broadcasts so members never observe an older view after a
	// newer one
	deliverMu sync.Mutex
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{members: make(map[string]*Member)}
}

// Member is one registration; it implements Client.
type Member struct {
	registry *Registry
	name     string
	l        listeners
}

// Join registers a new member and notifies every member of the new layout.
func (r *Registry) Join() *Member {
	r.mu.Lock()
	r.seq++
	m := &Member{registry: r, name: fmt.Sprintf("member-%010d", r.seq)}
	r.members[m.name] = m
	r.mu.Unlock()

	r.broadcast()
	return m
}

// Size returns the number of live members.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

func (r *Registry) leave(m *Member) {
	r.mu.Lock()
	_, ok := r.members[m.name]
	delete(r.members, m.name)
	r.mu.Unlock()
	if ok {
		r.broadcast()
	}
}

func (r *Registry) broadcast() {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()

	r.mu.Lock()
	names := make([]string, 0, len(r.members))
	members := make([]*Member, 0, len(r.members))
	for name, m := range r.members {
		names = append(names, name)
		members = append(members, m)
	}
	r.mu.Unlock()

	for _, m := range members {
		info, err := IndexOf(names, m.name)
		if err != nil {
			continue
		}
		m.l.publish(info)
	}
}

// Name returns the sequence name the member registered under.
func (m *Member) Name() string { return m.name }

// GetClusterNodeInformation subscribes fn and replays the current position.
func (m *Member) GetClusterNodeInformation(fn func(types.NodeInformation)) (stream.Subscription, error) {
	sub, current, err := m.l.add(fn)
	if err != nil {
		return nil, err
	}
	if current != nil {
		fn(*current)
	}
	return sub, nil
}

// Close leaves the registry. Idempotent.
func (m *Member) Close() error {
	if m.l.close() {
		m.registry.leave(m)
	}
	return nil
}
