package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/teris-io/shortid"
)

// MemoryStore is an in-process tree store with last-write-wins writes
// and insertion-ordered appends. All subscription callbacks run on a
// single dispatch goroutine, in apply order.
type MemoryStore struct {
	mu      sync.Mutex
	root    *treeNode
	subs    map[int]*memorySub
	nextSub int

	// The event queue is unbounded: callbacks run on the dispatch
	// goroutine and may re-enter the store, so a bounded queue could
	// deadlock once it fills while the dispatcher is inside a callback.
	qmu    sync.Mutex
	qcond  *sync.Cond
	queue  []memoryEvent
	closed bool
}

type treeNode struct {
	value    any
	children map[string]*treeNode
	order    []string
}

type childKey struct {
	parent string
	key    string
}

type memoryEvent struct {
	sub   *memorySub
	key   string
	value any
}

type memorySub struct {
	store    *MemoryStore
	id       int
	path     string
	kind     SubKind
	valueFn  func(any)
	childFn  func(string, any)
	canceled atomic.Bool
}

func (s *memorySub) Cancel() {
	if s.canceled.Swap(true) {
		return
	}
	s.store.mu.Lock()
	delete(s.store.subs, s.id)
	s.store.mu.Unlock()
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		root: &treeNode{},
		subs: make(map[int]*memorySub),
	}
	s.qcond = sync.NewCond(&s.qmu)
	go s.dispatch()
	return s
}

// Close stops the dispatch goroutine. Pending events are dropped.
func (s *MemoryStore) Close() {
	s.qmu.Lock()
	s.closed = true
	s.queue = nil
	s.qmu.Unlock()
	s.qcond.Broadcast()
}

func (s *MemoryStore) dispatch() {
	for {
		s.qmu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.qcond.Wait()
		}
		if s.closed {
			s.qmu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.qmu.Unlock()

		if ev.sub.canceled.Load() {
			continue
		}
		if ev.sub.kind == SubValue {
			ev.sub.valueFn(ev.value)
		} else {
			ev.sub.childFn(ev.key, ev.value)
		}
	}
}

func (s *MemoryStore) Read(_ context.Context, path string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotPath(path), nil
}

func (s *MemoryStore) Write(ctx context.Context, path string, value any) error {
	v, err := normalize(value)
	if err != nil {
		return err
	}
	if v == nil {
		return s.Remove(ctx, path)
	}

	parts := splitPath(path)
	if len(parts) == 0 {
		return fmt.Errorf("write: empty path")
	}
	path = strings.Join(parts, "/")

	s.mu.Lock()
	defer s.mu.Unlock()

	var created []childKey
	n := s.ensure(parts, &created)
	s.setNode(n, path, v, &created)
	s.fanout(path, created)
	return nil
}

func (s *MemoryStore) Update(_ context.Context, path string, fields map[string]any) error {
	parts := splitPath(path)
	if len(parts) == 0 {
		return fmt.Errorf("update: empty path")
	}
	path = strings.Join(parts, "/")

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	normalized := make(map[string]any, len(fields))
	for _, k := range keys {
		v, err := normalize(fields[k])
		if err != nil {
			return err
		}
		normalized[k] = v
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var created []childKey
	n := s.ensure(parts, &created)
	for _, k := range keys {
		v := normalized[k]
		if v == nil {
			n.deleteChild(k)
			continue
		}
		child, ok := n.children[k]
		if !ok {
			child = &treeNode{}
			n.putChild(k, child)
			created = append(created, childKey{parent: path, key: k})
		}
		s.setNode(child, path+"/"+k, v, &created)
	}
	s.fanout(path, created)
	return nil
}

func (s *MemoryStore) Append(_ context.Context, path string, value any) (string, error) {
	v, err := normalize(value)
	if err != nil {
		return "", err
	}
	if v == nil {
		return "", fmt.Errorf("append: nil value")
	}

	parts := splitPath(path)
	if len(parts) == 0 {
		return "", fmt.Errorf("append: empty path")
	}
	path = strings.Join(parts, "/")

	s.mu.Lock()
	defer s.mu.Unlock()

	var created []childKey
	n := s.ensure(parts, &created)

	var key string
	for {
		key, err = shortid.Generate()
		if err != nil {
			return "", fmt.Errorf("append: generate key: %w", err)
		}
		if _, exists := n.children[key]; !exists {
			break
		}
	}

	child := &treeNode{}
	n.putChild(key, child)
	created = append(created, childKey{parent: path, key: key})
	s.setNode(child, path+"/"+key, v, &created)
	s.fanout(path, created)
	return key, nil
}

func (s *MemoryStore) Remove(_ context.Context, path string) error {
	parts := splitPath(path)
	if len(parts) == 0 {
		return fmt.Errorf("remove: empty path")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	parent := s.find(parts[:len(parts)-1])
	if parent == nil {
		return nil
	}
	key := parts[len(parts)-1]
	if _, ok := parent.children[key]; !ok {
		return nil
	}
	parent.deleteChild(key)
	s.fanout(path, nil)
	return nil
}

func (s *MemoryStore) OnValue(path string, fn func(value any)) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := s.addSub(path, SubValue)
	sub.valueFn = fn
	s.enqueue(memoryEvent{sub: sub, value: s.snapshotPath(path)})
	return sub, nil
}

func (s *MemoryStore) OnChildAdded(path string, fn func(key string, value any)) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := s.addSub(path, SubChildAdded)
	sub.childFn = fn
	if n := s.find(splitPath(path)); n != nil {
		for _, key := range n.order {
			s.enqueue(memoryEvent{sub: sub, key: key, value: snapshot(n.children[key])})
		}
	}
	return sub, nil
}

func (s *MemoryStore) addSub(path string, kind SubKind) *memorySub {
	s.nextSub++
	sub := &memorySub{
		store: s,
		id:    s.nextSub,
		path:  strings.Trim(path, "/"),
		kind:  kind,
	}
	s.subs[sub.id] = sub
	return sub
}

// ensure walks to the node at parts, creating missing segments and
// recording each created child.
func (s *MemoryStore) ensure(parts []string, created *[]childKey) *treeNode {
	n := s.root
	var prefix string
	for _, seg := range parts {
		if n.children == nil {
			n.children = make(map[string]*treeNode)
			n.value = nil
		}
		child, ok := n.children[seg]
		if !ok {
			child = &treeNode{}
			n.putChild(seg, child)
			*created = append(*created, childKey{parent: prefix, key: seg})
		}
		if prefix == "" {
			prefix = seg
		} else {
			prefix = prefix + "/" + seg
		}
		n = child
	}
	return n
}

func (s *MemoryStore) find(parts []string) *treeNode {
	n := s.root
	for _, seg := range parts {
		child, ok := n.children[seg]
		if !ok {
			return nil
		}
		n = child
	}
	return n
}

// setNode replaces the subtree rooted at n with v, reusing surviving
// child nodes so deeper diffs still produce child-added records.
func (s *MemoryStore) setNode(n *treeNode, path string, v any, created *[]childKey) {
	m, ok := v.(map[string]any)
	if !ok {
		n.children = nil
		n.order = nil
		n.value = v
		return
	}

	old := n.children
	oldOrder := n.order
	n.value = nil
	n.children = make(map[string]*treeNode, len(m))
	n.order = nil

	for _, k := range oldOrder {
		if _, keep := m[k]; keep {
			n.order = append(n.order, k)
		}
	}
	var fresh []string
	for k := range m {
		if _, existed := old[k]; !existed {
			fresh = append(fresh, k)
		}
	}
	sort.Strings(fresh)
	n.order = append(n.order, fresh...)

	for _, k := range n.order {
		child := old[k]
		if child == nil {
			child = &treeNode{}
			*created = append(*created, childKey{parent: path, key: k})
		}
		n.children[k] = child
		s.setNode(child, path+"/"+k, m[k], created)
	}
}

func (n *treeNode) putChild(key string, child *treeNode) {
	if n.children == nil {
		n.children = make(map[string]*treeNode)
		n.value = nil
	}
	n.children[key] = child
	n.order = append(n.order, key)
}

func (n *treeNode) deleteChild(key string) {
	delete(n.children, key)
	for i, k := range n.order {
		if k == key {
			n.order = append(n.order[:i], n.order[i+1:]...)
			break
		}
	}
}

func (s *MemoryStore) snapshotPath(path string) any {
	return snapshot(s.find(splitPath(path)))
}

func snapshot(n *treeNode) any {
	if n == nil {
		return nil
	}
	if n.children == nil {
		return n.value
	}
	m := make(map[string]any, len(n.children))
	for k, child := range n.children {
		m[k] = snapshot(child)
	}
	return m
}

// fanout queues change events for every affected subscription. Must be
// called with the store lock held so queue order matches apply order.
func (s *MemoryStore) fanout(changed string, created []childKey) {
	changed = strings.Trim(changed, "/")

	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	for _, id := range ids {
		sub := s.subs[id]
		switch sub.kind {
		case SubValue:
			if pathsRelated(sub.path, changed) {
				s.enqueue(memoryEvent{sub: sub, value: s.snapshotPath(sub.path)})
			}
		case SubChildAdded:
			for _, ck := range created {
				if ck.parent == sub.path {
					s.enqueue(memoryEvent{
						sub:   sub,
						key:   ck.key,
						value: s.snapshotPath(ck.parent + "/" + ck.key),
					})
				}
			}
		}
	}
}

func (s *MemoryStore) enqueue(ev memoryEvent) {
	s.qmu.Lock()
	if !s.closed {
		s.queue = append(s.queue, ev)
	}
	s.qmu.Unlock()
	s.qcond.Signal()
}

// pathsRelated reports whether one path is the other or an ancestor of
// the other.
func pathsRelated(a, b string) bool {
	return a == b || strings.HasPrefix(b, a+"/") || strings.HasPrefix(a, b+"/")
}
