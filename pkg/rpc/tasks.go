package rpc

import "sync"

// TaskManager tracks parent/child request linkage for cancellation
// propagation. A child request registers against its parent task when sent
// and is released by the same code path that delivers its terminal outcome,
// so early send failures cannot leak the registration.
type TaskManager struct {
	mu       sync.Mutex
	nextSlot uint64
	children map[uint64]map[uint64]Node // parent task id -> slot -> node
}

func NewTaskManager() *TaskManager {
	return &TaskManager{children: make(map[uint64]map[uint64]Node)}
}

// RegisterChildNode records that a child request for parentTaskID is in
// flight on node. The returned release func is idempotent.
func (tm *TaskManager) RegisterChildNode(parentTaskID uint64, node Node) (release func()) {
	tm.mu.Lock()
	slot := tm.nextSlot
	tm.nextSlot++
	m := tm.children[parentTaskID]
	if m == nil {
		m = make(map[uint64]Node)
		tm.children[parentTaskID] = m
	}
	m[slot] = node
	tm.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			tm.mu.Lock()
			if m := tm.children[parentTaskID]; m != nil {
				delete(m, slot)
				if len(m) == 0 {
					delete(tm.children, parentTaskID)
				}
			}
			tm.mu.Unlock()
		})
	}
}

// ChildNodes returns the nodes that currently have child requests in flight
// for the parent task.
func (tm *TaskManager) ChildNodes(parentTaskID uint64) []Node {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	m := tm.children[parentTaskID]
	out := make([]Node, 0, len(m))
	for _, n := range m {
		out = append(out, n)
	}
	return out
}
