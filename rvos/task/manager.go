package task

// Manager owns the ready queue and picks tasks by stride scheduling: the task
// with the smallest stride runs next and then advances it by
// BigStride/priority, so higher priorities are picked proportionally more often.
type Manager struct {
	readyQueue []*ControlBlock
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{}
}

// Add puts t back on the ready queue.
func (m *Manager) Add(t *ControlBlock) {
	m.readyQueue = append(m.readyQueue, t)
}

// Len is the number of ready tasks.
func (m *Manager) Len() int { return len(m.readyQueue) }

// Fetch removes and returns the ready task with the smallest stride, the
// first one in queue order on ties. The chosen task's stride is advanced
// before it is returned. An empty queue yields nil.
func (m *Manager) Fetch() *ControlBlock {
	if len(m.readyQueue) == 0 {
		return nil
	}

	minIdx := 0
	minStride := m.readyQueue[0].Stride()
	for i := 1; i < len(m.readyQueue); i++ {
		if s := m.readyQueue[i].Stride(); s.Less(minStride) {
			minIdx, minStride = i, s
		}
	}

	t := m.readyQueue[minIdx]
	m.readyQueue = append(m.readyQueue[:minIdx], m.readyQueue[minIdx+1:]...)
	t.Access((*Inner).UpdateStride)
	return t
}
