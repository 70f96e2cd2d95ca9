package storage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Oafish1/cellTRIP/internal/tensor"
)

// ErrEmpty is returned when a dataset is requested from an empty buffer.
var ErrEmpty = errors.New("memory buffer is empty")

// MemoryBuffer is an append-only log of transitions across any number of
// entities. The seven sequences always have the same length; callers that
// mutate them directly are responsible for keeping it that way.
type MemoryBuffer struct {
	mu          sync.RWMutex
	keys        []string
	states      []*tensor.Tensor
	actions     []*tensor.Tensor
	actionLogs  []*tensor.Tensor
	stateVals   []*tensor.Tensor
	rewards     []float32
	isTerminals []bool
}

// NewMemoryBuffer creates an empty buffer
func NewMemoryBuffer() *MemoryBuffer {
	return &MemoryBuffer{}
}

// Append records one transition
func (m *MemoryBuffer) Append(r Record) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.keys = append(m.keys, r.Key)
	m.states = append(m.states, r.State)
	m.actions = append(m.actions, r.Action)
	m.actionLogs = append(m.actionLogs, r.ActionLogProb)
	m.stateVals = append(m.stateVals, r.StateValue)
	m.rewards = append(m.rewards, r.Reward)
	m.isTerminals = append(m.isTerminals, r.IsTerminal)
}

// AppendBatch records transitions in order
func (m *MemoryBuffer) AppendBatch(records []Record) {
	for _, r := range records {
		m.Append(r)
	}
}

// Len returns the number of recorded transitions
func (m *MemoryBuffer) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keys)
}

// PropagateRewards computes discounted returns aligned with record order.
// Each key keeps its own accumulator, walked backwards in time and reset at
// that key's terminal records, so interleaving between keys has no effect.
func (m *MemoryBuffer) PropagateRewards(gamma float32) []float32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return propagate(m.keys, m.rewards, m.isTerminals, gamma)
}

func propagate(keys []string, rewards []float32, terminals []bool, gamma float32) []float32 {
	returns := make([]float32, len(keys))
	running := make(map[string]float32)
	for t := len(keys) - 1; t >= 0; t-- {
		key := keys[t]
		if terminals[t] {
			running[key] = 0 // Reset at terminal state
		}
		running[key] = rewards[t] + gamma*running[key]
		returns[t] = running[key]
	}
	return returns
}

// Clear discards all records. Safe on an empty buffer.
func (m *MemoryBuffer) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.keys = nil
	m.states = nil
	m.actions = nil
	m.actionLogs = nil
	m.stateVals = nil
	m.rewards = nil
	m.isTerminals = nil
}

// Records returns a snapshot of the log in temporal order
func (m *MemoryBuffer) Records() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := make([]Record, len(m.keys))
	for i := range m.keys {
		records[i] = Record{
			Key:           m.keys[i],
			State:         m.states[i],
			Action:        m.actions[i],
			ActionLogProb: m.actionLogs[i],
			StateValue:    m.stateVals[i],
			Reward:        m.rewards[i],
			IsTerminal:    m.isTerminals[i],
		}
	}
	return records
}

// Stats reports buffer statistics
func (m *MemoryBuffer) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		Records: len(m.keys),
		ByKey:   make(map[string]int),
	}
	for i, key := range m.keys {
		stats.ByKey[key]++
		if m.isTerminals[i] {
			stats.Terminals++
		}
	}
	stats.Keys = len(stats.ByKey)
	return stats
}

// Dataset stacks the recorded tensors into a tree suitable for staged sampling
// and returns it together with the propagated returns as the reward vector.
// Tensor fields left nil on every record are omitted from the tree.
func (m *MemoryBuffer) Dataset(gamma float32) (tensor.Node, *tensor.Tensor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.keys) == 0 {
		return nil, nil, ErrEmpty
	}

	fields := []struct {
		key  string
		rows []*tensor.Tensor
	}{
		{"states", m.states},
		{"actions", m.actions},
		{"action_logs", m.actionLogs},
		{"state_vals", m.stateVals},
	}

	data := tensor.NewBranch()
	for _, f := range fields {
		if allNil(f.rows) {
			continue
		}
		stacked, err := tensor.Stack(f.rows)
		if err != nil {
			return nil, nil, fmt.Errorf("stack %s: %w", f.key, err)
		}
		data.Entries = append(data.Entries, tensor.Entry{Key: f.key, Node: tensor.Leaf{Tensor: stacked}})
	}

	returns := propagate(m.keys, m.rewards, m.isTerminals, gamma)
	return data, tensor.Vector(returns...), nil
}

func allNil(ts []*tensor.Tensor) bool {
	for _, t := range ts {
		if t != nil {
			return false
		}
	}
	return true
}
