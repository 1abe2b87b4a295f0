package core

import (
	"errors"
	"sort"
)

// StorageLocation identifies one account storage slot, used for conflict
// detection between transactions (§4.8).
type StorageLocation struct {
	Address Address
	Key     Hash
}

// AccessPattern declares the storage locations a transaction reads from and
// writes to.
type AccessPattern struct {
	Reads  []StorageLocation
	Writes []StorageLocation
}

// AnnotatedTransaction is a transaction carrying the access-pattern
// annotation the ordering planner needs.
type AnnotatedTransaction struct {
	Hash     Hash
	Sender   Address
	Nonce    uint64
	Access   AccessPattern
}

// OrderingConfig bounds the planner's batch size, DAG edge count and
// conflict-fallback threshold.
type OrderingConfig struct {
	MaxBatchSize            int
	MaxEdgeCount            int
	ConflictThresholdPercent uint8
}

// DefaultOrderingConfig returns sane defaults: large batches are still
// bounded, and a conflict rate above 40% is judged not worth parallelizing.
func DefaultOrderingConfig() OrderingConfig {
	return OrderingConfig{
		MaxBatchSize:             10_000,
		MaxEdgeCount:             100_000,
		ConflictThresholdPercent: 40,
	}
}

var (
	ErrEmptyBatch     = errors.New("transaction ordering: empty batch")
	ErrBatchTooLarge  = errors.New("transaction ordering: batch exceeds max size")
	ErrTooManyEdges   = errors.New("transaction ordering: dependency graph exceeds max edge count")
)

// DependencyGraph is a DAG over transaction indices, edges pointing from a
// predecessor to a dependent successor.
type DependencyGraph struct {
	nodes []Hash
	edges map[int][]int // predecessor index -> dependent indices
}

// EdgeCount returns the number of dependency edges in the graph.
func (g *DependencyGraph) EdgeCount() int {
	n := 0
	for _, deps := range g.edges {
		n += len(deps)
	}
	return n
}

// ExecutionSchedule is the planner's output: an ordered list of groups each
// safe to execute in parallel, later groups depending on earlier ones.
type ExecutionSchedule struct {
	ParallelGroups    [][]Hash
	TotalTransactions int
	MaxParallelism    int
}

// Flatten returns every transaction hash in schedule order.
func (s ExecutionSchedule) Flatten() []Hash {
	out := make([]Hash, 0, s.TotalTransactions)
	for _, g := range s.ParallelGroups {
		out = append(out, g...)
	}
	return out
}

func sequentialSchedule(hashes []Hash) ExecutionSchedule {
	groups := make([][]Hash, len(hashes))
	for i, h := range hashes {
		groups[i] = []Hash{h}
	}
	return ExecutionSchedule{ParallelGroups: groups, TotalTransactions: len(hashes), MaxParallelism: 1}
}

func locationConflict(a, b StorageLocation) bool { return a.Address == b.Address && a.Key == b.Key }

// detectConflicts counts pairwise write-write and read-write conflicts
// across distinct transactions sharing a storage location.
func detectConflicts(txs []AnnotatedTransaction) int {
	conflicts := 0
	for i := 0; i < len(txs); i++ {
		for j := i + 1; j < len(txs); j++ {
			if accessConflicts(txs[i].Access, txs[j].Access) {
				conflicts++
			}
		}
	}
	return conflicts
}

func accessConflicts(a, b AccessPattern) bool {
	for _, w1 := range a.Writes {
		for _, w2 := range b.Writes {
			if locationConflict(w1, w2) {
				return true
			}
		}
		for _, r2 := range b.Reads {
			if locationConflict(w1, r2) {
				return true
			}
		}
	}
	for _, r1 := range a.Reads {
		for _, w2 := range b.Writes {
			if locationConflict(r1, w2) {
				return true
			}
		}
	}
	return false
}

func conflictPercentage(conflicts, txCount int) int {
	if txCount == 0 {
		return 0
	}
	maxPairs := txCount * (txCount - 1) / 2
	if maxPairs == 0 {
		return 0
	}
	return conflicts * 100 / maxPairs
}

// buildDependencyGraph links same-sender transactions by ascending nonce and
// links each transaction to every later one in input order whose access
// conflicts with it on the same location (write-write, write-read or
// read-write).
func buildDependencyGraph(txs []AnnotatedTransaction) *DependencyGraph {
	g := &DependencyGraph{edges: make(map[int][]int)}
	for _, tx := range txs {
		g.nodes = append(g.nodes, tx.Hash)
	}
	addEdge := func(from, to int) {
		g.edges[from] = append(g.edges[from], to)
	}

	lastNonceIdx := make(map[Address]int)
	// nonce links connect each sender's transactions in ascending nonce
	// order, whatever their positions in the input.
	bySender := make(map[Address][]int)
	for i, tx := range txs {
		bySender[tx.Sender] = append(bySender[tx.Sender], i)
	}
	for _, indices := range bySender {
		sort.Slice(indices, func(a, b int) bool { return txs[indices[a]].Nonce < txs[indices[b]].Nonce })
		for k := 1; k < len(indices); k++ {
			addEdge(indices[k-1], indices[k])
		}
	}
	_ = lastNonceIdx

	for i := 0; i < len(txs); i++ {
		for j := i + 1; j < len(txs); j++ {
			if accessConflicts(txs[i].Access, txs[j].Access) {
				addEdge(i, j)
			}
		}
	}
	return g
}

// kahnsTopologicalSort groups nodes by repeatedly emitting every node whose
// remaining in-degree is zero (§4.8 step 4).
func kahnsTopologicalSort(g *DependencyGraph, txs []AnnotatedTransaction) ExecutionSchedule {
	n := len(g.nodes)
	inDegree := make([]int, n)
	for _, deps := range g.edges {
		for _, d := range deps {
			inDegree[d]++
		}
	}

	remaining := n
	done := make([]bool, n)
	var groups [][]Hash
	maxParallelism := 0

	for remaining > 0 {
		var ready []int
		for i := 0; i < n; i++ {
			if !done[i] && inDegree[i] == 0 {
				ready = append(ready, i)
			}
		}
		if len(ready) == 0 {
			// cycle guard: a sender's nonce links and the input-order
			// conflict links can point opposite ways, so a cycle is possible;
			// emit whatever remains sequentially, in input order, one
			// transaction per group, rather than loop forever.
			for i := 0; i < n; i++ {
				if !done[i] {
					groups = append(groups, []Hash{txs[i].Hash})
					done[i] = true
				}
			}
			if maxParallelism == 0 {
				maxParallelism = 1
			}
			break
		}
		group := make([]Hash, 0, len(ready))
		for _, idx := range ready {
			group = append(group, txs[idx].Hash)
			done[idx] = true
			remaining--
		}
		for _, idx := range ready {
			for _, dep := range g.edges[idx] {
				if !done[dep] {
					inDegree[dep]--
				}
			}
		}
		if len(group) > maxParallelism {
			maxParallelism = len(group)
		}
		groups = append(groups, group)
	}

	return ExecutionSchedule{ParallelGroups: groups, TotalTransactions: n, MaxParallelism: maxParallelism}
}

// TransactionOrderingService orchestrates the ordering pipeline: validate,
// detect conflicts, fall back to sequential above the conflict threshold, or
// else build the dependency DAG and Kahn-sort it into parallel groups.
type TransactionOrderingService struct {
	cfg OrderingConfig
}

// NewTransactionOrderingService builds a service with the default config.
func NewTransactionOrderingService() *TransactionOrderingService {
	return &TransactionOrderingService{cfg: DefaultOrderingConfig()}
}

// NewTransactionOrderingServiceWithConfig builds a service with a custom config.
func NewTransactionOrderingServiceWithConfig(cfg OrderingConfig) *TransactionOrderingService {
	return &TransactionOrderingService{cfg: cfg}
}

// OrderTransactions runs the full planning pipeline over a batch.
func (s *TransactionOrderingService) OrderTransactions(txs []AnnotatedTransaction) (ExecutionSchedule, error) {
	if len(txs) == 0 {
		return ExecutionSchedule{}, ErrEmptyBatch
	}
	if len(txs) > s.cfg.MaxBatchSize {
		return ExecutionSchedule{}, ErrBatchTooLarge
	}

	conflicts := detectConflicts(txs)
	if conflictPercentage(conflicts, len(txs)) > int(s.cfg.ConflictThresholdPercent) {
		hashes := make([]Hash, len(txs))
		for i, tx := range txs {
			hashes[i] = tx.Hash
		}
		return sequentialSchedule(hashes), nil
	}

	graph := buildDependencyGraph(txs)
	if graph.EdgeCount() > s.cfg.MaxEdgeCount {
		return ExecutionSchedule{}, ErrTooManyEdges
	}

	return kahnsTopologicalSort(graph, txs), nil
}
