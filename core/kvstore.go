package core

import (
	"bytes"
	"errors"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// ErrNotFound is returned by KVStore.Get when the key is absent.
var ErrNotFound = errors.New("kvstore: key not found")

// KVBatchOp is one write or delete queued in an atomic batch.
type KVBatchOp struct {
	Key    []byte
	Value  []byte // ignored when Delete is set; nil is written as an empty value
	Delete bool
}

// KVStore is the narrow persistence interface the block store, tx index and
// mempool persistence layer all share (§4.2, §6.2): get/put/delete/exists,
// a sorted prefix scan, and an atomic multi-key batch write.
type KVStore interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Exists(key []byte) (bool, error)
	PrefixScan(prefix []byte) (KVIterator, error)
	AtomicBatchWrite(ops []KVBatchOp) error
	Close() error
}

// KVIterator walks key/value pairs in ascending key order.
type KVIterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Error() error
	Release()
}

// memKV is an in-memory KVStore used by unit tests and any embedder that
// does not need durability.
type memKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemKVStore returns a process-local KVStore backed by a Go map.
func NewMemKVStore() KVStore {
	return &memKV{data: make(map[string][]byte)}
}

func (m *memKV) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *memKV) Put(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[string(key)] = cp
	return nil
}

func (m *memKV) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key))
	return nil
}

func (m *memKV) Exists(key []byte) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[string(key)]
	return ok, nil
}

func (m *memKV) AtomicBatchWrite(ops []KVBatchOp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range ops {
		if op.Delete {
			delete(m.data, string(op.Key))
			continue
		}
		cp := make([]byte, len(op.Value))
		copy(cp, op.Value)
		m.data[string(op.Key)] = cp
	}
	return nil
}

func (m *memKV) Close() error { return nil }

func (m *memKV) PrefixScan(prefix []byte) (KVIterator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0)
	for k := range m.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return &memIterator{store: m, keys: keys, idx: -1}, nil
}

type memIterator struct {
	store *memKV
	keys  []string
	idx   int
}

func (it *memIterator) Next() bool {
	it.idx++
	return it.idx < len(it.keys)
}

func (it *memIterator) Key() []byte { return []byte(it.keys[it.idx]) }

func (it *memIterator) Value() []byte {
	it.store.mu.RLock()
	defer it.store.mu.RUnlock()
	return it.store.data[it.keys[it.idx]]
}

func (it *memIterator) Error() error { return nil }
func (it *memIterator) Release()     {}

// levelKV is the durable KVStore backend for production deployments.
type levelKV struct {
	db *leveldb.DB
}

// NewLevelKVStore opens (creating if absent) a goleveldb database at path.
func NewLevelKVStore(path string) (KVStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &levelKV{db: db}, nil
}

func (l *levelKV) Get(key []byte) ([]byte, error) {
	v, err := l.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return v, err
}

func (l *levelKV) Put(key, value []byte) error { return l.db.Put(key, value, nil) }
func (l *levelKV) Delete(key []byte) error     { return l.db.Delete(key, nil) }

func (l *levelKV) Exists(key []byte) (bool, error) {
	return l.db.Has(key, nil)
}

func (l *levelKV) AtomicBatchWrite(ops []KVBatchOp) error {
	batch := new(leveldb.Batch)
	for _, op := range ops {
		if op.Delete {
			batch.Delete(op.Key)
			continue
		}
		batch.Put(op.Key, op.Value)
	}
	return l.db.Write(batch, nil)
}

func (l *levelKV) Close() error { return l.db.Close() }

func (l *levelKV) PrefixScan(prefix []byte) (KVIterator, error) {
	iter := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	return &levelIterator{iter: iter}, nil
}

type levelIterator struct {
	iter interface {
		Next() bool
		Key() []byte
		Value() []byte
		Error() error
		Release()
	}
}

func (l *levelIterator) Next() bool     { return l.iter.Next() }
func (l *levelIterator) Key() []byte    { return l.iter.Key() }
func (l *levelIterator) Value() []byte  { return l.iter.Value() }
func (l *levelIterator) Error() error   { return l.iter.Error() }
func (l *levelIterator) Release()       { l.iter.Release() }
