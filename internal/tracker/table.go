package tracker

import (
	"Go2NetWatch/internal/model"
	"encoding/binary"
	"hash/fnv"
	"sync"
	"sync/atomic"
)

const defaultShardCount = 256

// shard is a part of the sharded connection map, containing its own map and a mutex.
type shard struct {
	mu      sync.RWMutex
	records map[model.ConnKey]*model.ConnectionRecord
}

// Table is the live connection table. Every operation locks a single shard, so
// traffic on one connection never stalls lookups of connections in other shards.
type Table struct {
	shards     []*shard
	shardCount uint32
	size       atomic.Int64
}

// NewTable creates a connection table with numShards shards.
func NewTable(numShards uint32) *Table {
	if numShards == 0 || numShards >= 32768 {
		numShards = defaultShardCount
	}
	t := &Table{
		shards:     make([]*shard, numShards),
		shardCount: numShards,
	}
	for i := range t.shards {
		t.shards[i] = &shard{records: make(map[model.ConnKey]*model.ConnectionRecord)}
	}
	return t
}

// Upsert stores rec under its key, replacing any record already there.
func (t *Table) Upsert(rec model.ConnectionRecord) {
	s := t.getShard(rec.Key)
	s.mu.Lock()
	if _, exists := s.records[rec.Key]; !exists {
		t.size.Add(1)
	}
	stored := rec
	s.records[rec.Key] = &stored
	s.mu.Unlock()
}

// Get returns a copy of the record stored under key.
func (t *Table) Get(key model.ConnKey) (model.ConnectionRecord, bool) {
	s := t.getShard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.records[key]; ok {
		return *rec, true
	}
	return model.ConnectionRecord{}, false
}

// RemoveByKey deletes the record stored under key and returns it.
func (t *Table) RemoveByKey(key model.ConnKey) (model.ConnectionRecord, bool) {
	s := t.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return model.ConnectionRecord{}, false
	}
	delete(s.records, key)
	t.size.Add(-1)
	return *rec, true
}

// Size returns the number of live records.
func (t *Table) Size() int {
	return int(t.size.Load())
}

// Update applies fn to the record under key in place, holding the shard lock for the
// whole read-modify-write. It returns the updated copy.
func (t *Table) Update(key model.ConnKey, fn func(rec *model.ConnectionRecord)) (model.ConnectionRecord, bool) {
	s := t.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return model.ConnectionRecord{}, false
	}
	fn(rec)
	return *rec, true
}

// UpdateOrInsert applies fn to the record under key, first inserting create() when the key
// is absent. created reports whether the record was inserted by this call.
func (t *Table) UpdateOrInsert(key model.ConnKey, create func() model.ConnectionRecord, fn func(rec *model.ConnectionRecord)) (updated model.ConnectionRecord, created bool) {
	s := t.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		fresh := create()
		fresh.Key = key
		rec = &fresh
		s.records[key] = rec
		t.size.Add(1)
		created = true
	}
	fn(rec)
	return *rec, created
}

// RemoveIf deletes every record matching pred and returns the removed records.
func (t *Table) RemoveIf(pred func(rec *model.ConnectionRecord) bool) []model.ConnectionRecord {
	var removed []model.ConnectionRecord
	for _, s := range t.shards {
		s.mu.Lock()
		for key, rec := range s.records {
			if pred(rec) {
				removed = append(removed, *rec)
				delete(s.records, key)
				t.size.Add(-1)
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Snapshot returns a copy of every live record. Each shard is copied under its read
// lock, so no record is ever observed half-updated.
func (t *Table) Snapshot() []model.ConnectionRecord {
	out := make([]model.ConnectionRecord, 0, t.Size())
	for _, s := range t.shards {
		s.mu.RLock()
		for _, rec := range s.records {
			out = append(out, *rec)
		}
		s.mu.RUnlock()
	}
	return out
}

// ByProcess returns copies of the records owned by the given process ids.
func (t *Table) ByProcess(pids map[uint32]struct{}) []model.ConnectionRecord {
	var out []model.ConnectionRecord
	for _, s := range t.shards {
		s.mu.RLock()
		for key, rec := range s.records {
			if _, ok := pids[key.PID]; ok {
				out = append(out, *rec)
			}
		}
		s.mu.RUnlock()
	}
	return out
}

// getShard returns the appropriate shard for a given key.
func (t *Table) getShard(key model.ConnKey) *shard {
	var buf [16 + 2 + 16 + 2 + 4 + 1]byte
	local := key.LocalAddr.As16()
	remote := key.RemoteAddr.As16()
	copy(buf[0:16], local[:])
	binary.BigEndian.PutUint16(buf[16:18], key.LocalPort)
	copy(buf[18:34], remote[:])
	binary.BigEndian.PutUint16(buf[34:36], key.RemotePort)
	binary.BigEndian.PutUint32(buf[36:40], key.PID)
	buf[40] = byte(key.Protocol)

	hasher := fnv.New32a()
	hasher.Write(buf[:])
	return t.shards[hasher.Sum32()%t.shardCount]
}
