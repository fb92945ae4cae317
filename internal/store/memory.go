package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"mastertrade/internal/domain"
)

// Memory is an in-process Store used by tests and by components that run
// without a database.
type Memory struct {
	mu         sync.RWMutex
	containers map[string]map[string]*memEntry
	flows      map[flowKey]domain.FlowRecord
	settings   map[string]string
}

type memEntry struct {
	partition string
	doc       Doc
}

type flowKey struct {
	time     int64
	asset    string
	flowType string
	txHash   string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		containers: make(map[string]map[string]*memEntry),
		flows:      make(map[flowKey]domain.FlowRecord),
		settings:   make(map[string]string),
	}
}

// Get retrieves a document by id. An empty partitionValue matches any
// partition.
func (m *Memory) Get(ctx context.Context, container, id, partitionValue string) (Doc, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getDoc(container, id, partitionValue)
}

// Upsert inserts or overwrites a document.
func (m *Memory) Upsert(ctx context.Context, container string, doc Doc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upsertDoc(container, doc)
}

// Replace overwrites an existing document and reports false when it does
// not exist.
func (m *Memory) Replace(ctx context.Context, container, id string, doc Doc) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.replaceDoc(container, id, doc)
}

// Delete removes a document and reports whether it existed.
func (m *Memory) Delete(ctx context.Context, container, id, partitionValue string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteDoc(container, id, partitionValue)
}

// Query returns documents matching q.
func (m *Memory) Query(ctx context.Context, container string, q Query) ([]Doc, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queryDocs(container, q)
}

// AppendTimeSeries inserts flow rows, skipping duplicates of the
// (time, asset, flow_type, tx_hash) key.
func (m *Memory) AppendTimeSeries(ctx context.Context, table string, rows []domain.FlowRecord) (int, error) {
	if table != "flow_data" {
		return 0, fmt.Errorf("store: unknown time-series table %q", table)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	inserted := 0
	for _, r := range rows {
		key := flowKey{r.Timestamp.UnixNano(), r.Asset, r.FlowType, r.TxHash}
		if _, exists := m.flows[key]; exists {
			continue
		}
		m.flows[key] = r
		inserted++
	}
	return inserted, nil
}

// FlowRollup aggregates flow rows into hourly or daily buckets.
func (m *Memory) FlowRollup(ctx context.Context, bucket, asset string, since time.Time) ([]FlowAggregate, error) {
	truncate := func(t time.Time) time.Time {
		switch bucket {
		case RollupHourly:
			return t.Truncate(time.Hour)
		case RollupDaily:
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
		}
		return t
	}
	if bucket != RollupHourly && bucket != RollupDaily {
		return nil, fmt.Errorf("store: unknown rollup bucket %q", bucket)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	type aggKey struct {
		bucket   int64
		asset    string
		flowType string
	}
	byKey := make(map[aggKey]*FlowAggregate)
	for _, r := range m.flows {
		b := truncate(r.Timestamp)
		if b.Before(since) {
			continue
		}
		if asset != "" && r.Asset != asset {
			continue
		}
		key := aggKey{b.UnixNano(), r.Asset, r.FlowType}
		agg, ok := byKey[key]
		if !ok {
			agg = &FlowAggregate{Bucket: b, Asset: r.Asset, FlowType: r.FlowType}
			byKey[key] = agg
		}
		agg.TotalAmount += r.Amount
		agg.TotalUSDValue += r.USDValue
		agg.FlowCount++
	}

	aggs := make([]FlowAggregate, 0, len(byKey))
	for _, agg := range byKey {
		aggs = append(aggs, *agg)
	}
	sort.Slice(aggs, func(i, j int) bool { return aggs[i].Bucket.Before(aggs[j].Bucket) })
	return aggs, nil
}

// IntSetting reads an integer setting, persisting def when missing.
func (m *Memory) IntSetting(ctx context.Context, name string, def int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, ok := m.settings[name]
	if !ok {
		m.settings[name] = strconv.Itoa(def)
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def, fmt.Errorf("store: setting %s is not an integer: %w", name, err)
	}
	return v, nil
}

// PutIntSetting writes an integer setting.
func (m *Memory) PutIntSetting(ctx context.Context, name string, value int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[name] = strconv.Itoa(value)
	return nil
}

// FloatSetting reads a float setting, persisting def when missing.
func (m *Memory) FloatSetting(ctx context.Context, name string, def float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, ok := m.settings[name]
	if !ok {
		m.settings[name] = strconv.FormatFloat(def, 'f', -1, 64)
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def, fmt.Errorf("store: setting %s is not a number: %w", name, err)
	}
	return v, nil
}

// PutFloatSetting writes a float setting.
func (m *Memory) PutFloatSetting(ctx context.Context, name string, value float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[name] = strconv.FormatFloat(value, 'f', -1, 64)
	return nil
}

// Transactional applies fn atomically: any error restores the document
// state from before the call. fn must use the DocumentStore it is given,
// not the Memory itself.
func (m *Memory) Transactional(ctx context.Context, fn func(DocumentStore) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	backup := make(map[string]map[string]*memEntry, len(m.containers))
	for name, entries := range m.containers {
		cloned := make(map[string]*memEntry, len(entries))
		for id, e := range entries {
			cloned[id] = &memEntry{partition: e.partition, doc: cloneDoc(e.doc)}
		}
		backup[name] = cloned
	}

	if err := fn(&memTx{m: m}); err != nil {
		m.containers = backup
		return err
	}
	return nil
}

// HealthCheck always succeeds.
func (m *Memory) HealthCheck(ctx context.Context) error { return nil }

// Close is a no-op.
func (m *Memory) Close() {}

// memTx runs document operations while the enclosing Transactional call
// holds the store lock.
type memTx struct {
	m *Memory
}

func (t *memTx) Get(ctx context.Context, container, id, partitionValue string) (Doc, error) {
	return t.m.getDoc(container, id, partitionValue)
}

func (t *memTx) Upsert(ctx context.Context, container string, doc Doc) error {
	return t.m.upsertDoc(container, doc)
}

func (t *memTx) Replace(ctx context.Context, container, id string, doc Doc) (bool, error) {
	return t.m.replaceDoc(container, id, doc)
}

func (t *memTx) Delete(ctx context.Context, container, id, partitionValue string) (bool, error) {
	return t.m.deleteDoc(container, id, partitionValue)
}

func (t *memTx) Query(ctx context.Context, container string, q Query) ([]Doc, error) {
	return t.m.queryDocs(container, q)
}

func (m *Memory) getDoc(container, id, partitionValue string) (Doc, error) {
	if _, ok := partitionKeys[container]; !ok {
		return nil, ErrUnknownContainer
	}
	entry, ok := m.containers[container][id]
	if !ok || (partitionValue != "" && entry.partition != partitionValue) {
		return nil, ErrNotFound
	}
	return cloneDoc(entry.doc), nil
}

func (m *Memory) upsertDoc(container string, doc Doc) error {
	pk, ok := partitionKeys[container]
	if !ok {
		return ErrUnknownContainer
	}
	id := doc.ID()
	if id == "" {
		return fmt.Errorf("store: document for %s has no id", container)
	}
	part := doc.Str(pk)
	if part == "" {
		return fmt.Errorf("store: document for %s missing partition field %s", container, pk)
	}

	if m.containers[container] == nil {
		m.containers[container] = make(map[string]*memEntry)
	}
	m.containers[container][id] = &memEntry{partition: part, doc: cloneDoc(doc)}
	return nil
}

func (m *Memory) replaceDoc(container, id string, doc Doc) (bool, error) {
	if _, ok := partitionKeys[container]; !ok {
		return false, ErrUnknownContainer
	}
	entry, ok := m.containers[container][id]
	if !ok {
		return false, nil
	}
	entry.doc = cloneDoc(doc)
	return true, nil
}

func (m *Memory) deleteDoc(container, id, partitionValue string) (bool, error) {
	if _, ok := partitionKeys[container]; !ok {
		return false, ErrUnknownContainer
	}
	entry, ok := m.containers[container][id]
	if !ok || (partitionValue != "" && entry.partition != partitionValue) {
		return false, nil
	}
	delete(m.containers[container], id)
	return true, nil
}

func (m *Memory) queryDocs(container string, q Query) ([]Doc, error) {
	if _, ok := partitionKeys[container]; !ok {
		return nil, ErrUnknownContainer
	}

	var docs []Doc
	for _, entry := range m.containers[container] {
		if q.PartitionValue != "" && entry.partition != q.PartitionValue {
			continue
		}
		match := true
		for field, value := range q.Filters {
			if fmt.Sprintf("%v", entry.doc[field]) != fmt.Sprintf("%v", value) {
				match = false
				break
			}
		}
		if match {
			docs = append(docs, cloneDoc(entry.doc))
		}
	}

	if q.OrderBy != "" {
		field := q.OrderBy
		sort.Slice(docs, func(i, j int) bool {
			a := fmt.Sprintf("%v", docs[i][field])
			b := fmt.Sprintf("%v", docs[j][field])
			if q.Descending {
				return a > b
			}
			return a < b
		})
	}
	if q.Limit > 0 && len(docs) > q.Limit {
		docs = docs[:q.Limit]
	}
	return docs, nil
}

func cloneDoc(doc Doc) Doc {
	out := make(Doc, len(doc))
	for k, v := range doc {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case Doc:
		return cloneDoc(t)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}
