package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/boothsbychristy-ops/arcana-event-os-sub001/internal/models"
)

type memRules struct {
	mu       sync.Mutex
	rules    map[string]*models.AutomationRule
	listErr  error
	disabled []string
}

func newMemRules(rules ...*models.AutomationRule) *memRules {
	s := &memRules{rules: map[string]*models.AutomationRule{}}
	for _, r := range rules {
		s.put(r)
	}
	return s
}

func (s *memRules) put(r *models.AutomationRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Unix(1, 0)
	}
	cp := *r
	s.rules[r.ID] = &cp
}

func (s *memRules) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rules, id)
}

func (s *memRules) get(id string) models.AutomationRule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.rules[id]
}

func (s *memRules) ListEnabled(_ context.Context, types []TriggerType) ([]models.AutomationRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	want := map[string]bool{}
	for _, t := range types {
		want[string(t)] = true
	}
	var out []models.AutomationRule
	for _, r := range s.rules {
		if r.Enabled && want[r.TriggerType] {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memRules) GetRule(_ context.Context, id string) (*models.AutomationRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, ErrRuleNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *memRules) MarkRun(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return false, nil
	}
	if r.LastRunAt != nil && !r.LastRunAt.Before(at) {
		return false, nil
	}
	t := at
	r.LastRunAt = &t
	return true, nil
}

func (s *memRules) Disable(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rules[id]; ok {
		r.Enabled = false
	}
	s.disabled = append(s.disabled, id)
	return nil
}

type memLogs struct {
	mu      sync.Mutex
	entries []models.ExecutionLog
}

func (l *memLogs) AppendLog(_ context.Context, e *models.ExecutionLog) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, *e)
	return nil
}

func (l *memLogs) all() []models.ExecutionLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.ExecutionLog(nil), l.entries...)
}

func (l *memLogs) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

type memEntities struct {
	mu        sync.Mutex
	rows      map[EntityKind]map[uint]map[string]interface{}
	nextID    uint
	findErr   error
	failTitle map[string]bool
	finds     int
}

func newMemEntities() *memEntities {
	return &memEntities{rows: map[EntityKind]map[uint]map[string]interface{}{}, nextID: 1000}
}

func (s *memEntities) put(kind EntityKind, id uint, fields map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rows[kind] == nil {
		s.rows[kind] = map[uint]map[string]interface{}{}
	}
	fields["id"] = id
	s.rows[kind][id] = fields
}

func (s *memEntities) field(kind EntityKind, id uint, name string) interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[kind][id][name]
}

func (s *memEntities) children(parent uint) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var titles []string
	for _, row := range s.rows[EntityTask] {
		if row["parent_id"] == parent {
			titles = append(titles, row["title"].(string))
		}
	}
	sort.Strings(titles)
	return titles
}

func (s *memEntities) FindEntitiesMatching(_ context.Context, kind EntityKind, f Filter) ([]Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finds++
	if s.findErr != nil {
		return nil, s.findErr
	}
	var out []Entity
	for id, row := range s.rows[kind] {
		if !passes(row, f) {
			continue
		}
		out = append(out, Entity{Kind: kind, ID: id, Fields: cloneMap(row)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func passes(row map[string]interface{}, f Filter) bool {
	status, _ := row["status"].(string)
	if len(f.StatusIn) > 0 && !contains(f.StatusIn, status) {
		return false
	}
	if contains(f.StatusNotIn, status) {
		return false
	}
	for _, field := range f.NotNull {
		if deref(row[field]) == nil {
			return false
		}
	}
	for field, t := range f.Before {
		v, ok := asTime(row[field])
		if !ok || !v.Before(t) {
			return false
		}
	}
	for field, t := range f.After {
		v, ok := asTime(row[field])
		if !ok || !v.After(t) {
			return false
		}
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (s *memEntities) GetEntity(_ context.Context, kind EntityKind, id uint) (*Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[kind][id]
	if !ok {
		return nil, fmt.Errorf("%w: %s %d", ErrEntityNotFound, kind, id)
	}
	return &Entity{Kind: kind, ID: id, Fields: cloneMap(row)}, nil
}

func (s *memEntities) UpdateEntity(_ context.Context, kind EntityKind, id uint, patch Patch) (UpdateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[kind][id]
	if !ok {
		return UpdateResult{}, fmt.Errorf("%w: %s %d", ErrEntityNotFound, kind, id)
	}
	before := cloneMap(row)
	changed := false
	for k, v := range patch {
		if !ValuesEqual(row[k], v) {
			row[k] = v
			changed = true
		}
	}
	return UpdateResult{Changed: changed, Before: before}, nil
}

func (s *memEntities) InsertRelated(_ context.Context, kind EntityKind, parentID uint, records []map[string]interface{}) ([]InsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[kind][parentID]; !ok {
		return nil, fmt.Errorf("%w: %s %d", ErrEntityNotFound, kind, parentID)
	}
	results := make([]InsertResult, 0, len(records))
	for i, rec := range records {
		title := rec["title"].(string)
		if s.failTitle[title] {
			results = append(results, InsertResult{Index: i, Err: errors.New("constraint violation")})
			continue
		}
		s.nextID++
		row := cloneMap(rec)
		row["id"] = s.nextID
		row["parent_id"] = parentID
		s.rows[kind][s.nextID] = row
		results = append(results, InsertResult{Index: i, ID: s.nextID})
	}
	return results, nil
}

type fakeNotifier struct {
	mu      sync.Mutex
	notices []Notice
	err     error
}

func (n *fakeNotifier) Notify(_ context.Context, notice Notice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.notices = append(n.notices, notice)
	return nil
}

func (n *fakeNotifier) sent() []Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notice(nil), n.notices...)
}

type sentMail struct{ To, Subject, Body string }

type fakeMailer struct {
	mu   sync.Mutex
	mail []sentMail
	err  error
}

func (m *fakeMailer) Send(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.mail = append(m.mail, sentMail{to, subject, body})
	return nil
}

// panicHandler is registered under notify in tests that need a crashing action.
type panicHandler struct{ inner Handler }

func (p panicHandler) Kind() ActionKind    { return p.inner.Kind() }
func (p panicHandler) Description() string { return "panics" }
func (p panicHandler) Schema() string      { return p.inner.Schema() }
func (p panicHandler) Decode(raw json.RawMessage) (ActionConfig, error) {
	return p.inner.Decode(raw)
}
func (p panicHandler) Execute(context.Context, Invocation) (Result, error) {
	panic("boom")
}
