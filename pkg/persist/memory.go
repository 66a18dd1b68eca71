package persist

import (
	"context"
	"errors"
	"sort"
	"sync"

	"rtplan/pkg/histogram"
	"rtplan/pkg/plan"
)

var errNotInitialized = errors.New("store is not initialized")

// MemoryStore keeps encoded records in maps, so a loaded plan never
// aliases the one that was saved
type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	plans       map[string][]byte
	histograms  map[string][]byte
	runs        map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.plans = make(map[string][]byte)
	s.histograms = make(map[string][]byte)
	s.runs = make(map[string][]byte)
	return nil
}

func (s *MemoryStore) put(m func() map[string][]byte, id string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	m()[id] = payload
	return nil
}

func (s *MemoryStore) get(m func() map[string][]byte, id string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return nil, false, errNotInitialized
	}
	payload, ok := m()[id]
	return payload, ok, nil
}

func (s *MemoryStore) SavePlan(_ context.Context, p *plan.Plan) error {
	payload, err := EncodePlan(p)
	if err != nil {
		return err
	}
	return s.put(func() map[string][]byte { return s.plans }, p.Name, payload)
}

func (s *MemoryStore) GetPlan(_ context.Context, name string) (*plan.Plan, bool, error) {
	payload, ok, err := s.get(func() map[string][]byte { return s.plans }, name)
	if err != nil || !ok {
		return nil, false, err
	}
	p, err := DecodePlan(payload)
	if err != nil {
		return nil, false, err
	}
	return p, true, nil
}

func (s *MemoryStore) ListPlans(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return nil, errNotInitialized
	}
	names := make([]string, 0, len(s.plans))
	for name := range s.plans {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStore) DeletePlan(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	delete(s.plans, name)
	return nil
}

func (s *MemoryStore) SaveHistogram(_ context.Context, id string, h *histogram.Histogram) error {
	return s.put(func() map[string][]byte { return s.histograms }, id, EncodeHistogram(h))
}

func (s *MemoryStore) GetHistogram(_ context.Context, id string) (*histogram.Histogram, bool, error) {
	payload, ok, err := s.get(func() map[string][]byte { return s.histograms }, id)
	if err != nil || !ok {
		return nil, false, err
	}
	h, err := DecodeHistogram(payload)
	if err != nil {
		return nil, false, err
	}
	return h, true, nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run RunRecord) error {
	payload, err := EncodeRun(run)
	if err != nil {
		return err
	}
	return s.put(func() map[string][]byte { return s.runs }, run.ID, payload)
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (RunRecord, bool, error) {
	payload, ok, err := s.get(func() map[string][]byte { return s.runs }, id)
	if err != nil || !ok {
		return RunRecord{}, false, err
	}
	r, err := DecodeRun(payload)
	if err != nil {
		return RunRecord{}, false, err
	}
	return r, true, nil
}
