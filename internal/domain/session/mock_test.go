package session

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/psyclinic/clinic/internal/domain/catalog"
)

// -- Mock catalog --

type mockCatalog struct {
	psychologists map[uuid.UUID]string
	modalities    map[uuid.UUID]string
	states        map[uuid.UUID]string
	patients      map[uuid.UUID]string
	byNameCalls   int
}

func lookup(m map[uuid.UUID]string, id uuid.UUID) (*catalog.Summary, error) {
	name, ok := m[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return &catalog.Summary{ID: id, Name: name}, nil
}

func (m *mockCatalog) Psychologist(_ context.Context, id uuid.UUID) (*catalog.Summary, error) {
	return lookup(m.psychologists, id)
}

func (m *mockCatalog) Modality(_ context.Context, id uuid.UUID) (*catalog.Summary, error) {
	return lookup(m.modalities, id)
}

func (m *mockCatalog) State(_ context.Context, id uuid.UUID) (*catalog.Summary, error) {
	return lookup(m.states, id)
}

func (m *mockCatalog) Patient(_ context.Context, id uuid.UUID) (*catalog.Summary, error) {
	return lookup(m.patients, id)
}

func (m *mockCatalog) FindStateByName(_ context.Context, fragment string) (*catalog.Summary, error) {
	m.byNameCalls++
	for id, name := range m.states {
		if strings.Contains(strings.ToLower(name), strings.ToLower(fragment)) {
			return &catalog.Summary{ID: id, Name: name}, nil
		}
	}
	return nil, catalog.ErrNotFound
}

// -- Mock store --

type mockStore struct {
	mu       sync.Mutex
	txMu     sync.Mutex
	catalog  *mockCatalog
	sessions map[uuid.UUID]*Session
	locks    int
	// searchErr, when set, is returned by Search.
	searchErr error
}

func newMockStore(c *mockCatalog) *mockStore {
	return &mockStore{catalog: c, sessions: make(map[uuid.UUID]*Session)}
}

func clone(s *Session) *Session {
	cp := *s
	cp.Patients = append([]catalog.Summary{}, s.Patients...)
	return &cp
}

func (m *mockStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.IdempotencyKey != nil {
		for _, existing := range m.sessions {
			if existing.IdempotencyKey != nil && *existing.IdempotencyKey == *s.IdempotencyKey {
				return ErrDuplicateIdempotencyKey
			}
		}
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now
	m.sessions[s.ID] = clone(s)
	return nil
}

func (m *mockStore) get(id uuid.UUID, includeDeleted bool) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || (!includeDeleted && s.IsDeleted()) {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *mockStore) GetByID(_ context.Context, id uuid.UUID) (*Session, error) {
	return m.get(id, false)
}

func (m *mockStore) GetIncludingDeleted(_ context.Context, id uuid.UUID) (*Session, error) {
	return m.get(id, true)
}

func (m *mockStore) GetByIdempotencyKey(_ context.Context, key string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.IdempotencyKey != nil && *s.IdempotencyKey == key {
			return clone(s), nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockStore) matches(s *Session, f Filter) bool {
	if s.IsDeleted() {
		return false
	}
	if f.PsychologistID != nil && s.Psychologist.ID != *f.PsychologistID {
		return false
	}
	if f.ModalityID != nil && s.Modality.ID != *f.ModalityID {
		return false
	}
	if f.StateID != nil && s.State.ID != *f.StateID {
		return false
	}
	if f.From != nil && s.StartTime.Before(*f.From) {
		return false
	}
	if f.To != nil && !s.StartTime.Before(*f.To) {
		return false
	}
	if f.ExcludeCancelled && s.Cancelled {
		return false
	}
	if q := strings.ToLower(strings.TrimSpace(f.Search)); q != "" {
		hay := strings.ToLower(s.Psychologist.Name + " " + s.Modality.Name + " " + s.State.Name)
		if !strings.Contains(hay, q) {
			return false
		}
	}
	return true
}

func (m *mockStore) Search(_ context.Context, f Filter, limit, offset int) ([]*Session, int, error) {
	if m.searchErr != nil {
		return nil, 0, m.searchErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Session
	for _, s := range m.sessions {
		if m.matches(s, f) {
			all = append(all, clone(s))
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if f.Ascending {
			return all[i].StartTime.Before(all[j].StartTime)
		}
		return all[i].StartTime.After(all[j].StartTime)
	})
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *mockStore) Update(_ context.Context, id uuid.UUID, p Patch) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.IsDeleted() {
		return nil, ErrNotFound
	}
	updated := p.Apply(*s)
	if p.PsychologistID != nil {
		updated.Psychologist.Name = m.catalog.psychologists[*p.PsychologistID]
	}
	if p.ModalityID != nil {
		updated.Modality.Name = m.catalog.modalities[*p.ModalityID]
	}
	if p.StateID != nil {
		updated.State.Name = m.catalog.states[*p.StateID]
	}
	updated.UpdatedAt = time.Now().UTC()
	m.sessions[id] = clone(&updated)
	return clone(&updated), nil
}

func (m *mockStore) SoftDelete(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.IsDeleted() {
		return false, nil
	}
	now := time.Now().UTC()
	s.DeletedAt = &now
	return true, nil
}

func (m *mockStore) Restore(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || !s.IsDeleted() {
		return false, nil
	}
	s.DeletedAt = nil
	return true, nil
}

func (m *mockStore) AddPatient(_ context.Context, sessionID, patientID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return &ReferenceNotFoundError{Field: "session_id", ID: sessionID}
	}
	if !s.HasPatient(patientID) {
		s.Patients = append(s.Patients, catalog.Summary{ID: patientID, Name: m.catalog.patients[patientID]})
	}
	return nil
}

func (m *mockStore) RemovePatient(_ context.Context, sessionID, patientID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return false, nil
	}
	for i, p := range s.Patients {
		if p.ID == patientID {
			s.Patients = append(s.Patients[:i], s.Patients[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (m *mockStore) FindOverlapping(_ context.Context, psychologistID uuid.UUID, start, end time.Time, excludeID *uuid.UUID) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var hits []*Session
	for _, s := range m.sessions {
		if s.Psychologist.ID != psychologistID || !s.Blocks() || !s.Overlaps(start, end) {
			continue
		}
		if excludeID != nil && s.ID == *excludeID {
			continue
		}
		hits = append(hits, s)
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].StartTime.Before(hits[j].StartTime) })
	ids := make([]uuid.UUID, len(hits))
	for i, s := range hits {
		ids[i] = s.ID
	}
	return ids, nil
}

func (m *mockStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return fn(ctx)
}

func (m *mockStore) LockPsychologist(_ context.Context, _ uuid.UUID) error {
	m.mu.Lock()
	m.locks++
	m.mu.Unlock()
	return nil
}

func (m *mockStore) active() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.Blocks() {
			out = append(out, clone(s))
		}
	}
	return out
}

// -- Fixtures --

var (
	clinicTZ = time.FixedZone("ART", -3*60*60)

	psychologistA = uuid.MustParse("11111111-0000-4000-8000-00000000000a")
	psychologistB = uuid.MustParse("11111111-0000-4000-8000-00000000000b")
	inPerson      = uuid.MustParse("22222222-0000-4000-8000-000000000001")
	remote        = uuid.MustParse("22222222-0000-4000-8000-000000000002")
	scheduled     = uuid.MustParse("33333333-0000-4000-8000-000000000001")
	completed     = uuid.MustParse("33333333-0000-4000-8000-000000000002")
	cancelled     = uuid.MustParse("33333333-0000-4000-8000-000000000003")
	patientOne    = uuid.MustParse("44444444-0000-4000-8000-000000000001")
	patientTwo    = uuid.MustParse("44444444-0000-4000-8000-000000000002")
)

func newMockCatalog() *mockCatalog {
	return &mockCatalog{
		psychologists: map[uuid.UUID]string{psychologistA: "Ana Gómez", psychologistB: "Bruno Díaz"},
		modalities:    map[uuid.UUID]string{inPerson: "Presencial", remote: "Virtual"},
		states:        map[uuid.UUID]string{scheduled: "Programada", completed: "Completada", cancelled: "Cancelada"},
		patients:      map[uuid.UUID]string{patientOne: "Carla Ruiz", patientTwo: "Diego Paz"},
	}
}

type testEnv struct {
	svc     *Service
	store   *mockStore
	catalog *mockCatalog
	now     time.Time
}

// newTestEnv freezes the clock at 2025-03-01 09:00 clinic time.
func newTestEnv() *testEnv {
	env := &testEnv{catalog: newMockCatalog(), now: time.Date(2025, 3, 1, 9, 0, 0, 0, clinicTZ)}
	env.store = newMockStore(env.catalog)
	policy := DefaultPolicy(clinicTZ)
	policy.Now = func() time.Time { return env.now }
	states := States{Scheduled: scheduled, Completed: completed, Cancelled: cancelled}
	env.svc = NewService(env.store, env.catalog, policy, states, zerolog.Nop())
	return env
}

func booking(psychologist uuid.UUID, start, end string) CreateInput {
	return CreateInput{
		StartTime:      start,
		EndTime:        end,
		PsychologistID: psychologist.String(),
		ModalityID:     inPerson.String(),
	}
}

func strPtr(s string) *string { return &s }
