package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quayside/stackd/internal/shell/orchestrator"
	"github.com/quayside/stackd/internal/shell/runtime"
	"github.com/quayside/stackd/internal/shell/store"
)

// =============================================================================
// Test Helpers
// =============================================================================

// stubRuntime implements runtime.Runtime with everything succeeding.
type stubRuntime struct {
	mu         sync.Mutex
	containers map[string]*runtime.ContainerInfo
	networks   map[string]bool
	volumes    map[string]bool
	nextID     int
	pingErr    error
}

func newStubRuntime() *stubRuntime {
	return &stubRuntime{
		containers: make(map[string]*runtime.ContainerInfo),
		networks:   make(map[string]bool),
		volumes:    make(map[string]bool),
	}
}

func (s *stubRuntime) CreateContainer(_ context.Context, spec runtime.ContainerSpec) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := fmt.Sprintf("ctr-%04d", s.nextID)
	s.containers[id] = &runtime.ContainerInfo{
		ID:     id,
		Name:   spec.Name,
		Image:  spec.Image,
		Status: runtime.StatusCreated,
		Labels: spec.Labels,
	}
	return id, nil
}

func (s *stubRuntime) StartContainer(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[id]
	if !ok {
		return runtime.ErrContainerNotFound
	}
	c.Status = runtime.StatusRunning
	return nil
}

func (s *stubRuntime) StopContainer(_ context.Context, id string, _ *time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[id]
	if !ok {
		return runtime.ErrContainerNotFound
	}
	c.Status = runtime.StatusExited
	return nil
}

func (s *stubRuntime) RemoveContainer(_ context.Context, id string, _ runtime.RemoveOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.containers, id)
	return nil
}

func (s *stubRuntime) InspectContainer(_ context.Context, id string) (*runtime.ContainerInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[id]
	if !ok {
		return nil, runtime.ErrContainerNotFound
	}
	info := *c
	return &info, nil
}

func (s *stubRuntime) ListContainers(_ context.Context, _ runtime.ListOptions) ([]runtime.ContainerInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []runtime.ContainerInfo
	for _, c := range s.containers {
		out = append(out, *c)
	}
	return out, nil
}

func (s *stubRuntime) CreateNetwork(_ context.Context, spec runtime.NetworkSpec) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.networks[spec.Name] = true
	return "net-" + spec.Name, nil
}

func (s *stubRuntime) RemoveNetwork(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.networks, name)
	return nil
}

func (s *stubRuntime) CreateVolume(_ context.Context, spec runtime.VolumeSpec) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volumes[spec.Name] = true
	return spec.Name, nil
}

func (s *stubRuntime) RemoveVolume(_ context.Context, name string, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.volumes, name)
	return nil
}

func (s *stubRuntime) PullImage(_ context.Context, _ string) error           { return nil }
func (s *stubRuntime) ImageExists(_ context.Context, _ string) (bool, error) { return true, nil }
func (s *stubRuntime) Ping(_ context.Context) error                          { return s.pingErr }
func (s *stubRuntime) Close() error                                          { return nil }

// stubStore implements store.Store in memory.
type stubStore struct {
	mu       sync.Mutex
	stacks   map[string]store.StackRecord
	entities map[string][]store.EntityRecord
	phases   []store.PhaseRecord
}

func newStubStore() *stubStore {
	return &stubStore{
		stacks:   make(map[string]store.StackRecord),
		entities: make(map[string][]store.EntityRecord),
	}
}

func (s *stubStore) SaveStack(_ context.Context, rec *store.StackRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stacks[rec.Name] = *rec
	return nil
}

func (s *stubStore) GetStack(_ context.Context, name string) (*store.StackRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.stacks[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &rec, nil
}

func (s *stubStore) ListStacks(_ context.Context) ([]store.StackRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.StackRecord
	for _, rec := range s.stacks {
		out = append(out, rec)
	}
	return out, nil
}

func (s *stubStore) DeleteStack(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stacks, name)
	return nil
}

func (s *stubStore) UpsertEntity(_ context.Context, rec *store.EntityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[rec.Stack] = append(s.entities[rec.Stack], *rec)
	return nil
}

func (s *stubStore) ListEntities(_ context.Context, stack string) ([]store.EntityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.EntityRecord(nil), s.entities[stack]...), nil
}

func (s *stubStore) DeleteEntities(_ context.Context, stack string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entities, stack)
	return nil
}

func (s *stubStore) RecordPhase(_ context.Context, rec *store.PhaseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phases = append(s.phases, *rec)
	return nil
}

func (s *stubStore) ListPhases(_ context.Context, stack, service string, limit int) ([]store.PhaseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.PhaseRecord
	for i := len(s.phases) - 1; i >= 0 && len(out) < limit; i-- {
		p := s.phases[i]
		if p.Stack == stack && p.Service == service {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *stubStore) Close() error { return nil }

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHandler() (*Handler, *stubRuntime, *stubStore) {
	rt := newStubRuntime()
	st := newStubStore()
	orch := orchestrator.New(rt, st, setupTestLogger(), orchestrator.DefaultConfig())
	return NewHandler(orch, rt, st, setupTestLogger()), rt, st
}

// =============================================================================
// Fixtures
// =============================================================================

const validDeclaration = `
services:
  db:
    image: mariadb:11
    environment:
      MARIADB_DATABASE: gallery
    volumes:
      - dbdata:/var/lib/mysql
    networks:
      - backend
    restart: always
  admin:
    image: gallery/console:1.4
    ports:
      - "8081:80"
    networks:
      - backend
    depends_on:
      - db
    restart: on-failure
networks:
  backend:
    driver: bridge
volumes:
  dbdata:
`

const danglingVolumeDeclaration = `
services:
  db:
    image: mariadb:11
    volumes:
      - missing:/var/lib/mysql
`

const cyclicDeclaration = `
services:
  a:
    image: img
    depends_on:
      - b
  b:
    image: img
    depends_on:
      - a
`

func applyStack(t *testing.T, h *Handler, name, declaration string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(ApplyStackRequest{Name: name, Declaration: declaration})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/stacks", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	return rec
}

// =============================================================================
// Health Tests
// =============================================================================

func TestHealth(t *testing.T) {
	h, _, _ := newTestHandler()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestReady_RuntimeDown(t *testing.T) {
	h, rt, _ := newTestHandler()
	rt.pingErr = runtime.ErrConnectionFailed

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp ReadyResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "not_ready", resp.Status)
	assert.Equal(t, "failed", resp.Checks["runtime"])
}

// =============================================================================
// Apply Tests
// =============================================================================

func TestApplyStack_Success(t *testing.T) {
	h, _, _ := newTestHandler()

	rec := applyStack(t, h, "gallery", validDeclaration)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp StackResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "gallery", resp.Name)
	assert.NotEmpty(t, resp.ApplyID)
	require.NotEmpty(t, resp.StartOrder)
	assert.Equal(t, "db", resp.StartOrder[0])
	require.Len(t, resp.Services, 2)
	for _, svc := range resp.Services {
		assert.Equal(t, "running", string(svc.Phase), svc.Name)
	}
}

func TestApplyStack_InvalidJSON(t *testing.T) {
	h, _, _ := newTestHandler()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/stacks", bytes.NewReader([]byte("{nope")))
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApplyStack_MissingFields(t *testing.T) {
	h, _, _ := newTestHandler()

	rec := applyStack(t, h, "", validDeclaration)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = applyStack(t, h, "gallery", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApplyStack_MalformedDeclaration(t *testing.T) {
	h, _, _ := newTestHandler()

	rec := applyStack(t, h, "gallery", "services: [not: valid")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "invalid_declaration", resp.Code)
}

func TestApplyStack_ValidationFailure(t *testing.T) {
	h, _, _ := newTestHandler()

	rec := applyStack(t, h, "gallery", danglingVolumeDeclaration)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "validation_error", resp.Code)
	assert.NotEmpty(t, resp.Violations)
}

func TestApplyStack_Cycle(t *testing.T) {
	h, _, _ := newTestHandler()

	rec := applyStack(t, h, "tangled", cyclicDeclaration)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "validation_error", resp.Code)
}

// =============================================================================
// Query Tests
// =============================================================================

func TestGetStack(t *testing.T) {
	h, _, _ := newTestHandler()
	applyStack(t, h, "gallery", validDeclaration)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stacks/gallery", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp StackResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "gallery", resp.Name)
	assert.Len(t, resp.Networks, 1)
	assert.Len(t, resp.Volumes, 1)
}

func TestGetStack_NotFound(t *testing.T) {
	h, _, _ := newTestHandler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stacks/nope", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListStacks(t *testing.T) {
	h, _, _ := newTestHandler()
	applyStack(t, h, "gallery", validDeclaration)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stacks", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp []StackSummary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp, 1)
	assert.Equal(t, "gallery", resp[0].Name)
	assert.True(t, resp[0].Managed)
}

func TestListServices(t *testing.T) {
	h, _, _ := newTestHandler()
	applyStack(t, h, "gallery", validDeclaration)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stacks/gallery/services", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp []orchestrator.ServiceStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp, 2)
	assert.Equal(t, "db", resp[0].Name) // start order
}

func TestServiceHistory(t *testing.T) {
	h, _, _ := newTestHandler()
	applyStack(t, h, "gallery", validDeclaration)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stacks/gallery/services/db/history", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp []PhaseResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp, 2)
	assert.Equal(t, "running", resp[0].Phase)
	assert.Equal(t, "starting", resp[1].Phase)
}

func TestServiceHistory_UnknownService(t *testing.T) {
	h, _, _ := newTestHandler()
	applyStack(t, h, "gallery", validDeclaration)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stacks/gallery/services/nope/history", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// Command Tests
// =============================================================================

func TestRestartService(t *testing.T) {
	h, _, _ := newTestHandler()
	applyStack(t, h, "gallery", validDeclaration)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/stacks/gallery/services/admin/restart", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestRestartService_NotFound(t *testing.T) {
	h, _, _ := newTestHandler()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/stacks/nope/services/db/restart", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTeardownStack(t *testing.T) {
	h, rt, st := newTestHandler()
	applyStack(t, h, "gallery", validDeclaration)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/stacks/gallery", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rt.volumes)

	_, err := st.GetStack(context.Background(), "gallery")
	assert.Error(t, err)
}

func TestTeardownStack_PreserveVolumes(t *testing.T) {
	h, rt, _ := newTestHandler()
	applyStack(t, h, "gallery", validDeclaration)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/stacks/gallery?preserve_volumes=true", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Len(t, rt.volumes, 1)
}

func TestTeardownStack_NotFound(t *testing.T) {
	h, _, _ := newTestHandler()

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/stacks/nope", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
