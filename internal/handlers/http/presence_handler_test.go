package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/infrastructure/middleware"
	"peercall/internal/infrastructure/repositories/memory"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type mockPresence struct {
	mock.Mock
}

func (m *mockPresence) Register(ctx context.Context, e *domain.PresenceEntry) (*domain.PresenceEntry, error) {
	args := m.Called(ctx, e)
	prev, _ := args.Get(0).(*domain.PresenceEntry)
	return prev, args.Error(1)
}

func (m *mockPresence) Unregister(ctx context.Context, addr domain.ConnectionAddress) (*domain.PresenceEntry, error) {
	args := m.Called(ctx, addr)
	prev, _ := args.Get(0).(*domain.PresenceEntry)
	return prev, args.Error(1)
}

func (m *mockPresence) Resolve(ctx context.Context, id domain.Identity) (*domain.PresenceEntry, error) {
	args := m.Called(ctx, id)
	e, _ := args.Get(0).(*domain.PresenceEntry)
	return e, args.Error(1)
}

func (m *mockPresence) ResolveAddress(ctx context.Context, addr domain.ConnectionAddress) (*domain.PresenceEntry, error) {
	args := m.Called(ctx, addr)
	e, _ := args.Get(0).(*domain.PresenceEntry)
	return e, args.Error(1)
}

func (m *mockPresence) List(ctx context.Context) ([]*domain.PresenceEntry, error) {
	args := m.Called(ctx)
	entries, _ := args.Get(0).([]*domain.PresenceEntry)
	return entries, args.Error(1)
}

func newTestRouter(t *testing.T, h *PresenceHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(zaptest.NewLogger(t).Sugar()))
	h.SetupRoutes(router.Group("/api/v1"))
	return router
}

func getJSON(t *testing.T, router *gin.Engine, path string) (int, map[string]interface{}) {
	t.Helper()
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func TestPresenceHandler_ListPresence(t *testing.T) {
	presence := memory.NewMemoryPresenceRegistry()
	ctx := context.Background()
	for _, id := range []domain.Identity{"bob", "alice"} {
		_, err := presence.Register(ctx, &domain.PresenceEntry{
			Identity: id,
			Profile:  domain.Profile{Name: string(id)},
			Address:  domain.ConnectionAddress("addr-" + id),
		})
		require.NoError(t, err)
	}

	router := newTestRouter(t, NewPresenceHandler(presence, memory.NewMemoryCallSessionStore()))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/presence", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{
		"count": 2,
		"presence": [
			{"identity": "alice", "profile": {"name": "alice"}},
			{"identity": "bob", "profile": {"name": "bob"}}
		]
	}`, w.Body.String())
	assert.NotContains(t, w.Body.String(), "addr-")
}

func TestPresenceHandler_GetCall(t *testing.T) {
	sessions := memory.NewMemoryCallSessionStore()
	session, err := sessions.Create(context.Background(),
		domain.ParticipantRef{Identity: "alice", Address: "a1"},
		domain.ParticipantRef{Identity: "bob", Address: "b1"},
	)
	require.NoError(t, err)

	router := newTestRouter(t, NewPresenceHandler(memory.NewMemoryPresenceRegistry(), sessions))

	code, body := getJSON(t, router, "/api/v1/calls/"+string(session.ID))
	require.Equal(t, http.StatusOK, code)
	call := body["call"].(map[string]interface{})
	assert.Equal(t, string(session.ID), call["id"])
	assert.Equal(t, "ringing", call["phase"])
	assert.Equal(t, "alice", call["caller"].(map[string]interface{})["identity"])

	code, body = getJSON(t, router, "/api/v1/calls")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1.0, body["live"])

	code, body = getJSON(t, router, "/api/v1/calls/missing")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", body["error"])
	assert.Equal(t, "call session not found", body["message"])
	assert.Equal(t, "missing", body["details"].(map[string]interface{})["session_id"])
}

func TestPresenceHandler_StoreFailure(t *testing.T) {
	presence := new(mockPresence)
	presence.On("List", mock.Anything).Return(nil, errors.New("redis down"))

	router := newTestRouter(t, NewPresenceHandler(presence, memory.NewMemoryCallSessionStore()))

	code, body := getJSON(t, router, "/api/v1/presence")
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "INTERNAL_ERROR", body["error"])
	presence.AssertExpectations(t)
}

func TestPresenceHandler_RosterCache(t *testing.T) {
	presence := new(mockPresence)
	presence.On("List", mock.Anything).Return([]*domain.PresenceEntry{
		{Identity: "alice", Profile: domain.Profile{Name: "Alice"}, Address: "a1"},
	}, nil).Once()

	h := NewPresenceHandler(presence, memory.NewMemoryCallSessionStore(), WithRosterCache(time.Minute))
	defer h.Close()
	router := newTestRouter(t, h)

	for i := 0; i < 3; i++ {
		code, body := getJSON(t, router, "/api/v1/presence")
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, 1.0, body["count"])
	}
	presence.AssertNumberOfCalls(t, "List", 1)
}
