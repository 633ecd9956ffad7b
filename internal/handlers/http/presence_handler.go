package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/pkg/cache"
	apperrors "peercall/pkg/errors"

	"github.com/gin-gonic/gin"
)

// PresenceHandler serves the read-only view of who is online and which calls
// are live. Connection addresses never leave the relay.
type PresenceHandler struct {
	presence ports.PresenceRegistry
	sessions ports.CallSessionStore
	roster   *cache.Cache[[]domain.PresenceInfo]
}

type HandlerOption func(*PresenceHandler)

// WithRosterCache serves the presence list from a cache refreshed every ttl,
// so polling dashboards do not hit the registry on each request.
func WithRosterCache(ttl time.Duration) HandlerOption {
	return func(h *PresenceHandler) {
		if ttl > 0 {
			h.roster = cache.New[[]domain.PresenceInfo](ttl)
		}
	}
}

func NewPresenceHandler(presence ports.PresenceRegistry, sessions ports.CallSessionStore, opts ...HandlerOption) *PresenceHandler {
	h := &PresenceHandler{
		presence: presence,
		sessions: sessions,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Close releases the roster cache.
func (h *PresenceHandler) Close() {
	if h.roster != nil {
		h.roster.Stop()
	}
}

func (h *PresenceHandler) SetupRoutes(api *gin.RouterGroup) {
	api.GET("/presence", h.ListPresence)
	api.GET("/calls/:id", h.GetCall)
	api.GET("/calls", h.CountCalls)
}

const rosterKey = "presence:list"

func (h *PresenceHandler) ListPresence(c *gin.Context) {
	var (
		infos []domain.PresenceInfo
		err   error
	)
	if h.roster != nil {
		infos, err = h.roster.GetOrSet(c.Request.Context(), rosterKey, h.loadRoster)
	} else {
		infos, err = h.loadRoster(c.Request.Context())
	}
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"presence": infos,
		"count":    len(infos),
	})
}

func (h *PresenceHandler) loadRoster(ctx context.Context) ([]domain.PresenceInfo, error) {
	entries, err := h.presence.List(ctx)
	if err != nil {
		return nil, err
	}

	infos := make([]domain.PresenceInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, e.Info())
	}
	return infos, nil
}

type callView struct {
	ID        domain.SessionID    `json:"id"`
	Phase     domain.Phase        `json:"phase"`
	Caller    domain.PresenceInfo `json:"caller"`
	Receiver  domain.PresenceInfo `json:"receiver"`
	CreatedAt time.Time           `json:"createdAt"`
	UpdatedAt time.Time           `json:"updatedAt"`
}

func (h *PresenceHandler) GetCall(c *gin.Context) {
	id := domain.SessionID(c.Param("id"))
	if id == "" {
		c.Error(apperrors.NewInvalidInputError("session id required"))
		return
	}

	session, err := h.sessions.Get(c.Request.Context(), id)
	if errors.Is(err, domain.ErrSessionNotFound) {
		c.Error(apperrors.NewNotFoundError("call session").WithContext("session_id", string(id)))
		return
	}
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"call": callView{
			ID:        session.ID,
			Phase:     session.Phase,
			Caller:    session.Caller.Info(),
			Receiver:  session.Receiver.Info(),
			CreatedAt: session.CreatedAt,
			UpdatedAt: session.UpdatedAt,
		},
	})
}

func (h *PresenceHandler) CountCalls(c *gin.Context) {
	n, err := h.sessions.Count(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"live": n})
}
