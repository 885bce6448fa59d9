package consultation

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/teleconsult/consult/internal/platform/auth"
	"github.com/teleconsult/consult/internal/platform/video"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// The system actor may read and close sessions, never join them.
	readGroup := api.Group("", auth.RequireRole(auth.RolePatient, auth.RoleClinician, auth.RoleSystem))
	readGroup.GET("/appointments/:id", h.GetAppointment)
	readGroup.POST("/appointments/:id/transition", h.Transition)

	sessionGroup := api.Group("", auth.RequireRole(auth.RolePatient, auth.RoleClinician))
	sessionGroup.POST("/appointments/:id/room", h.EnsureRoom)
	sessionGroup.POST("/appointments/:id/join", h.Join)
}

// ActorFromContext builds the caller identity set by the auth middleware.
func ActorFromContext(c echo.Context) Actor {
	ctx := c.Request().Context()
	return Actor{
		UserID: auth.UserIDFromContext(ctx),
		Role:   auth.ConsultRole(ctx),
		Name:   auth.NameFromContext(ctx),
	}
}

// ParseID reads the :id path parameter.
func ParseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) GetAppointment(c echo.Context) error {
	id, err := ParseID(c)
	if err != nil {
		return err
	}
	view, err := h.svc.Get(c.Request().Context(), id, ActorFromContext(c))
	if err != nil {
		return ErrorResponse(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) Transition(c echo.Context) error {
	id, err := ParseID(c)
	if err != nil {
		return err
	}
	var req TransitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	res, err := h.svc.Transition(c.Request().Context(), id, ActorFromContext(c), req.Status, req.Reason)
	if err != nil {
		return ErrorResponse(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) EnsureRoom(c echo.Context) error {
	id, err := ParseID(c)
	if err != nil {
		return err
	}
	room, err := h.svc.EnsureRoom(c.Request().Context(), id, ActorFromContext(c))
	if err != nil {
		return ErrorResponse(c, err)
	}
	return c.JSON(http.StatusOK, room)
}

func (h *Handler) Join(c echo.Context) error {
	id, err := ParseID(c)
	if err != nil {
		return err
	}
	creds, err := h.svc.Join(c.Request().Context(), id, ActorFromContext(c))
	if err != nil {
		return ErrorResponse(c, err)
	}
	return c.JSON(http.StatusOK, creds)
}

// ErrorResponse maps engine errors to HTTP errors. Unknown errors pass
// through and surface as 500.
func ErrorResponse(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, ErrNotFound.Error())
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, ErrForbidden.Error())
	case errors.Is(err, ErrPreConsultationIncomplete):
		return echo.NewHTTPError(http.StatusPreconditionFailed, map[string]string{
			"message":  ErrPreConsultationIncomplete.Error(),
			"redirect": RedirectIntake,
		})
	case errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrTerminalState),
		errors.Is(err, ErrNotLive):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, video.ErrRoomExpired):
		return echo.NewHTTPError(http.StatusGone, video.ErrRoomExpired.Error())
	case errors.Is(err, video.ErrProviderUnavailable):
		secs := int(video.RetryAfter(err).Seconds())
		if secs < 1 {
			secs = 1
		}
		c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
		return echo.NewHTTPError(http.StatusServiceUnavailable, video.ErrProviderUnavailable.Error())
	}
	return err
}
