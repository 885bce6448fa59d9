package chat

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/teleconsult/consult/internal/domain/consultation"
	"github.com/teleconsult/consult/internal/platform/auth"
	"github.com/teleconsult/consult/internal/platform/blobstore"
	"github.com/teleconsult/consult/pkg/pagination"
)

type Handler struct {
	svc *Service
	// requireCaption rejects attachment messages without a body.
	requireCaption bool
}

func NewHandler(svc *Service, requireCaption bool) *Handler {
	return &Handler{svc: svc, requireCaption: requireCaption}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole(auth.RolePatient, auth.RoleClinician))
	g.GET("/appointments/:id/messages", h.ListMessages)
	g.POST("/appointments/:id/messages", h.PostMessage)
	g.POST("/appointments/:id/attachments", h.UploadAttachment)
	g.GET("/attachments/:id", h.DownloadAttachment)
}

func (h *Handler) ListMessages(c echo.Context) error {
	id, err := consultation.ParseID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	since, err := pagination.SinceFromContext(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	afterSeq, err := pagination.AfterSeqFromContext(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	filter := ListFilter{Since: since, AfterSeq: afterSeq}
	items, total, err := h.svc.ListMessages(c.Request().Context(), id, consultation.ActorFromContext(c), filter, pg.Limit, pg.Offset)
	if err != nil {
		return errorResponse(c, err)
	}
	if items == nil {
		items = []*Message{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) PostMessage(c echo.Context) error {
	id, err := consultation.ParseID(c)
	if err != nil {
		return err
	}
	var req PostRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if h.requireCaption && req.Attachment != nil && (req.Body == nil || strings.TrimSpace(*req.Body) == "") {
		return echo.NewHTTPError(http.StatusBadRequest, ErrCaptionRequired.Error())
	}
	msg, err := h.svc.PostMessage(c.Request().Context(), id, consultation.ActorFromContext(c), req.Body, req.Attachment)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusCreated, msg)
}

func (h *Handler) UploadAttachment(c echo.Context) error {
	id, err := consultation.ParseID(c)
	if err != nil {
		return err
	}
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart field \"file\" is required")
	}
	f, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	defer f.Close()

	att, err := h.svc.UploadAttachment(c.Request().Context(), id, consultation.ActorFromContext(c), fh.Filename, f)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusCreated, att)
}

func (h *Handler) DownloadAttachment(c echo.Context) error {
	meta, rc, err := h.svc.DownloadAttachment(c.Request().Context(), c.Param("id"), consultation.ActorFromContext(c))
	if err != nil {
		return errorResponse(c, err)
	}
	defer rc.Close()

	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf("attachment; filename=%q", meta.FileName))
	if meta.Size > 0 {
		c.Response().Header().Set(echo.HeaderContentLength, fmt.Sprintf("%d", meta.Size))
	}
	return c.Stream(http.StatusOK, meta.ContentType, rc)
}

func errorResponse(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrAttachmentNotFound):
		return echo.NewHTTPError(http.StatusNotFound, ErrAttachmentNotFound.Error())
	case errors.Is(err, ErrEmptyMessage), errors.Is(err, ErrBodyTooLong):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrChatClosed):
		return echo.NewHTTPError(http.StatusConflict, ErrChatClosed.Error())
	case errors.Is(err, blobstore.ErrFileTooLarge):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, blobstore.ErrInvalidContentType):
		return echo.NewHTTPError(http.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, blobstore.ErrMissingFileName), errors.Is(err, blobstore.ErrEmptyFile):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return consultation.ErrorResponse(c, err)
}
