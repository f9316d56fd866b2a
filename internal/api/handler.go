// Package api exposes the engine's operations over HTTP.
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/karaoke-night-system/internal/auth"
	"github.com/karaoke-night-system/internal/engine"
	"github.com/karaoke-night-system/internal/playback"
	"github.com/karaoke-night-system/internal/queue"
)

type Handler struct {
	engine *engine.Engine
}

func NewHandler(eng *engine.Engine) *Handler {
	return &Handler{engine: eng}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/playlists", h.listPlaylists)
	r.GET("/playlists/:id/queue", h.getQueue)
	r.POST("/playlists/:id/queue", h.submitSong)
	r.DELETE("/queue", h.removeSongs)
	r.PUT("/queue/:id/position", h.reorderSong)
	r.POST("/queue/:id/vote", h.voteSong)

	host := r.Group("/", auth.HostOnly())
	{
		host.PUT("/queue/:id/flag", h.setFlag)
		host.POST("/queue/:id/promote", h.promoteSong)
		host.POST("/player/:action", h.playbackControl)
	}

	r.GET("/player", h.nowPlaying)
}

func (h *Handler) listPlaylists(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Playlists())
}

func (h *Handler) getQueue(c *gin.Context) {
	playlistID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid playlist id"})
		return
	}
	c.JSON(http.StatusOK, h.engine.QueueView(playlistID))
}

type SubmitSongRequest struct {
	MediaID string `json:"media_id" binding:"required"`
}

func (h *Handler) submitSong(c *gin.Context) {
	playlistID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid playlist id"})
		return
	}

	var req SubmitSongRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mediaID, err := uuid.Parse(req.MediaID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid media id"})
		return
	}

	userID := uuid.MustParse(c.GetString("user_id")) // set by auth middleware
	entry, err := h.engine.SubmitSong(c.Request.Context(), playlistID, mediaID, userID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, entry)
}

type RemoveSongsRequest struct {
	IDs []string `json:"ids" binding:"required"`
}

func (h *Handler) removeSongs(c *gin.Context) {
	var req RemoveSongsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ids := make([]uuid.UUID, 0, len(req.IDs))
	for _, raw := range req.IDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid entry id"})
			return
		}
		ids = append(ids, id)
	}

	removed := h.engine.RemoveSongs(c.Request.Context(), ids)
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

type ReorderRequest struct {
	Position *int `json:"position" binding:"required"`
}

func (h *Handler) reorderSong(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid entry id"})
		return
	}

	var req ReorderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.engine.ReorderSong(c.Request.Context(), id, *req.Position); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (h *Handler) voteSong(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid entry id"})
		return
	}

	voterID := uuid.MustParse(c.GetString("user_id"))
	count, err := h.engine.VoteSong(c.Request.Context(), id, voterID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"upvotes": count})
}

type SetFlagRequest struct {
	Flag  string `json:"flag" binding:"required,oneof=played refused accepted free_upvote"`
	Value *bool  `json:"value" binding:"required"`
}

func (h *Handler) setFlag(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid entry id"})
		return
	}

	var req SetFlagRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.engine.SetSongFlag(c.Request.Context(), id, queue.Flag(req.Flag), *req.Value); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (h *Handler) promoteSong(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid entry id"})
		return
	}

	entry, err := h.engine.PromoteSong(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func (h *Handler) playbackControl(c *gin.Context) {
	if err := h.engine.PlaybackControl(c.Param("action")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (h *Handler) nowPlaying(c *gin.Context) {
	state, slot, active := h.engine.NowPlaying()
	c.JSON(http.StatusOK, gin.H{
		"state":  state,
		"slot":   slot,
		"active": active,
	})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, queue.ErrAlreadyQueued):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, queue.ErrQuotaExceeded):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, queue.ErrInvalidState), errors.Is(err, playback.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
