package auth

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/karaoke-night-system/pkg/database"
	"github.com/karaoke-night-system/pkg/jwt"
	"github.com/karaoke-night-system/pkg/models"
	"github.com/karaoke-night-system/pkg/redis"
)

const sessionTTL = 12 * time.Hour

// Handler implements name-only login: singers pick a name, the first user
// to log in with the configured host name becomes the host. Full identity
// management lives outside this system.
type Handler struct {
	db       *database.MySQLDB
	sessions *redis.SessionStore
	hostName string
}

func NewHandler(db *database.MySQLDB, sessions *redis.SessionStore, hostName string) *Handler {
	return &Handler{db: db, sessions: sessions, hostName: hostName}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	auth := r.Group("/auth")
	{
		auth.POST("/login", h.login)

		protected := auth.Group("", AuthMiddleware(h.sessions))
		protected.GET("/me", h.me)
		protected.POST("/logout", h.logout)
	}
}

type LoginRequest struct {
	Name string `json:"name" binding:"required"`
}

func (h *Handler) login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.db.GetUserByName(req.Name)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to look up user"})
			return
		}
		role := "singer"
		if req.Name == h.hostName {
			role = "host"
		}
		user = &models.User{
			ID:        uuid.New(),
			Name:      req.Name,
			Role:      role,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		}
		if err := h.db.CreateUser(user); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
			return
		}
	}

	token, err := jwt.GenerateToken(user.ID.String(), user.Name, sessionTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	session := &redis.SessionInfo{
		UserID:    user.ID.String(),
		Name:      user.Name,
		Role:      user.Role,
		ExpiresAt: time.Now().Add(sessionTTL).UTC(),
	}
	if err := h.sessions.StoreSession(c.Request.Context(), user.ID.String(), session); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store session"})
		return
	}

	c.SetCookie("auth_token", token, int(sessionTTL.Seconds()), "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{"token": token, "user": user})
}

func (h *Handler) me(c *gin.Context) {
	user, err := h.db.GetUserByID(c.GetString("user_id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

func (h *Handler) logout(c *gin.Context) {
	if err := h.sessions.DeleteSession(c.Request.Context(), c.GetString("user_id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete session"})
		return
	}
	c.SetCookie("auth_token", "", -1, "/", "", false, true)
	c.Status(http.StatusOK)
}
