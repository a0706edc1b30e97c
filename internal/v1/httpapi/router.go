// Package httpapi mounts the REST surface: account lifecycle, public key
// lookup, room catalog and invites, and encrypted file endpoints. Realtime
// traffic goes through the hub; everything here is plain request/response.
package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/echochat/backend/go/internal/v1/auth"
	"github.com/echochat/backend/go/internal/v1/config"
	"github.com/echochat/backend/go/internal/v1/errs"
	"github.com/echochat/backend/go/internal/v1/files"
	"github.com/echochat/backend/go/internal/v1/governor"
	"github.com/echochat/backend/go/internal/v1/health"
	"github.com/echochat/backend/go/internal/v1/rooms"
	"github.com/echochat/backend/go/internal/v1/store"
	"github.com/echochat/backend/go/internal/v1/types"
	"github.com/echochat/backend/go/internal/v1/voice"
)

const identityKey = "httpapi.identity"

// Deps carries every subsystem the REST handlers reach into.
type Deps struct {
	Config    *config.Config
	Store     *store.Store
	Authority *auth.Authority
	Rooms     *rooms.Engine
	Voice     *voice.Manager
	Files     *files.Service
	Governor  *governor.Governor
	Health    *health.Handler
	// Sender is the hub surface the admin endpoints push through.
	Sender types.Sender
}

// Register mounts all REST routes on the router.
func Register(r *gin.Engine, d Deps) {
	// Account lifecycle, open routes. Each carries its own per-IP window.
	r.POST("/register", d.Governor.Middleware(governor.RuleRegister), d.handleRegister)
	r.POST("/login", d.Governor.Middleware(governor.RuleLogin), d.handleLogin)
	r.POST("/token/refresh", d.Governor.Middleware(governor.RuleRefresh), d.handleRefresh)
	r.POST("/forgot-password", d.Governor.Middleware(governor.RuleReset), d.handleForgotPassword)
	r.POST("/reset-password/:token", d.Governor.Middleware(governor.RuleReset), d.handleResetPassword)
	r.POST("/recover", d.Governor.Middleware(governor.RuleReset), d.handleRecoverPassword)

	r.GET("/get_public_key", d.Governor.Middleware(governor.RuleScrape), d.handleGetPublicKey)

	r.GET("/health", d.Health.Readiness)
	r.GET("/health/live", d.Health.Liveness)
	r.GET("/health/ready", d.Health.Readiness)

	// Logout needs the access token plus the CSRF pair.
	r.POST("/logout", d.requireAuth(), csrfProtect(), d.handleLogout)

	api := r.Group("/api", d.requireAuth(), csrfProtect())
	{
		api.GET("/rooms", d.handleListRooms)
		api.GET("/room_catalog", d.handleRoomCatalog)
		api.GET("/custom_rooms", d.handleCustomRooms)
		api.POST("/custom_rooms", d.handleCreateCustomRoom)
		api.POST("/custom_rooms/invite", d.handleRoomInvite)
		api.GET("/custom_rooms/invites", d.handlePendingInvites)
		api.POST("/rooms/invite", d.handleRoomInvite)
		api.GET("/rooms/invites", d.handlePendingInvites)

		upload := d.Governor.Middleware(governor.RuleUpload)
		api.POST("/dm_files/upload", upload, d.uploadHandler(files.ScopeDM))
		api.GET("/dm_files/:id/meta", d.metaHandler(files.ScopeDM))
		api.GET("/dm_files/:id/blob", d.blobHandler(files.ScopeDM))
		api.POST("/group_files/upload", upload, d.uploadHandler(files.ScopeGroup))
		api.GET("/group_files/:id/meta", d.metaHandler(files.ScopeGroup))
		api.GET("/group_files/:id/blob", d.blobHandler(files.ScopeGroup))

		admin := api.Group("/admin", d.requireAdmin())
		{
			admin.POST("/room_policy", d.handleAdminRoomPolicy)
			admin.POST("/force_leave", d.handleAdminForceLeave)
			admin.POST("/force_logout", d.handleAdminForceLogout)
			admin.POST("/voice_cap", d.handleAdminVoiceCap)
			admin.POST("/announce", d.handleAdminAnnounce)
		}
	}
}

// requireAuth validates the bearer token and stores the identity on the
// request. A token whose session was terminated fails here immediately.
func (d Deps) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing access token"})
			return
		}
		ident, err := d.Authority.Validate(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errs.Public(err)})
			return
		}
		c.Set(identityKey, ident)
		c.Next()
	}
}

// requireAdmin gates the moderation endpoints. Admin traffic shares the
// per-user admin window with the realtime admin commands.
func (d Deps) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		ident := identityOf(c)
		if ident == nil || !ident.Admin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin rights required"})
			return
		}
		if err := d.Governor.Allow(c.Request.Context(), governor.RuleAdminSocket, ident.User); err != nil {
			respondErr(c, err)
			c.Abort()
			return
		}
		c.Next()
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func identityOf(c *gin.Context) *auth.Identity {
	v, _ := c.Get(identityKey)
	ident, _ := v.(*auth.Identity)
	return ident
}

// respondErr maps a typed error to an HTTP status and a caller-safe body.
func respondErr(c *gin.Context, err error) {
	kind := errs.KindOf(err)
	c.JSON(statusOf(kind), gin.H{
		"error": errs.Public(err),
		"kind":  string(kind),
	})
}

func statusOf(kind errs.Kind) int {
	switch kind {
	case errs.KindBadInput:
		return http.StatusBadRequest
	case errs.KindUnauthorized:
		return http.StatusUnauthorized
	case errs.KindForbidden, errs.KindReadOnly, errs.KindNotInRoom:
		return http.StatusForbidden
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindConflict, errs.KindCapReached:
		return http.StatusConflict
	case errs.KindLoginLocked, errs.KindLocked:
		return http.StatusLocked
	case errs.KindRateLimited, errs.KindSlowMode:
		return http.StatusTooManyRequests
	case errs.KindStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
