package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/echochat/backend/go/internal/v1/auth"
	"github.com/echochat/backend/go/internal/v1/errs"
	"github.com/echochat/backend/go/internal/v1/logging"
	"github.com/echochat/backend/go/internal/v1/store"
	"github.com/echochat/backend/go/internal/v1/types"
)

type registerRequest struct {
	Username string `json:"username" binding:"required"`
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
	PIN      string `json:"pin"`
}

// registeredResponse is deliberately the same whether the account was created
// or the name was taken, so the endpoint cannot be used to enumerate accounts.
var registeredResponse = gin.H{"status": "ok", "message": "registration received; you can now log in"}

func (d Deps) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username, email and password are required"})
		return
	}
	if req.PIN != "" && !auth.ValidRecoveryPin(req.PIN) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "recovery pin must be 4-12 digits"})
		return
	}
	u, err := d.Authority.Register(c.Request.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		if errs.KindOf(err) == errs.KindConflict {
			c.JSON(http.StatusOK, registeredResponse)
			return
		}
		respondErr(c, err)
		return
	}
	if req.PIN != "" {
		if err := d.Authority.SetRecoveryPin(c.Request.Context(), types.UserID(u.Username), req.PIN); err != nil {
			respondErr(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, registeredResponse)
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (d Deps) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
		return
	}
	ident, pair, err := d.Authority.Login(c.Request.Context(), req.Username, req.Password, c.Request.UserAgent())
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"username":   string(ident.User),
		"admin":      ident.Admin,
		"tokens":     pair,
		"csrf_token": issueCSRF(c),
	})
}

func (d Deps) handleLogout(c *gin.Context) {
	ident := identityOf(c)
	if err := d.Authority.Logout(c.Request.Context(), ident.Session); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

func (d Deps) handleRefresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "refresh_token is required"})
		return
	}
	pair, err := d.Authority.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tokens":     pair,
		"csrf_token": issueCSRF(c),
	})
}

type forgotPasswordRequest struct {
	Email string `json:"email" binding:"required"`
}

// forgotResponse is generic for the same reason registeredResponse is.
var forgotResponse = gin.H{"status": "ok", "message": "if the address is known, a reset link has been sent"}

func (d Deps) handleForgotPassword(c *gin.Context) {
	var req forgotPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email is required"})
		return
	}
	ctx := c.Request.Context()
	token, err := d.Authority.ForgotPassword(ctx, req.Email)
	if err != nil && errs.KindOf(err) != errs.KindNotFound {
		respondErr(c, err)
		return
	}
	if token != "" {
		// Mail delivery is an external collaborator; the token is handed to
		// the operator log until the relay picks it up.
		logging.Info(ctx, "password reset token issued",
			zap.String("email", logging.RedactEmail(req.Email)))
	}
	c.JSON(http.StatusOK, forgotResponse)
}

type recoverPasswordRequest struct {
	Username    string `json:"username" binding:"required"`
	PIN         string `json:"pin" binding:"required"`
	NewPassword string `json:"new_password" binding:"required"`
}

// handleRecoverPassword is the no-mailbox reset path: the recovery PIN
// chosen at registration stands in for the emailed token.
func (d Deps) handleRecoverPassword(c *gin.Context) {
	var req recoverPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username, pin and new_password are required"})
		return
	}
	if err := d.Authority.RecoverPassword(c.Request.Context(), req.Username, req.PIN, req.NewPassword); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type resetPasswordRequest struct {
	Password string `json:"password" binding:"required"`
}

func (d Deps) handleResetPassword(c *gin.Context) {
	var req resetPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "password is required"})
		return
	}
	if err := d.Authority.ResetPassword(c.Request.Context(), c.Param("token"), req.Password); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (d Deps) handleGetPublicKey(c *gin.Context) {
	username := types.NormalizeUsername(c.Query("username"))
	if username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username is required"})
		return
	}
	pem, err := d.Store.PublicKey(c.Request.Context(), username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no such user"})
			return
		}
		respondErr(c, errs.Storage(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"username":   string(username),
		"public_key": pem,
	})
}
