package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/echochat/backend/go/internal/v1/errs"
	"github.com/echochat/backend/go/internal/v1/logging"
	"github.com/echochat/backend/go/internal/v1/types"
)

type adminPolicyRequest struct {
	Room            string `json:"room" binding:"required"`
	Locked          bool   `json:"locked"`
	ReadOnly        bool   `json:"readonly"`
	SlowmodeSeconds int    `json:"slowmode_seconds"`
}

// handleAdminRoomPolicy flips a room's moderation toggles. The policy change
// fans out to occupants as room_policy_state.
func (d Deps) handleAdminRoomPolicy(c *gin.Context) {
	var req adminPolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errs.E(errs.KindBadInput, "room is required"))
		return
	}
	ident := identityOf(c)
	err := d.Rooms.SetPolicy(c.Request.Context(), ident.User, types.RoomName(req.Room),
		req.Locked, req.ReadOnly, req.SlowmodeSeconds)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": req.Room, "status": "updated"})
}

type adminForceLeaveRequest struct {
	Room     string `json:"room" binding:"required"`
	Username string `json:"username" binding:"required"`
	Reason   string `json:"reason"`
}

func (d Deps) handleAdminForceLeave(c *gin.Context) {
	var req adminForceLeaveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errs.E(errs.KindBadInput, "room and username are required"))
		return
	}
	ident := identityOf(c)
	target := types.NormalizeUsername(req.Username)
	reason := req.Reason
	if reason == "" {
		reason = "removed_by_admin"
	}
	if err := d.Rooms.ForceLeave(c.Request.Context(), ident.User, target, types.RoomName(req.Room), reason); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": req.Room, "username": string(target), "status": "removed"})
}

type adminForceLogoutRequest struct {
	Username string `json:"username" binding:"required"`
}

// handleAdminForceLogout terminates every session of a user. The target's
// live sockets hear admin_force_logout before the connections are dropped;
// their next HTTP request fails token validation.
func (d Deps) handleAdminForceLogout(c *gin.Context) {
	var req adminForceLogoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errs.E(errs.KindBadInput, "username is required"))
		return
	}
	ident := identityOf(c)
	target := types.NormalizeUsername(req.Username)

	if d.Sender != nil {
		d.Sender.SendToUser(target, types.EventAdminForceLogout, gin.H{
			"by": ident.User,
			"ts": time.Now().UTC().Unix(),
		})
	}
	sessions, err := d.Authority.LogoutAll(c.Request.Context(), target, "admin")
	if err != nil {
		respondErr(c, err)
		return
	}
	logging.Info(c.Request.Context(), "admin force logout",
		zap.String("target", string(target)),
		zap.String("by", string(ident.User)),
		zap.Int("sessions", len(sessions)))
	c.JSON(http.StatusOK, gin.H{"username": string(target), "sessions_terminated": len(sessions)})
}

type adminVoiceCapRequest struct {
	Room string `json:"room" binding:"required"`
	Cap  int    `json:"cap"`
}

// handleAdminVoiceCap resizes a voice room. Lowering the cap below the
// seated count evicts random members with voice_room_forced_leave.
func (d Deps) handleAdminVoiceCap(c *gin.Context) {
	var req adminVoiceCapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errs.E(errs.KindBadInput, "room is required"))
		return
	}
	if req.Cap < 0 {
		respondErr(c, errs.E(errs.KindBadInput, "cap must be non-negative"))
		return
	}
	evicted := d.Voice.SetRoomCap(c.Request.Context(), types.RoomName(req.Room), req.Cap)
	c.JSON(http.StatusOK, gin.H{"room": req.Room, "cap": req.Cap, "evicted": evicted})
}

type adminAnnounceRequest struct {
	Message string `json:"message" binding:"required"`
}

func (d Deps) handleAdminAnnounce(c *gin.Context) {
	var req adminAnnounceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errs.E(errs.KindBadInput, "message is required"))
		return
	}
	ident := identityOf(c)
	payload := gin.H{"message": req.Message, "from": ident.User, "ts": time.Now().UTC().Unix()}
	if d.Sender != nil {
		d.Sender.BroadcastAll(types.EventGlobalAnnouncement, payload)
	}
	c.JSON(http.StatusOK, gin.H{"status": "announced"})
}
