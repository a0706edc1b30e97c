package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/echochat/backend/go/internal/v1/governor"
	"github.com/echochat/backend/go/internal/v1/types"
)

// handleListRooms returns the plain room-name list for clients that only
// need a picker.
func (d Deps) handleListRooms(c *gin.Context) {
	ident := identityOf(c)
	catalog, err := d.Rooms.Catalog(c.Request.Context(), ident.User)
	if err != nil {
		respondErr(c, err)
		return
	}
	names := make([]string, 0, len(catalog))
	for _, entry := range catalog {
		names = append(names, string(entry.Name))
	}
	c.JSON(http.StatusOK, gin.H{"rooms": names})
}

// handleRoomCatalog returns the full catalog with categories, flags, and
// live occupancy.
func (d Deps) handleRoomCatalog(c *gin.Context) {
	ident := identityOf(c)
	catalog, err := d.Rooms.Catalog(c.Request.Context(), ident.User)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": catalog})
}

// handleCustomRooms lists user-created rooms visible to the caller. Built-in
// rooms have no creator; autoscaled sub-rooms carry their parent and are
// excluded.
func (d Deps) handleCustomRooms(c *gin.Context) {
	ident := identityOf(c)
	catalog, err := d.Rooms.Catalog(c.Request.Context(), ident.User)
	if err != nil {
		respondErr(c, err)
		return
	}
	custom := catalog[:0]
	for _, entry := range catalog {
		if entry.Creator != "" && entry.Parent == "" {
			custom = append(custom, entry)
		}
	}
	c.JSON(http.StatusOK, gin.H{"rooms": custom})
}

type createRoomRequest struct {
	Name       string `json:"name" binding:"required"`
	Visibility string `json:"visibility"`
	Category   string `json:"category"`
	AdultOnly  bool   `json:"adult_only"`
	NSFW       bool   `json:"nsfw"`
}

func (d Deps) handleCreateCustomRoom(c *gin.Context) {
	ident := identityOf(c)
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	ctx := c.Request.Context()
	if err := d.Governor.Allow(ctx, governor.RuleRoomCreate, ident.User); err != nil {
		respondErr(c, err)
		return
	}
	if req.Visibility == "" {
		req.Visibility = "public"
	}
	if req.Category == "" {
		req.Category = "custom"
	}
	err := d.Rooms.Create(ctx, ident.User, types.RoomName(req.Name),
		req.Visibility, req.Category, req.AdultOnly, req.NSFW)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "ok", "room": req.Name})
}

type roomInviteRequest struct {
	Room    string `json:"room" binding:"required"`
	Invitee string `json:"invitee" binding:"required"`
}

func (d Deps) handleRoomInvite(c *gin.Context) {
	ident := identityOf(c)
	var req roomInviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "room and invitee are required"})
		return
	}
	invitee := types.NormalizeUsername(req.Invitee)
	err := d.Rooms.Invite(c.Request.Context(), ident.User, invitee, types.RoomName(req.Room))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type pendingInvite struct {
	Room    string `json:"room"`
	Inviter string `json:"inviter"`
}

func (d Deps) handlePendingInvites(c *gin.Context) {
	ident := identityOf(c)
	invites, err := d.Rooms.PendingInvites(c.Request.Context(), ident.User)
	if err != nil {
		respondErr(c, err)
		return
	}
	out := make([]pendingInvite, 0, len(invites))
	for _, inv := range invites {
		out = append(out, pendingInvite{Room: inv.RoomName, Inviter: inv.Inviter})
	}
	c.JSON(http.StatusOK, gin.H{"invites": out})
}
