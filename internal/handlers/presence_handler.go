package handlers

import (
	"context"
	"errors"
	"net/http"
	"sort"

	"workflow-collab-api/internal/auth"
	"workflow-collab-api/internal/middleware"
	"workflow-collab-api/internal/realtime"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// OnlineLookup answers cross-node "is this user online" queries.
type OnlineLookup interface {
	Lookup(ctx context.Context, userID string) (map[string]string, error)
}

// PresenceHandler serves the REST views of realtime state.
type PresenceHandler struct {
	hub    *realtime.Hub
	users  auth.IdentityStore
	online OnlineLookup // nil when the presence mirror is disabled
	nodeID string
	log    *zap.Logger
}

func NewPresenceHandler(hub *realtime.Hub, users auth.IdentityStore, online OnlineLookup, nodeID string, log *zap.Logger) *PresenceHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &PresenceHandler{hub: hub, users: users, online: online, nodeID: nodeID, log: log}
}

// PresenceQuery selects the room to inspect.
type PresenceQuery struct {
	ResourceType string `form:"resourceType" binding:"required,oneof=workflow process dashboard organization"`
	ResourceID   string `form:"resourceId" binding:"required,max=128"`
}

// GetPresence lists the collaborators in a room with their fresh cursors.
// Rooms without members report active=false and no timestamps.
// GET /api/collaboration/presence?resourceType=&resourceId=
func (h *PresenceHandler) GetPresence(c *gin.Context) {
	identity, ok := middleware.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authorized"})
		return
	}

	var q PresenceQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "resourceType and resourceId are required",
			"code":  realtime.CodeMalformedEvent,
		})
		return
	}

	key := realtime.RoomKey{ResourceType: q.ResourceType, ResourceID: q.ResourceID}
	collaborators, err := h.hub.Presence(c.Request.Context(), identity, key)
	if errors.Is(err, realtime.ErrTenantMismatch) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Resource belongs to another organization", "code": realtime.CodeTenantMismatch})
		return
	}
	if err != nil {
		h.log.Error("presence snapshot", zap.Stringer("room", key), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load presence", "code": realtime.CodeInternal})
		return
	}

	resp := gin.H{
		"room":          key.String(),
		"collaborators": collaborators,
		"count":         len(collaborators),
		"active":        false,
	}
	if info, ok := h.hub.Directory().Info(key); ok {
		resp["active"] = true
		resp["createdAt"] = info.CreatedAt
		resp["lastActivity"] = info.LastActivity
	}
	c.JSON(http.StatusOK, resp)
}

// GetStats reports how many rooms and sessions this node holds.
// GET /api/realtime/stats
func (h *PresenceHandler) GetStats(c *gin.Context) {
	stats := h.hub.Stats()
	c.JSON(http.StatusOK, gin.H{
		"nodeId":   h.nodeID,
		"rooms":    stats.Rooms,
		"sessions": stats.Sessions,
	})
}

// GetOnline reports whether a user of the caller's organization is connected
// to any node.
// GET /api/realtime/online/:userId
func (h *PresenceHandler) GetOnline(c *gin.Context) {
	if h.online == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Presence mirror is disabled"})
		return
	}
	identity, ok := middleware.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authorized"})
		return
	}

	userID := c.Param("userId")
	target, err := h.users.LookupUser(c.Request.Context(), userID)
	if errors.Is(err, auth.ErrIdentityNotFound) || (err == nil && target.OrganizationID != identity.OrganizationID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}
	if err != nil {
		h.log.Error("lookup user", zap.String("userId", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load user"})
		return
	}

	sessions, err := h.online.Lookup(c.Request.Context(), userID)
	if err != nil {
		h.log.Error("lookup presence", zap.String("userId", userID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Presence mirror unavailable"})
		return
	}

	nodes := make([]string, 0, len(sessions))
	seen := map[string]bool{}
	for _, node := range sessions {
		if !seen[node] {
			seen[node] = true
			nodes = append(nodes, node)
		}
	}
	sort.Strings(nodes)

	c.JSON(http.StatusOK, gin.H{
		"userId":   userID,
		"online":   len(sessions) > 0,
		"sessions": len(sessions),
		"nodes":    nodes,
	})
}
