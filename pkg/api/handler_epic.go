package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/voxlog/voxlog/pkg/models"
	"github.com/voxlog/voxlog/pkg/services"
)

// createEpicRequest is the body of POST /api/epics.
type createEpicRequest struct {
	Title       string   `json:"title" binding:"required"`
	Description string   `json:"description"`
	Aliases     []string `json:"aliases"`
}

func (s *Server) createEpicHandler(c *gin.Context) {
	var req createEpicRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title is required"})
		return
	}

	epic, err := s.epics.CreateEpic(c.Request.Context(), services.CreateEpicInput{
		Title:       req.Title,
		Description: req.Description,
		Aliases:     req.Aliases,
	})
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, epic)
}

func (s *Server) listEpicsHandler(c *gin.Context) {
	status := models.EpicStatus(c.Query("status"))
	epics, err := s.epics.ListEpics(c.Request.Context(), status)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"epics": epics})
}

// getEpicHandler returns the epic with its aliases and open work items.
func (s *Server) getEpicHandler(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	epic, err := s.epics.GetEpic(ctx, id)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}

	open := gin.H{}
	for _, kind := range []models.WorkItemKind{models.KindBlocker, models.KindDependency, models.KindIssue} {
		items, err := s.projections.OpenWorkItems(ctx, kind, id)
		if err != nil {
			abortWithServiceError(c, err)
			return
		}
		open[string(kind)+"s"] = items
	}
	actions, err := s.projections.OpenActions(ctx, id, 50)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"epic":         epic,
		"open_actions": actions,
		"open_items":   open,
	})
}

func (s *Server) archiveEpicHandler(c *gin.Context) {
	if err := s.epics.ArchiveEpic(c.Request.Context(), c.Param("id")); err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "archived"})
}

// addAliasRequest is the body of POST /api/epics/:id/aliases.
type addAliasRequest struct {
	Alias string `json:"alias" binding:"required"`
}

func (s *Server) addAliasHandler(c *gin.Context) {
	var req addAliasRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "alias is required"})
		return
	}
	id := c.Param("id")
	if _, err := s.epics.GetEpic(c.Request.Context(), id); err != nil {
		abortWithServiceError(c, err)
		return
	}
	if err := s.epics.AddAlias(c.Request.Context(), id, req.Alias); err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"alias": req.Alias})
}
