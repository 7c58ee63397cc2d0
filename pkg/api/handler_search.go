package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/voxlog/voxlog/pkg/services"
)

// searchHandler handles GET /api/search?q=...&epic_id=...&limit=...
func (s *Server) searchHandler(c *gin.Context) {
	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "q is required"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	results, err := s.search.Search(c.Request.Context(), query, c.Query("epic_id"), limit)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	if results == nil {
		results = []services.SearchResult{}
	}
	c.JSON(http.StatusOK, gin.H{"results": results, "count": len(results)})
}
