package search

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/akriventsev/shopflow/framework/core"
)

// MaxLimit верхняя граница параметра limit
const MaxLimit = 100

// SearchResponse ответ GET /search
type SearchResponse struct {
	Query   string     `json:"query"`
	Count   int        `json:"count"`
	Results []Document `json:"results"`
}

// RegisterRoutes монтирует GET /search
func RegisterRoutes(r gin.IRouter, engine *Engine) {
	r.GET("/search", engine.handleSearch)
}

func (e *Engine) handleSearch(c *gin.Context) {
	text := c.Query("q")

	limit := e.limit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > MaxLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer between 1 and " + strconv.Itoa(MaxLimit)})
			return
		}
		limit = n
	}

	docs, err := e.SearchN(c.Request.Context(), text, limit)
	if err != nil {
		status := http.StatusInternalServerError
		if core.HasCode(err, core.ErrTransientInfra) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, SearchResponse{Query: text, Count: len(docs), Results: docs})
}
