package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"sourcewatch/types"
)

const defaultListLimit = 100

func (s *Server) registerReportRoutes(r *gin.Engine) {
	g := r.Group("/api")
	g.GET("/reports", s.handleListReports)
	g.GET("/reports/lineage", s.handleLineage)
	g.GET("/articles", s.handleListArticles)
}

// LineageEntry is one path from a notification to a report.
type LineageEntry struct {
	NotificationID string     `json:"notification_id"`
	SeenAt         *time.Time `json:"seen_at,omitempty"`
	ArticleURL     string     `json:"article_url"`
	ArticleTitle   string     `json:"article_title,omitempty"`
}

// LineageResponse is the JSON response for GET /api/reports/lineage
type LineageResponse struct {
	SourceURL string         `json:"source_url"`
	Title     string         `json:"title"`
	Lineage   []LineageEntry `json:"lineage"`
}

// handleListReports handles GET /api/reports
// Query params: severity (optional), limit (int, optional)
func (s *Server) handleListReports(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	var severity types.Severity
	if v := c.Query("severity"); v != "" {
		sev, err := types.ParseSeverity(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		severity = sev
	}

	snap, err := s.store.Load(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load state: " + err.Error()})
		return
	}

	items := make([]*types.CanonicalSource, 0)
	for _, src := range snap.SortedSources() {
		if severity != "" && src.Severity != severity {
			continue
		}
		if len(items) == limit {
			break
		}
		items = append(items, src)
	}
	c.JSON(http.StatusOK, gin.H{"total": len(snap.Sources), "reports": items})
}

// handleLineage handles GET /api/reports/lineage?url=
func (s *Server) handleLineage(c *gin.Context) {
	raw := strings.TrimSpace(c.Query("url"))
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
		return
	}
	key, err := s.canon.Canonicalize(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	snap, err := s.store.Load(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load state: " + err.Error()})
		return
	}
	src, ok := snap.Sources[key]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no report for " + key})
		return
	}

	resp := LineageResponse{SourceURL: src.SourceURL, Title: src.Title, Lineage: make([]LineageEntry, 0, len(src.Lineage))}
	for _, e := range src.Lineage {
		entry := LineageEntry{NotificationID: e.NotificationID, ArticleURL: e.ArticleURL}
		if seen, ok := snap.Notifications[e.NotificationID]; ok {
			entry.SeenAt = &seen
		}
		if a, ok := snap.Articles[e.ArticleURL]; ok {
			entry.ArticleTitle = a.Title
		}
		resp.Lineage = append(resp.Lineage, entry)
	}
	c.JSON(http.StatusOK, resp)
}

// handleListArticles handles GET /api/articles
// Query params: classification (optional), limit (int, optional)
func (s *Server) handleListArticles(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	classification := types.Classification(c.Query("classification"))
	if classification != "" && !classification.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown classification " + string(classification)})
		return
	}

	snap, err := s.store.Load(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load state: " + err.Error()})
		return
	}

	items := make([]*types.ProcessedArticle, 0)
	for _, a := range snap.SortedArticles() {
		if classification != "" && a.Classification != classification {
			continue
		}
		if len(items) == limit {
			break
		}
		items = append(items, a)
	}
	c.JSON(http.StatusOK, gin.H{"total": len(snap.Articles), "articles": items})
}

func parseLimit(c *gin.Context) (int, bool) {
	v := c.Query("limit")
	if v == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return 0, false
	}
	return n, true
}
