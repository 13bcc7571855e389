package metrics

import (
	"database/sql"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HealthChecker answers GET /healthz. A nil db is tolerated for tests.
type HealthChecker struct {
	db *sql.DB
}

// NewHealthChecker wraps db for use by the /healthz route.
func NewHealthChecker(db *sql.DB) *HealthChecker {
	return &HealthChecker{db: db}
}

// ServeHTTP pings the database and responds 200 when reachable, 503 otherwise.
func (h *HealthChecker) ServeHTTP(c *gin.Context) {
	if h.db != nil {
		if err := h.db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
