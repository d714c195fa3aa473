package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/coachpay/internal/outbox"
)

// DrainOutbox delivers every due notification now instead of waiting for the
// next scheduler tick.
func (s *Server) DrainOutbox(c *gin.Context) {
	if s.scheduler == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	stats, err := s.scheduler.DrainOutbox(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": stats})
}

func (s *Server) GetOutboxStats(c *gin.Context) {
	ctx := c.Request.Context()
	counts := make(map[outbox.Status]int64, 3)
	for _, status := range []outbox.Status{outbox.StatusPending, outbox.StatusSent, outbox.StatusDead} {
		n, err := s.outboxRepo.CountByStatus(ctx, s.db, status)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		counts[status] = n
	}
	c.JSON(http.StatusOK, gin.H{"data": counts})
}
