package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	subscriptiondomain "github.com/smallbiznis/coachpay/internal/subscription/domain"
)

const timeLayout = time.RFC3339

type subscriptionView struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	BadgeType string `json:"badgeType"`
	Status    string `json:"status"`
	Price     int64  `json:"price"`
	Currency  string `json:"currency"`
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
	AutoRenew bool   `json:"autoRenew"`
}

func newSubscriptionView(sub subscriptiondomain.Subscription) subscriptionView {
	return subscriptionView{
		ID:        sub.ID.String(),
		UserID:    sub.UserID,
		BadgeType: sub.BadgeType,
		Status:    string(sub.Status),
		Price:     sub.Price,
		Currency:  sub.Currency,
		StartDate: sub.StartDate.UTC().Format(timeLayout),
		EndDate:   sub.EndDate.UTC().Format(timeLayout),
		AutoRenew: sub.AutoRenew,
	}
}

func (s *Server) GetSubscription(c *gin.Context) {
	sub, err := s.subscriptionSvc.GetByUserID(c.Request.Context(), strings.TrimSpace(c.Param("userId")))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": newSubscriptionView(sub)})
}

func (s *Server) RenewSubscription(c *gin.Context) {
	sub, err := s.subscriptionSvc.Renew(c.Request.Context(), strings.TrimSpace(c.Param("userId")))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": newSubscriptionView(sub)})
}

func (s *Server) CancelSubscription(c *gin.Context) {
	sub, err := s.subscriptionSvc.Cancel(c.Request.Context(), strings.TrimSpace(c.Param("userId")))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": newSubscriptionView(sub)})
}
