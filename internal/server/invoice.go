package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	invoicedomain "github.com/nexfon/cbg/internal/invoice/domain"
)

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) GetInvoice(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	resp, err := s.invoiceSvc.GetInvoice(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) DeleteInvoice(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := s.invoiceSvc.DeleteInvoice(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"deleted": true}})
}

type issuePeriodicRequest struct {
	SubscriptionID string    `json:"subscription_id" binding:"required"`
	FromDate       time.Time `json:"from_date" binding:"required"`
	ToDate         time.Time `json:"to_date" binding:"required"`
	Description    string    `json:"description"`
}

func (s *Server) IssuePeriodicInvoice(c *gin.Context) {
	var req issuePeriodicRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	subscriptionID, err := uuid.Parse(strings.TrimSpace(req.SubscriptionID))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.invoiceSvc.IssuePeriodicInvoice(c.Request.Context(), invoicedomain.IssuePeriodicRequest{
		SubscriptionID: subscriptionID,
		FromDate:       req.FromDate,
		ToDate:         req.ToDate,
		Description:    strings.TrimSpace(req.Description),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ExpirePackageInvoice(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	resp, err := s.invoiceSvc.ExpirePackageInvoice(c.Request.Context(), id, s.clock.Now())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}
