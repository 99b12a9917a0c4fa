package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	invoicedomain "github.com/nexfon/cbg/internal/invoice/domain"
	subscriptiondomain "github.com/nexfon/cbg/internal/subscription/domain"
)

type addSubscriptionRequest struct {
	SubscriptionCode string `json:"subscription_code" binding:"required"`
	Number           string `json:"number" binding:"required"`
	SubscriptionType string `json:"subscription_type" binding:"required"`
	CustomerCode     string `json:"customer_code" binding:"required"`
	AutoPay          bool   `json:"auto_pay"`
}

func (s *Server) AddSubscription(c *gin.Context) {
	var req addSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.subscriptionSvc.Add(c.Request.Context(), subscriptiondomain.AddSubscriptionRequest{
		SubscriptionCode: strings.TrimSpace(req.SubscriptionCode),
		Number:           strings.TrimSpace(req.Number),
		SubscriptionType: subscriptiondomain.SubscriptionType(req.SubscriptionType),
		CustomerCode:     strings.TrimSpace(req.CustomerCode),
		AutoPay:          req.AutoPay,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetSubscription(c *gin.Context) {
	resp, err := s.subscriptionSvc.GetByCode(c.Request.Context(), c.Param("code"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) RemoveSubscription(c *gin.Context) {
	if err := s.subscriptionSvc.Remove(c.Request.Context(), c.Param("code")); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"removed": true}})
}

func (s *Server) ChangeAvailability(c *gin.Context) {
	var req struct {
		Allocated *bool `json:"allocated" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Allocated == nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	if err := s.subscriptionSvc.ChangeAvailability(c.Request.Context(), c.Param("code"), *req.Allocated); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"allocated": *req.Allocated}})
}

func (s *Server) DeallocateSubscription(c *gin.Context) {
	var req struct {
		Cause string `json:"cause"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	cause := subscriptiondomain.DeallocationCause(req.Cause)
	if req.Cause == "" {
		cause = subscriptiondomain.CauseNormal
	}
	if err := s.subscriptionSvc.Deallocate(c.Request.Context(), c.Param("code"), cause); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"deallocated": true}})
}

func (s *Server) RenewBranch(c *gin.Context) {
	resp, err := s.subscriptionSvc.RenewBranch(c.Request.Context(), c.Param("code"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) RenewSubscriptionType(c *gin.Context) {
	resp, err := s.subscriptionSvc.RenewSubscriptionType(c.Request.Context(), c.Param("code"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) IssueInterimInvoice(c *gin.Context) {
	var req struct {
		Description string `json:"description"`
	}
	_ = c.ShouldBindJSON(&req)

	resp, err := s.invoiceSvc.IssueInterimInvoice(c.Request.Context(), invoicedomain.IssueInterimRequest{
		SubscriptionCode: c.Param("code"),
		Description:      strings.TrimSpace(req.Description),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) IssueBaseBalanceInvoice(c *gin.Context) {
	var req struct {
		OperationType string `json:"operation_type" binding:"required"`
		Amount        int64  `json:"amount" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.invoiceSvc.IssueBaseBalanceInvoice(c.Request.Context(), invoicedomain.BaseBalanceRequest{
		SubscriptionCode: c.Param("code"),
		OperationType:    invoicedomain.OperationType(req.OperationType),
		Amount:           req.Amount,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) PurchasePackage(c *gin.Context) {
	var req struct {
		PackageCode string `json:"package_code" binding:"required"`
		AutoRenew   bool   `json:"auto_renew"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.invoiceSvc.PurchasePackage(c.Request.Context(), invoicedomain.PurchasePackageRequest{
		SubscriptionCode: c.Param("code"),
		PackageCode:      strings.TrimSpace(req.PackageCode),
		AutoRenew:        req.AutoRenew,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) VerifyCredit(c *gin.Context) {
	repaired, err := s.invoiceSvc.VerifyAndRepair(c.Request.Context(), c.Query("branch_code"), c.Param("code"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"repaired": repaired}})
}
