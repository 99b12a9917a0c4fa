package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/datatypes"

	paymentdomain "github.com/nexfon/cbg/internal/payment/domain"
)

type createPaymentRequest struct {
	CreditInvoiceID string         `json:"credit_invoice_id" binding:"required"`
	Gateway         string         `json:"gateway" binding:"required"`
	ExtraData       datatypes.JSON `json:"extra_data"`
}

func (s *Server) CreatePayment(c *gin.Context) {
	var req createPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	creditInvoiceID, err := uuid.Parse(strings.TrimSpace(req.CreditInvoiceID))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.paymentSvc.Create(c.Request.Context(), paymentdomain.CreateRequest{
		CreditInvoiceID: creditInvoiceID,
		Gateway:         strings.TrimSpace(req.Gateway),
		ExtraData:       req.ExtraData,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetPayment(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	resp, err := s.paymentSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type resolvePaymentRequest struct {
	Succeeded *bool          `json:"succeeded" binding:"required"`
	ExtraData datatypes.JSON `json:"extra_data"`
}

func (s *Server) ResolvePayment(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req resolvePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Succeeded == nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.paymentSvc.Resolve(c.Request.Context(), id, *req.Succeeded, req.ExtraData)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}
