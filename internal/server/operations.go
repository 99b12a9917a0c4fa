package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	runtimeconfigdomain "github.com/nexfon/cbg/internal/runtimeconfig/domain"
)

func (s *Server) ListProfits(c *gin.Context) {
	resp, err := s.profitSvc.List(c.Request.Context(), strings.TrimSpace(c.Query("operator_code")))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ReceiveProfit(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	resp, err := s.profitSvc.Receive(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) RevokeProfit(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	resp, err := s.profitSvc.Revoke(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListRuntimeConfigs(c *gin.Context) {
	resp, err := s.runtimeConfigSvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) SaveRuntimeConfig(c *gin.Context) {
	var req struct {
		Value string `json:"value" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	resp, err := s.runtimeConfigSvc.Save(c.Request.Context(), runtimeconfigdomain.Key(c.Param("key")), req.Value)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListFailedJobs(c *gin.Context) {
	resp, err := s.failedJobSvc.ListPending(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ReplayFailedJobs(c *gin.Context) {
	replayed, err := s.failedJobSvc.ReplayPending(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"replayed": replayed}})
}
