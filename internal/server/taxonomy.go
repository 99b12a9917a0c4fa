package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	destinationdomain "github.com/nexfon/cbg/internal/destination/domain"
	operatordomain "github.com/nexfon/cbg/internal/operator/domain"
	packagedomain "github.com/nexfon/cbg/internal/packageplan/domain"
	"github.com/nexfon/cbg/pkg/db/pagination"
)

func parseDestinationIDs(raw []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(raw))
	for _, item := range raw {
		id, err := uuid.Parse(strings.TrimSpace(item))
		if err != nil {
			return nil, ErrInvalidRequest
		}
		ids = append(ids, id)
	}
	return ids, nil
}

type destinationRequest struct {
	Prefix      string `json:"prefix" binding:"required"`
	Name        string `json:"name" binding:"required"`
	CountryCode string `json:"country_code"`
	Code        string `json:"code" binding:"required"`
}

func (r destinationRequest) model() destinationdomain.Destination {
	return destinationdomain.Destination{
		Prefix:      strings.TrimSpace(r.Prefix),
		Name:        strings.TrimSpace(r.Name),
		CountryCode: strings.TrimSpace(r.CountryCode),
		Code:        destinationdomain.DestinationCode(r.Code),
	}
}

func (s *Server) ListDestinations(c *gin.Context) {
	var query struct {
		pagination.Pagination
		Prefix string `form:"prefix"`
		Code   string `form:"code"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	req := destinationdomain.ListDestinationRequest{Pagination: query.Pagination}
	if prefix := strings.TrimSpace(query.Prefix); prefix != "" {
		req.Prefix = &prefix
	}
	if query.Code != "" {
		code := destinationdomain.DestinationCode(query.Code)
		req.Code = &code
	}

	resp, err := s.destinationSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetDestination(c *gin.Context) {
	resp, err := s.destinationSvc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) CreateDestination(c *gin.Context) {
	var req destinationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	resp, err := s.destinationSvc.Create(c.Request.Context(), req.model())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) UpdateDestination(c *gin.Context) {
	var req destinationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	resp, err := s.destinationSvc.Update(c.Request.Context(), c.Param("id"), req.model())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) DeleteDestination(c *gin.Context) {
	if err := s.destinationSvc.Delete(c.Request.Context(), c.Param("id")); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"deleted": true}})
}

type branchRequest struct {
	BranchCode     string   `json:"branch_code" binding:"required"`
	BranchName     string   `json:"branch_name" binding:"required"`
	DestinationIDs []string `json:"destination_ids"`
}

func (s *Server) ListBranches(c *gin.Context) {
	resp, err := s.branchSvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetBranch(c *gin.Context) {
	resp, err := s.branchSvc.GetByCode(c.Request.Context(), c.Param("code"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) CreateBranch(c *gin.Context) {
	var req branchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	ids, err := parseDestinationIDs(req.DestinationIDs)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	resp, err := s.branchSvc.Create(c.Request.Context(), strings.TrimSpace(req.BranchCode), strings.TrimSpace(req.BranchName), ids)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) UpdateBranch(c *gin.Context) {
	var req branchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	ids, err := parseDestinationIDs(req.DestinationIDs)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	resp, err := s.branchSvc.Update(c.Request.Context(), c.Param("code"), strings.TrimSpace(req.BranchName), ids)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) DeleteBranch(c *gin.Context) {
	if err := s.branchSvc.Delete(c.Request.Context(), c.Param("code")); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"deleted": true}})
}

func (s *Server) SyncBranch(c *gin.Context) {
	if err := s.branchSvc.Sync(c.Request.Context(), c.Param("code")); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"synced": true}})
}

type operatorRequest struct {
	OperatorCode            string   `json:"operator_code" binding:"required"`
	InboundRate             int64    `json:"inbound_rate"`
	OutboundRate            int64    `json:"outbound_rate"`
	RateTimeType            string   `json:"rate_time_type" binding:"required"`
	RateTime                int      `json:"rate_time" binding:"required"`
	InboundDivideOnPercent  int      `json:"inbound_divide_on_percent"`
	OutboundDivideOnPercent int      `json:"outbound_divide_on_percent"`
	DestinationIDs          []string `json:"destination_ids"`
}

func (r operatorRequest) model() operatordomain.Operator {
	return operatordomain.Operator{
		OperatorCode:            strings.TrimSpace(r.OperatorCode),
		InboundRate:             r.InboundRate,
		OutboundRate:            r.OutboundRate,
		RateTimeType:            operatordomain.RateTimeType(r.RateTimeType),
		RateTime:                r.RateTime,
		InboundDivideOnPercent:  r.InboundDivideOnPercent,
		OutboundDivideOnPercent: r.OutboundDivideOnPercent,
	}
}

func (s *Server) ListOperators(c *gin.Context) {
	resp, err := s.operatorSvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetOperator(c *gin.Context) {
	resp, err := s.operatorSvc.GetByCode(c.Request.Context(), c.Param("code"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) CreateOperator(c *gin.Context) {
	var req operatorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	ids, err := parseDestinationIDs(req.DestinationIDs)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	resp, err := s.operatorSvc.Create(c.Request.Context(), req.model(), ids)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) UpdateOperator(c *gin.Context) {
	var req operatorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	ids, err := parseDestinationIDs(req.DestinationIDs)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	resp, err := s.operatorSvc.Update(c.Request.Context(), c.Param("code"), req.model(), ids)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) DeleteOperator(c *gin.Context) {
	if err := s.operatorSvc.Delete(c.Request.Context(), c.Param("code")); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"deleted": true}})
}

type packageRequest struct {
	PackageCode      string     `json:"package_code"`
	PackageName      string     `json:"package_name" binding:"required"`
	PackageDue       int        `json:"package_due" binding:"required"`
	PackagePurePrice int64      `json:"package_pure_price" binding:"required"`
	PackageDiscount  int        `json:"package_discount"`
	PackageValue     int64      `json:"package_value" binding:"required"`
	IsFeatured       bool       `json:"is_featured"`
	StartAt          *time.Time `json:"start_at"`
	EndAt            *time.Time `json:"end_at"`
}

func (r packageRequest) model() packagedomain.Package {
	return packagedomain.Package{
		PackageCode:      strings.TrimSpace(r.PackageCode),
		PackageName:      strings.TrimSpace(r.PackageName),
		PackageDue:       r.PackageDue,
		PackagePurePrice: r.PackagePurePrice,
		PackageDiscount:  r.PackageDiscount,
		PackageValue:     r.PackageValue,
		IsFeatured:       r.IsFeatured,
		StartAt:          r.StartAt,
		EndAt:            r.EndAt,
	}
}

func (s *Server) ListPackages(c *gin.Context) {
	activeOnly := c.Query("active_only") == "true"
	resp, err := s.packageSvc.List(c.Request.Context(), activeOnly)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetPackage(c *gin.Context) {
	resp, err := s.packageSvc.GetByCode(c.Request.Context(), c.Param("code"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) CreatePackage(c *gin.Context) {
	var req packageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	resp, err := s.packageSvc.Create(c.Request.Context(), req.model())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) UpdatePackage(c *gin.Context) {
	var req packageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	resp, err := s.packageSvc.Update(c.Request.Context(), c.Param("code"), req.model())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) DeactivatePackage(c *gin.Context) {
	if err := s.packageSvc.Deactivate(c.Request.Context(), c.Param("code")); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"deactivated": true}})
}
