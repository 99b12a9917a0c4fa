// Package domain contains persistence models for prepaid packages.
package domain

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
)

// ValidDue lists the allowed package durations in days.
var ValidDue = map[int]bool{
	1: true, 3: true, 5: true, 7: true, 15: true, 30: true,
	45: true, 60: true, 90: true, 120: true, 180: true, 365: true,
}

// Package is a purchasable prepaid bundle.
type Package struct {
	ID               uuid.UUID  `gorm:"type:uuid;primaryKey"`
	PackageCode      string     `gorm:"type:text;not null;uniqueIndex"`
	PackageName      string     `gorm:"type:text;not null"`
	PackageDue       int        `gorm:"not null"`
	PackagePurePrice int64      `gorm:"type:decimal(20,2);not null"`
	PackagePrice     int64      `gorm:"type:decimal(20,2);not null"`
	PackageDiscount  int        `gorm:"not null;default:0"`
	PackageValue     int64      `gorm:"type:decimal(20,2);not null"`
	IsActive         bool       `gorm:"not null;default:true"`
	IsFeatured       bool       `gorm:"not null;default:false"`
	StartAt          *time.Time `gorm:""`
	EndAt            *time.Time `gorm:""`
	Checksum         string     `gorm:"type:varchar(512)"`
	CreatedAt        time.Time  `gorm:"not null;index;default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Package) TableName() string { return "packages" }

func (p Package) IntegrityModelName() string { return "package" }

func (p Package) IntegrityFields() []any {
	return []any{
		p.ID, p.PackageCode, p.PackageName, p.PackageDue,
		p.PackagePurePrice, p.PackagePrice, p.PackageDiscount, p.PackageValue,
		p.IsActive, p.IsFeatured,
	}
}

// Price computes the discounted, tax-included, ceiling-rounded package price,
// floored at zero.
func Price(value int64, taxPercent float64, discount int) int64 {
	taxed := value + int64(math.Ceil(float64(value)*taxPercent/100))
	price := taxed * int64(100-discount) / 100
	if price < 0 {
		return 0
	}
	return price
}

// AvailableAt reports whether the package can be sold at t.
func (p Package) AvailableAt(t time.Time) bool {
	if !p.IsActive {
		return false
	}
	if p.StartAt != nil && t.Before(*p.StartAt) {
		return false
	}
	if p.EndAt != nil && t.After(*p.EndAt) {
		return false
	}
	return true
}

type Service interface {
	List(ctx context.Context, activeOnly bool) ([]Package, error)
	GetByCode(ctx context.Context, packageCode string) (Package, error)
	Create(ctx context.Context, pkg Package) (Package, error)
	Update(ctx context.Context, packageCode string, pkg Package) (Package, error)
	Deactivate(ctx context.Context, packageCode string) error
}

var (
	ErrNotFound        = errors.New("package_not_found")
	ErrInvalidPackage  = errors.New("invalid_package")
	ErrInvalidDue      = errors.New("invalid_package_due")
	ErrInvalidDiscount = errors.New("invalid_package_discount")
	ErrDuplicateCode   = errors.New("duplicate_package_code")
	ErrNotAvailable    = errors.New("package_not_available")
)
