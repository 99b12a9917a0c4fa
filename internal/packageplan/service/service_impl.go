package service

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/nexfon/cbg/internal/config"
	"github.com/nexfon/cbg/internal/integrity"
	packagedomain "github.com/nexfon/cbg/internal/packageplan/domain"
	"github.com/nexfon/cbg/pkg/db"
	"github.com/nexfon/cbg/pkg/db/option"
	"github.com/nexfon/cbg/pkg/repository"
)

// Packages carry the national VAT rate unless overridden per package.
const defaultTaxPercent = 9

type ServiceParam struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Config *config.Config
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	secret     string
	codePrefix string
	repo       repository.Repository[packagedomain.Package]
}

func NewService(p ServiceParam) packagedomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("package.service"),
		secret:     p.Config.SecretKey,
		codePrefix: p.Config.PackageCodePrefix,
		repo:       repository.ProvideStore[packagedomain.Package](p.DB),
	}
}

func (s *Service) List(ctx context.Context, activeOnly bool) ([]packagedomain.Package, error) {
	filter := &packagedomain.Package{}
	if activeOnly {
		filter.IsActive = true
	}

	items, err := s.repo.Find(ctx, filter,
		option.WithSortBy(option.QuerySortBy{Field: "package_due", Allow: map[string]bool{"package_due": true}}),
	)
	if err != nil {
		return nil, err
	}

	packages := make([]packagedomain.Package, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		if activeOnly && !item.IsActive {
			continue
		}
		packages = append(packages, *item)
	}
	return packages, nil
}

func (s *Service) GetByCode(ctx context.Context, packageCode string) (packagedomain.Package, error) {
	item, err := s.repo.FindOne(ctx, &packagedomain.Package{PackageCode: packageCode})
	if err != nil {
		return packagedomain.Package{}, err
	}
	if item == nil {
		return packagedomain.Package{}, packagedomain.ErrNotFound
	}
	return *item, nil
}

func (s *Service) Create(ctx context.Context, pkg packagedomain.Package) (packagedomain.Package, error) {
	if err := validate(&pkg); err != nil {
		return packagedomain.Package{}, err
	}

	if pkg.PackageCode == "" {
		pkg.PackageCode = s.codePrefix + slug.Make(pkg.PackageName)
	}

	pkg.ID = uuid.New()
	pkg.PackagePrice = packagedomain.Price(pkg.PackagePurePrice, defaultTaxPercent, pkg.PackageDiscount)
	pkg.Checksum = integrity.Checksum(s.secret, pkg)

	if err := s.repo.Create(ctx, &pkg); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return packagedomain.Package{}, packagedomain.ErrDuplicateCode
		}
		return packagedomain.Package{}, err
	}
	return pkg, nil
}

func (s *Service) Update(ctx context.Context, packageCode string, pkg packagedomain.Package) (packagedomain.Package, error) {
	current, err := s.GetByCode(ctx, packageCode)
	if err != nil {
		return packagedomain.Package{}, err
	}
	if err := validate(&pkg); err != nil {
		return packagedomain.Package{}, err
	}

	current.PackageName = pkg.PackageName
	current.PackageDue = pkg.PackageDue
	current.PackagePurePrice = pkg.PackagePurePrice
	current.PackageDiscount = pkg.PackageDiscount
	current.PackageValue = pkg.PackageValue
	current.IsActive = pkg.IsActive
	current.IsFeatured = pkg.IsFeatured
	current.StartAt = pkg.StartAt
	current.EndAt = pkg.EndAt
	current.PackagePrice = packagedomain.Price(current.PackagePurePrice, defaultTaxPercent, current.PackageDiscount)
	current.Checksum = integrity.Checksum(s.secret, current)

	if err := s.repo.Save(ctx, &current); err != nil {
		return packagedomain.Package{}, err
	}
	return current, nil
}

func (s *Service) Deactivate(ctx context.Context, packageCode string) error {
	current, err := s.GetByCode(ctx, packageCode)
	if err != nil {
		return err
	}

	current.IsActive = false
	current.Checksum = integrity.Checksum(s.secret, current)
	return s.repo.Save(ctx, &current)
}

func validate(pkg *packagedomain.Package) error {
	pkg.PackageName = strings.TrimSpace(pkg.PackageName)
	if pkg.PackageName == "" || pkg.PackagePurePrice < 0 || pkg.PackageValue <= 0 {
		return packagedomain.ErrInvalidPackage
	}
	if !packagedomain.ValidDue[pkg.PackageDue] {
		return packagedomain.ErrInvalidDue
	}
	if pkg.PackageDiscount < 0 || pkg.PackageDiscount > 100 {
		return packagedomain.ErrInvalidDiscount
	}
	if pkg.StartAt != nil && pkg.EndAt != nil && pkg.EndAt.Before(*pkg.StartAt) {
		return packagedomain.ErrInvalidPackage
	}
	return nil
}
