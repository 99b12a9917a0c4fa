package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	branchdomain "github.com/nexfon/cbg/internal/branch/domain"
	"github.com/nexfon/cbg/internal/cache"
	"github.com/nexfon/cbg/internal/clock"
	"github.com/nexfon/cbg/internal/config"
	destinationdomain "github.com/nexfon/cbg/internal/destination/domain"
	failedjobdomain "github.com/nexfon/cbg/internal/failedjob/domain"
	"github.com/nexfon/cbg/internal/integrity"
	"github.com/nexfon/cbg/internal/ratingengine"
	"github.com/nexfon/cbg/pkg/db"
)

// Rating plans for traffic outside any configured branch.
const (
	defaultRatePlan       = "DR_Default"
	internationalRatePlan = "DR_International"

	branchPlanWeight   = 20
	fallbackPlanWeight = 10

	// The rating engine refuses profiles activated in the future; backdating
	// keeps the profile live across clock skew.
	activationBackdate = 12 * time.Hour
)

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Config     *config.Config
	Clock      clock.Clock
	Rating     ratingengine.Client
	RateBounds *cache.RateBoundsCache
	FailedJobs failedjobdomain.Service
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	secret     string
	clock      clock.Clock
	rating     ratingengine.Client
	rateBounds *cache.RateBoundsCache
	failedJobs failedjobdomain.Service
}

type syncArgs struct {
	BranchCode string `json:"branch_code"`
}

func NewService(p ServiceParam) branchdomain.Service {
	s := &Service{
		db:         p.DB,
		log:        p.Log.Named("branch.service"),
		secret:     p.Config.SecretKey,
		clock:      p.Clock,
		rating:     p.Rating,
		rateBounds: p.RateBounds,
		failedJobs: p.FailedJobs,
	}
	p.FailedJobs.Register("BranchService", "sync", s.replaySync)
	return s
}

func (s *Service) List(ctx context.Context) ([]branchdomain.Branch, error) {
	var branches []branchdomain.Branch
	err := s.db.WithContext(ctx).
		Preload("Destinations").
		Order("branch_code").
		Find(&branches).Error
	return branches, err
}

func (s *Service) GetByCode(ctx context.Context, branchCode string) (branchdomain.Branch, error) {
	var branch branchdomain.Branch
	err := s.db.WithContext(ctx).
		Preload("Destinations").
		Where("branch_code = ?", branchCode).
		First(&branch).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return branchdomain.Branch{}, branchdomain.ErrNotFound
		}
		return branchdomain.Branch{}, err
	}
	return branch, nil
}

// EnsureSeeded inserts the reserved branches when absent. They own no
// destinations; default is the prefix-resolution fallback, country and
// emergency back fixed rating profiles. Safe to run on every startup.
func (s *Service) EnsureSeeded(ctx context.Context) error {
	for _, code := range []string{branchdomain.CodeDefault, branchdomain.CodeCountry, branchdomain.CodeEmergency} {
		_, err := s.GetByCode(ctx, code)
		if err == nil {
			continue
		}
		if !errors.Is(err, branchdomain.ErrNotFound) {
			return err
		}

		branch := branchdomain.Branch{
			ID:         uuid.New(),
			BranchCode: code,
			BranchName: code,
		}
		branch.Checksum = integrity.Checksum(s.secret, branch)
		if err := s.db.WithContext(ctx).Create(&branch).Error; err != nil {
			// Another process seeded the row between the read and the write.
			if db.IsDuplicateKeyErr(err) {
				continue
			}
			return err
		}
		s.log.Info("reserved branch seeded", zap.String("branch_code", code))
	}
	return nil
}

func (s *Service) Create(ctx context.Context, branchCode, branchName string, destinationIDs []uuid.UUID) (branchdomain.Branch, error) {
	branchCode = strings.TrimSpace(branchCode)
	if branchCode == "" {
		return branchdomain.Branch{}, branchdomain.ErrInvalidCode
	}
	if branchdomain.IsSpecialCode(branchCode) {
		return branchdomain.Branch{}, branchdomain.ErrSpecialBranch
	}

	branch := branchdomain.Branch{
		ID:         uuid.New(),
		BranchCode: branchCode,
		BranchName: branchName,
	}
	branch.Checksum = integrity.Checksum(s.secret, branch)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&branch).Error; err != nil {
			if db.IsDuplicateKeyErr(err) {
				return branchdomain.ErrDuplicateCode
			}
			return err
		}
		return s.replaceDestinations(tx, &branch, destinationIDs)
	})
	if err != nil {
		return branchdomain.Branch{}, err
	}

	if err := s.Sync(ctx, branch.BranchCode); err != nil {
		s.log.Warn("branch created but rating engine sync failed",
			zap.String("branch_code", branch.BranchCode),
			zap.Error(err))
	}
	return s.GetByCode(ctx, branch.BranchCode)
}

func (s *Service) Update(ctx context.Context, branchCode, branchName string, destinationIDs []uuid.UUID) (branchdomain.Branch, error) {
	if branchdomain.IsSpecialCode(branchCode) {
		return branchdomain.Branch{}, branchdomain.ErrSpecialBranch
	}

	branch, err := s.GetByCode(ctx, branchCode)
	if err != nil {
		return branchdomain.Branch{}, err
	}

	branch.BranchName = branchName
	branch.Checksum = integrity.Checksum(s.secret, branch)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&branchdomain.Branch{}).
			Where("id = ?", branch.ID).
			Updates(map[string]any{
				"branch_name": branch.BranchName,
				"checksum":    branch.Checksum,
			}).Error; err != nil {
			return err
		}
		return s.replaceDestinations(tx, &branch, destinationIDs)
	})
	if err != nil {
		return branchdomain.Branch{}, err
	}

	if err := s.Sync(ctx, branch.BranchCode); err != nil {
		s.log.Warn("branch updated but rating engine sync failed",
			zap.String("branch_code", branch.BranchCode),
			zap.Error(err))
	}
	return s.GetByCode(ctx, branch.BranchCode)
}

func (s *Service) Delete(ctx context.Context, branchCode string) error {
	if branchdomain.IsSpecialCode(branchCode) {
		return branchdomain.ErrSpecialBranch
	}

	branch, err := s.GetByCode(ctx, branchCode)
	if err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Table("branch_destinations").
			Where("branch_id = ?", branch.ID).
			Delete(nil).Error; err != nil {
			return err
		}
		return tx.Delete(&branchdomain.Branch{}, "id = ?", branch.ID).Error
	})
	if err != nil {
		return err
	}

	s.rateBounds.Invalidate(branchCode)
	return nil
}

func (s *Service) Resolve(ctx context.Context, number string) (branchdomain.Branch, error) {
	number = strings.TrimSpace(number)
	if number == "" {
		return branchdomain.Branch{}, branchdomain.ErrInvalidCode
	}

	branches, err := s.List(ctx)
	if err != nil {
		return branchdomain.Branch{}, err
	}

	best := -1
	var owners []branchdomain.Branch
	for _, branch := range branches {
		longest := -1
		for _, dest := range branch.Destinations {
			if !strings.HasPrefix(number, dest.Prefix) {
				continue
			}
			if len(dest.Prefix) > longest {
				longest = len(dest.Prefix)
			}
		}
		if longest < 0 {
			continue
		}
		switch {
		case longest > best:
			best = longest
			owners = []branchdomain.Branch{branch}
		case longest == best:
			owners = append(owners, branch)
		}
	}

	switch len(owners) {
	case 0:
		return s.GetByCode(ctx, branchdomain.CodeDefault)
	case 1:
		return owners[0], nil
	default:
		codes := make([]string, 0, len(owners))
		for _, owner := range owners {
			codes = append(codes, owner.BranchCode)
		}
		s.log.Warn("branch resolve conflict",
			zap.String("number", number),
			zap.Strings("branches", codes))
		return branchdomain.Branch{}, branchdomain.ErrResolveConflict
	}
}

// Sync pushes destination rates, the rating plan, and the rating profile in
// order, then invalidates cached bounds and reloads the tariff plan. A
// failure at any step aborts the chain; the whole sync is captured for replay.
func (s *Service) Sync(ctx context.Context, branchCode string) error {
	if err := s.sync(ctx, branchCode); err != nil {
		s.failedJobs.Capture(ctx, failedjobdomain.CaptureRequest{
			JobTitle:    "branch rating engine sync",
			ServiceName: "BranchService",
			MethodName:  "sync",
			MethodArgs:  syncArgs{BranchCode: branchCode},
			Err:         err,
		})
		return err
	}
	return nil
}

func (s *Service) sync(ctx context.Context, branchCode string) error {
	branch, err := s.GetByCode(ctx, branchCode)
	if err != nil {
		return err
	}

	rates := make([]ratingengine.DestinationRate, 0, len(branch.Destinations))
	for _, dest := range branch.Destinations {
		rates = append(rates, ratingengine.DestinationRate{
			Code:   string(dest.Code),
			Name:   dest.Name,
			Prefix: dest.Prefix,
		})
	}
	if err := s.rating.SetDestinationRates(ctx, rates); err != nil {
		return fmt.Errorf("set destination rates: %w", err)
	}

	plan := ratingengine.RatingPlan{
		ID: planID(branch.BranchCode),
		Entries: []ratingengine.RatingPlanEntry{
			{DestinationRateID: planID(branch.BranchCode), Weight: branchPlanWeight},
			{DestinationRateID: defaultRatePlan, Weight: fallbackPlanWeight},
			{DestinationRateID: internationalRatePlan, Weight: fallbackPlanWeight},
		},
	}
	if err := s.rating.SetRatingPlan(ctx, plan); err != nil {
		return fmt.Errorf("set rating plan: %w", err)
	}

	profile := ratingengine.RatingProfile{
		Account:        branch.BranchCode,
		RatingPlanID:   plan.ID,
		ActivationTime: s.clock.Now().Add(-activationBackdate),
	}
	if err := s.rating.SetRatingProfile(ctx, profile); err != nil {
		return fmt.Errorf("set rating profile: %w", err)
	}

	s.rateBounds.Invalidate(branch.BranchCode)

	if err := s.rating.LoadTariffPlan(ctx); err != nil {
		return fmt.Errorf("load tariff plan: %w", err)
	}
	return nil
}

func (s *Service) replaySync(ctx context.Context, raw json.RawMessage) error {
	var args syncArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return err
	}
	return s.sync(ctx, args.BranchCode)
}

func (s *Service) replaceDestinations(tx *gorm.DB, branch *branchdomain.Branch, destinationIDs []uuid.UUID) error {
	if destinationIDs == nil {
		return nil
	}

	if err := tx.Table("branch_destinations").
		Where("branch_id = ?", branch.ID).
		Delete(nil).Error; err != nil {
		return err
	}

	for _, destID := range destinationIDs {
		var dest destinationdomain.Destination
		if err := tx.First(&dest, "id = ?", destID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return destinationdomain.ErrNotFound
			}
			return err
		}
		if err := tx.Exec(
			`INSERT INTO branch_destinations (branch_id, destination_id) VALUES (?, ?) ON CONFLICT DO NOTHING`,
			branch.ID, destID,
		).Error; err != nil {
			return err
		}
	}
	return nil
}

func planID(branchCode string) string {
	return "RP_" + strings.ToUpper(branchCode)
}
