package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	branchdomain "github.com/nexfon/cbg/internal/branch/domain"
	"github.com/nexfon/cbg/internal/clock"
	"github.com/nexfon/cbg/internal/config"
	customerdomain "github.com/nexfon/cbg/internal/customer/domain"
	failedjobdomain "github.com/nexfon/cbg/internal/failedjob/domain"
	"github.com/nexfon/cbg/internal/integrity"
	"github.com/nexfon/cbg/internal/ratingengine"
	rcdomain "github.com/nexfon/cbg/internal/runtimeconfig/domain"
	subscriptiondomain "github.com/nexfon/cbg/internal/subscription/domain"
	"github.com/nexfon/cbg/pkg/db"
	"github.com/nexfon/cbg/pkg/repository"
)

type ServiceParam struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Config        *config.Config
	Clock         clock.Clock
	Rating        ratingengine.Client
	Customers     customerdomain.Service
	Branches      branchdomain.Service
	RuntimeConfig rcdomain.Service
	FailedJobs    failedjobdomain.Service
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	secret        string
	clock         clock.Clock
	rating        ratingengine.Client
	customers     customerdomain.Service
	branches      branchdomain.Service
	runtimeConfig rcdomain.Service
	failedJobs    failedjobdomain.Service
	repo          repository.Repository[subscriptiondomain.Subscription]
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	s := &Service{
		db:            p.DB,
		log:           p.Log.Named("subscription.service"),
		secret:        p.Config.SecretKey,
		clock:         p.Clock,
		rating:        p.Rating,
		customers:     p.Customers,
		branches:      p.Branches,
		runtimeConfig: p.RuntimeConfig,
		failedJobs:    p.FailedJobs,
		repo:          repository.ProvideStore[subscriptiondomain.Subscription](p.DB),
	}
	p.FailedJobs.Register("SubscriptionService", "renew_branch", s.replayRenewBranch)
	p.FailedJobs.Register("SubscriptionService", "renew_subscription_type", s.replayRenewSubscriptionType)
	return s
}

type renewReplayArgs struct {
	SubscriptionCode string `json:"subscription_code"`
}

func (s *Service) replayRenewBranch(ctx context.Context, raw json.RawMessage) error {
	var args renewReplayArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return err
	}
	_, err := s.RenewBranch(ctx, args.SubscriptionCode)
	return err
}

func (s *Service) replayRenewSubscriptionType(ctx context.Context, raw json.RawMessage) error {
	var args renewReplayArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return err
	}
	_, err := s.RenewSubscriptionType(ctx, args.SubscriptionCode)
	return err
}

func (s *Service) GetByCode(ctx context.Context, subscriptionCode string) (subscriptiondomain.Subscription, error) {
	item, err := s.repo.FindOne(ctx, &subscriptiondomain.Subscription{SubscriptionCode: subscriptionCode})
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if item == nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrNotFound
	}
	return *item, nil
}

func (s *Service) Add(ctx context.Context, req subscriptiondomain.AddSubscriptionRequest) (subscriptiondomain.Subscription, error) {
	req.SubscriptionCode = strings.TrimSpace(req.SubscriptionCode)
	req.Number = strings.TrimSpace(req.Number)
	if req.SubscriptionCode == "" || req.Number == "" {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrNotFound
	}
	if !req.SubscriptionType.Valid() {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidType
	}

	customer, err := s.customers.GetByCode(ctx, req.CustomerCode)
	if err == customerdomain.ErrNotFound {
		customer, err = s.customers.Create(ctx, req.CustomerCode)
	}
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	branch, err := s.branches.Resolve(ctx, req.Number)
	if err != nil {
		if err == branchdomain.ErrResolveConflict {
			return subscriptiondomain.Subscription{}, subscriptiondomain.ErrBranchConflict
		}
		return subscriptiondomain.Subscription{}, err
	}

	sub := subscriptiondomain.Subscription{
		ID:               uuid.New(),
		SubscriptionCode: req.SubscriptionCode,
		Number:           req.Number,
		SubscriptionType: req.SubscriptionType,
		CustomerID:       customer.ID,
		BranchID:         &branch.ID,
		IsAllocated:      true,
		AutoPay:          req.AutoPay,
	}
	sub.Checksum = integrity.Checksum(s.secret, sub)

	if err := s.repo.Create(ctx, &sub); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return subscriptiondomain.Subscription{}, subscriptiondomain.ErrDuplicateCode
		}
		return subscriptiondomain.Subscription{}, err
	}

	if err := s.provisionRating(ctx, sub, branch.BranchCode); err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	return sub, nil
}

func (s *Service) Remove(ctx context.Context, subscriptionCode string) error {
	sub, err := s.GetByCode(ctx, subscriptionCode)
	if err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var refs int64
		if err := tx.Table("invoices").
			Where("subscription_id = ?", sub.ID).
			Count(&refs).Error; err != nil {
			return err
		}
		if refs > 0 {
			return subscriptiondomain.ErrProtected
		}
		return tx.Delete(&subscriptiondomain.Subscription{}, "id = ?", sub.ID).Error
	})
	if err != nil {
		return err
	}

	s.teardownRating(ctx, sub)
	return nil
}

func (s *Service) ChangeAvailability(ctx context.Context, subscriptionCode string, allocated bool) error {
	sub, err := s.GetByCode(ctx, subscriptionCode)
	if err != nil {
		return err
	}

	sub.IsAllocated = allocated
	sub.Checksum = integrity.Checksum(s.secret, sub)
	err = s.db.WithContext(ctx).
		Model(&subscriptiondomain.Subscription{}).
		Where("id = ?", sub.ID).
		Updates(map[string]any{
			"is_allocated": allocated,
			"checksum":     sub.Checksum,
		}).Error
	if err != nil {
		return err
	}

	return s.rating.SetAccount(ctx, ratingengine.Account{
		Account:       sub.SubscriptionCode,
		IsActive:      allocated,
		AllowNegative: sub.SubscriptionType == subscriptiondomain.TypePostpaid,
		AccountType:   accountType(sub.SubscriptionType),
	})
}

func (s *Service) Deallocate(ctx context.Context, subscriptionCode string, cause subscriptiondomain.DeallocationCause) error {
	if !cause.Valid() {
		return subscriptiondomain.ErrInvalidCause
	}

	sub, err := s.GetByCode(ctx, subscriptionCode)
	if err != nil {
		return err
	}
	if !sub.IsAllocated && sub.DeallocatedAt != nil {
		return subscriptiondomain.ErrDeallocated
	}

	now := s.clock.Now()
	sub.IsAllocated = false
	sub.DeallocatedAt = &now
	sub.DeallocationCause = &cause
	sub.Checksum = integrity.Checksum(s.secret, sub)

	err = s.db.WithContext(ctx).
		Model(&subscriptiondomain.Subscription{}).
		Where("id = ?", sub.ID).
		Updates(map[string]any{
			"is_allocated":       false,
			"deallocated_at":     now,
			"deallocation_cause": cause,
			"checksum":           sub.Checksum,
		}).Error
	if err != nil {
		return err
	}

	s.teardownRating(ctx, sub)
	s.log.Info("subscription deallocated",
		zap.String("subscription_code", subscriptionCode),
		zap.String("cause", string(cause)))
	return nil
}

func (s *Service) RenewBranch(ctx context.Context, subscriptionCode string) (subscriptiondomain.Subscription, error) {
	sub, err := s.GetByCode(ctx, subscriptionCode)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	branch, err := s.branches.Resolve(ctx, sub.Number)
	if err != nil {
		if err == branchdomain.ErrResolveConflict {
			return subscriptiondomain.Subscription{}, subscriptiondomain.ErrBranchConflict
		}
		return subscriptiondomain.Subscription{}, err
	}

	if sub.BranchID != nil && *sub.BranchID == branch.ID {
		return sub, nil
	}

	sub.BranchID = &branch.ID
	sub.Checksum = integrity.Checksum(s.secret, sub)
	err = s.db.WithContext(ctx).
		Model(&subscriptiondomain.Subscription{}).
		Where("id = ?", sub.ID).
		Updates(map[string]any{
			"branch_id": branch.ID,
			"checksum":  sub.Checksum,
		}).Error
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	// The engine keys attribute profiles by account; the stale profile is
	// torn down before the one carrying the new branch code goes in.
	if err := s.resetAttributeProfile(ctx, sub, branch.BranchCode); err != nil {
		s.failedJobs.Capture(ctx, failedjobdomain.CaptureRequest{
			JobTitle:    "subscription branch renewal",
			ServiceName: "SubscriptionService",
			MethodName:  "renew_branch",
			MethodArgs:  map[string]string{"subscription_code": subscriptionCode},
			Err:         err,
		})
	}
	return sub, nil
}

func (s *Service) RenewSubscriptionType(ctx context.Context, subscriptionCode string) (subscriptiondomain.Subscription, error) {
	sub, err := s.GetByCode(ctx, subscriptionCode)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	statePrefixes, err := s.runtimeConfig.GetPrefixes(ctx, rcdomain.KeyCorporateStatePrefixes)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	nationalPrefixes, err := s.runtimeConfig.GetPrefixes(ctx, rcdomain.KeyCorporateNationalPrefixes)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	// Corporate number ranges are always billed postpaid regardless of how
	// the line was originally sold.
	newType := sub.SubscriptionType
	if hasAnyPrefix(sub.Number, statePrefixes) || hasAnyPrefix(sub.Number, nationalPrefixes) {
		newType = subscriptiondomain.TypePostpaid
	}
	if newType == sub.SubscriptionType {
		return sub, nil
	}

	sub.SubscriptionType = newType
	sub.Checksum = integrity.Checksum(s.secret, sub)
	err = s.db.WithContext(ctx).
		Model(&subscriptiondomain.Subscription{}).
		Where("id = ?", sub.ID).
		Updates(map[string]any{
			"subscription_type": newType,
			"checksum":          sub.Checksum,
		}).Error
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	if err := s.rating.SetAccount(ctx, ratingengine.Account{
		Account:       sub.SubscriptionCode,
		IsActive:      sub.IsAllocated,
		AllowNegative: newType == subscriptiondomain.TypePostpaid,
		AccountType:   accountType(newType),
	}); err != nil {
		s.failedJobs.Capture(ctx, failedjobdomain.CaptureRequest{
			JobTitle:    "subscription type renewal",
			ServiceName: "SubscriptionService",
			MethodName:  "renew_subscription_type",
			MethodArgs:  map[string]string{"subscription_code": subscriptionCode},
			Err:         err,
		})
	}
	return sub, nil
}

// InterimRequested takes the per-subscription advisory lock. The conditional
// update makes concurrent takers race on the same row; only one succeeds.
func (s *Service) InterimRequested(ctx context.Context, subscriptionCode string) (bool, error) {
	sub, err := s.GetByCode(ctx, subscriptionCode)
	if err != nil {
		return false, err
	}
	if !sub.IsAllocated {
		return false, subscriptiondomain.ErrDeallocated
	}

	result := s.db.WithContext(ctx).
		Model(&subscriptiondomain.Subscription{}).
		Where("id = ? AND interim_request = ?", sub.ID, false).
		Updates(map[string]any{
			"interim_request":      true,
			"interim_requested_at": s.clock.Now(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (s *Service) InterimProcessed(ctx context.Context, subscriptionCode string) error {
	sub, err := s.GetByCode(ctx, subscriptionCode)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).
		Model(&subscriptiondomain.Subscription{}).
		Where("id = ?", sub.ID).
		Updates(map[string]any{
			"interim_request":      false,
			"interim_requested_at": nil,
		}).Error
}

func (s *Service) ReleaseStaleInterims(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&subscriptiondomain.Subscription{}).
		Where("interim_request = ? AND interim_requested_at < ?", true, cutoff).
		Updates(map[string]any{
			"interim_request":      false,
			"interim_requested_at": nil,
		})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		s.log.Warn("released stale interim locks",
			zap.Int64("count", result.RowsAffected),
			zap.Time("cutoff", cutoff))
	}
	return result.RowsAffected, nil
}

func (s *Service) provisionRating(ctx context.Context, sub subscriptiondomain.Subscription, branchCode string) error {
	if err := s.rating.SetAccount(ctx, ratingengine.Account{
		Account:       sub.SubscriptionCode,
		IsActive:      true,
		AllowNegative: sub.SubscriptionType == subscriptiondomain.TypePostpaid,
		AccountType:   accountType(sub.SubscriptionType),
	}); err != nil {
		return err
	}
	if err := s.rating.SetBalance(ctx, ratingengine.Balance{
		Account: sub.SubscriptionCode,
		Value:   0,
	}); err != nil {
		return err
	}
	return s.setAttributeProfile(ctx, sub, branchCode)
}

func (s *Service) resetAttributeProfile(ctx context.Context, sub subscriptiondomain.Subscription, branchCode string) error {
	if err := s.rating.RemoveAttributeProfile(ctx, ratingengine.AttributeSubscriptionAccount, sub.SubscriptionCode); err != nil {
		return err
	}
	return s.setAttributeProfile(ctx, sub, branchCode)
}

func (s *Service) setAttributeProfile(ctx context.Context, sub subscriptiondomain.Subscription, branchCode string) error {
	return s.rating.SetAttributeProfile(ctx, ratingengine.AttributeProfile{
		Kind:     ratingengine.AttributeSubscriptionAccount,
		Account:  sub.SubscriptionCode,
		Contexts: []string{"*sessions"},
		Fields: map[string]string{
			"Account": sub.SubscriptionCode,
			"Subject": branchCode,
			"Number":  sub.Number,
		},
	})
}

func (s *Service) teardownRating(ctx context.Context, sub subscriptiondomain.Subscription) {
	if err := s.rating.RemoveAttributeProfile(ctx, ratingengine.AttributeSubscriptionAccount, sub.SubscriptionCode); err != nil {
		s.log.Warn("attribute profile removal failed",
			zap.String("subscription_code", sub.SubscriptionCode),
			zap.Error(err))
	}
	if err := s.rating.RemoveAccount(ctx, sub.SubscriptionCode); err != nil {
		s.log.Warn("account removal failed",
			zap.String("subscription_code", sub.SubscriptionCode),
			zap.Error(err))
	}
}

func accountType(t subscriptiondomain.SubscriptionType) ratingengine.AccountType {
	switch t {
	case subscriptiondomain.TypePrepaid:
		return ratingengine.AccountPrepaid
	case subscriptiondomain.TypeUnlimited:
		return ratingengine.AccountUnlimited
	}
	return ratingengine.AccountPostpaid
}

func hasAnyPrefix(number string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if prefix != "" && strings.HasPrefix(number, prefix) {
			return true
		}
	}
	return false
}
