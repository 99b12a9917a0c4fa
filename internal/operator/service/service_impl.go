package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/nexfon/cbg/internal/cache"
	"github.com/nexfon/cbg/internal/clock"
	"github.com/nexfon/cbg/internal/config"
	destinationdomain "github.com/nexfon/cbg/internal/destination/domain"
	failedjobdomain "github.com/nexfon/cbg/internal/failedjob/domain"
	"github.com/nexfon/cbg/internal/integrity"
	operatordomain "github.com/nexfon/cbg/internal/operator/domain"
	"github.com/nexfon/cbg/internal/ratingengine"
	"github.com/nexfon/cbg/pkg/db"
)

// Rating plans for traffic outside any configured operator.
const (
	defaultRatePlan       = "DR_Default"
	internationalRatePlan = "DR_International"

	operatorPlanWeight = 20
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
	OperatorCode string `json:"operator_code"`
}

func NewService(p ServiceParam) operatordomain.Service {
	s := &Service{
		db:         p.DB,
		log:        p.Log.Named("operator.service"),
		secret:     p.Config.SecretKey,
		clock:      p.Clock,
		rating:     p.Rating,
		rateBounds: p.RateBounds,
		failedJobs: p.FailedJobs,
	}
	p.FailedJobs.Register("OperatorService", "sync", s.replaySync)
	return s
}

func (s *Service) List(ctx context.Context) ([]operatordomain.Operator, error) {
	var operators []operatordomain.Operator
	err := s.db.WithContext(ctx).
		Preload("Destinations").
		Order("operator_code").
		Find(&operators).Error
	return operators, err
}

func (s *Service) GetByCode(ctx context.Context, operatorCode string) (operatordomain.Operator, error) {
	var op operatordomain.Operator
	err := s.db.WithContext(ctx).
		Preload("Destinations").
		Where("operator_code = ?", operatorCode).
		First(&op).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return operatordomain.Operator{}, operatordomain.ErrNotFound
		}
		return operatordomain.Operator{}, err
	}
	return op, nil
}

func (s *Service) Create(ctx context.Context, op operatordomain.Operator, destinationIDs []uuid.UUID) (operatordomain.Operator, error) {
	op.OperatorCode = strings.TrimSpace(op.OperatorCode)
	if err := op.Validate(); err != nil {
		return operatordomain.Operator{}, err
	}

	op.ID = uuid.New()
	op.Checksum = integrity.Checksum(s.secret, op)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&op).Error; err != nil {
			if db.IsDuplicateKeyErr(err) {
				return operatordomain.ErrDuplicateCode
			}
			return err
		}
		return s.replaceDestinations(tx, op.ID, destinationIDs)
	})
	if err != nil {
		return operatordomain.Operator{}, err
	}

	if err := s.Sync(ctx, op.OperatorCode); err != nil {
		s.log.Warn("operator created but rating engine sync failed",
			zap.String("operator_code", op.OperatorCode),
			zap.Error(err))
	}

	created, err := s.GetByCode(ctx, op.OperatorCode)
	if err != nil {
		return operatordomain.Operator{}, err
	}

	// Operators settle monthly and may run a negative balance between
	// settlements.
	if err := s.rating.SetAccount(ctx, ratingengine.Account{
		Account:       created.OperatorCode,
		IsActive:      true,
		AllowNegative: true,
		AccountType:   ratingengine.AccountPostpaid,
	}); err != nil {
		return operatordomain.Operator{}, err
	}
	if err := s.rating.SetBalance(ctx, ratingengine.Balance{
		Account: created.OperatorCode,
		Value:   0,
	}); err != nil {
		return operatordomain.Operator{}, err
	}
	if err := s.rating.SetAttributeProfile(ctx, inboundProfile(created)); err != nil {
		return operatordomain.Operator{}, err
	}

	return created, nil
}

// inboundProfile maps every prefix the operator's destinations cover to
// the operator's account. Prefixes are sorted so repeated pushes of the
// same set produce the same profile.
func inboundProfile(op operatordomain.Operator) ratingengine.AttributeProfile {
	prefixes := make([]string, 0, len(op.Destinations))
	for _, dest := range op.Destinations {
		prefixes = append(prefixes, dest.Prefix)
	}
	sort.Strings(prefixes)
	return ratingengine.AttributeProfile{
		Kind:     ratingengine.AttributeInboundOperator,
		Account:  op.OperatorCode,
		Contexts: []string{"*sessions"},
		Fields: map[string]string{
			"Account":  op.OperatorCode,
			"Prefixes": strings.Join(prefixes, ","),
		},
	}
}

func (s *Service) Update(ctx context.Context, operatorCode string, op operatordomain.Operator, destinationIDs []uuid.UUID) (operatordomain.Operator, error) {
	current, err := s.GetByCode(ctx, operatorCode)
	if err != nil {
		return operatordomain.Operator{}, err
	}

	current.InboundRate = op.InboundRate
	current.OutboundRate = op.OutboundRate
	current.RateTimeType = op.RateTimeType
	current.RateTime = op.RateTime
	current.InboundDivideOnPercent = op.InboundDivideOnPercent
	current.OutboundDivideOnPercent = op.OutboundDivideOnPercent
	if err := current.Validate(); err != nil {
		return operatordomain.Operator{}, err
	}
	current.Checksum = integrity.Checksum(s.secret, current)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&operatordomain.Operator{}).
			Where("id = ?", current.ID).
			Updates(map[string]any{
				"inbound_rate":               current.InboundRate,
				"outbound_rate":              current.OutboundRate,
				"rate_time_type":             current.RateTimeType,
				"rate_time":                  current.RateTime,
				"inbound_divide_on_percent":  current.InboundDivideOnPercent,
				"outbound_divide_on_percent": current.OutboundDivideOnPercent,
				"checksum":                   current.Checksum,
			}).Error; err != nil {
			return err
		}
		return s.replaceDestinations(tx, current.ID, destinationIDs)
	})
	if err != nil {
		return operatordomain.Operator{}, err
	}

	if err := s.Sync(ctx, operatorCode); err != nil {
		s.log.Warn("operator updated but rating engine sync failed",
			zap.String("operator_code", operatorCode),
			zap.Error(err))
	}

	updated, err := s.GetByCode(ctx, operatorCode)
	if err != nil {
		return operatordomain.Operator{}, err
	}
	// Replaced destinations change the covered prefixes, so the inbound
	// profile is re-pushed alongside the tariff chain.
	if err := s.rating.SetAttributeProfile(ctx, inboundProfile(updated)); err != nil {
		s.log.Warn("operator inbound profile refresh failed",
			zap.String("operator_code", operatorCode),
			zap.Error(err))
	}
	return updated, nil
}

// Sync pushes the operator tariff definition into the rating engine in the
// fixed order the engine expects. A failure at any step aborts the chain;
// the whole sync is captured for replay.
func (s *Service) Sync(ctx context.Context, operatorCode string) error {
	if err := s.sync(ctx, operatorCode); err != nil {
		s.failedJobs.Capture(ctx, failedjobdomain.CaptureRequest{
			JobTitle:    "operator rating engine sync",
			ServiceName: "OperatorService",
			MethodName:  "sync",
			MethodArgs:  syncArgs{OperatorCode: operatorCode},
			Err:         err,
		})
		return err
	}
	return nil
}

func (s *Service) sync(ctx context.Context, operatorCode string) error {
	op, err := s.GetByCode(ctx, operatorCode)
	if err != nil {
		return err
	}

	rates := make([]ratingengine.DestinationRate, 0, len(op.Destinations))
	for _, dest := range op.Destinations {
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
		ID: planID(op.OperatorCode),
		Entries: []ratingengine.RatingPlanEntry{
			{DestinationRateID: planID(op.OperatorCode), Weight: operatorPlanWeight},
			{DestinationRateID: defaultRatePlan, Weight: fallbackPlanWeight},
			{DestinationRateID: internationalRatePlan, Weight: fallbackPlanWeight},
		},
	}
	if err := s.rating.SetRatingPlan(ctx, plan); err != nil {
		return fmt.Errorf("set rating plan: %w", err)
	}

	profile := ratingengine.RatingProfile{
		Account:        op.OperatorCode,
		RatingPlanID:   plan.ID,
		ActivationTime: s.clock.Now().Add(-activationBackdate),
	}
	if err := s.rating.SetRatingProfile(ctx, profile); err != nil {
		return fmt.Errorf("set rating profile: %w", err)
	}

	s.rateBounds.Invalidate(op.OperatorCode)

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
	return s.sync(ctx, args.OperatorCode)
}

func planID(operatorCode string) string {
	return "RP_" + strings.ToUpper(operatorCode)
}

// Delete removes the operator row, then reverses the rating engine side
// effects best effort. Remote failures are logged and swallowed so a dead
// rating engine cannot block removal.
func (s *Service) Delete(ctx context.Context, operatorCode string) error {
	current, err := s.GetByCode(ctx, operatorCode)
	if err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Table("operator_destinations").
			Where("operator_id = ?", current.ID).
			Delete(nil).Error; err != nil {
			return err
		}
		return tx.Delete(&operatordomain.Operator{}, "id = ?", current.ID).Error
	})
	if err != nil {
		return err
	}

	if err := s.rating.RemoveAttributeProfile(ctx, ratingengine.AttributeInboundOperator, operatorCode); err != nil {
		s.log.Warn("operator attribute profile removal failed",
			zap.String("operator_code", operatorCode),
			zap.Error(err))
	}
	if err := s.rating.RemoveAccount(ctx, operatorCode); err != nil {
		s.log.Warn("operator account removal failed",
			zap.String("operator_code", operatorCode),
			zap.Error(err))
	}
	return nil
}

func (s *Service) replaceDestinations(tx *gorm.DB, operatorID uuid.UUID, destinationIDs []uuid.UUID) error {
	if destinationIDs == nil {
		return nil
	}

	if err := tx.Table("operator_destinations").
		Where("operator_id = ?", operatorID).
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
			`INSERT INTO operator_destinations (operator_id, destination_id) VALUES (?, ?) ON CONFLICT DO NOTHING`,
			operatorID, destID,
		).Error; err != nil {
			return err
		}
	}
	return nil
}
