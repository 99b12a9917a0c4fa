// Package importer loads operator-supplied bootstrap files: branch and
// destination definitions as JSON, subscriber credit top-ups as CSV.
package importer

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	branchdomain "github.com/nexfon/cbg/internal/branch/domain"
	customerdomain "github.com/nexfon/cbg/internal/customer/domain"
	destinationdomain "github.com/nexfon/cbg/internal/destination/domain"
	invoicedomain "github.com/nexfon/cbg/internal/invoice/domain"
	subscriptiondomain "github.com/nexfon/cbg/internal/subscription/domain"
)

var (
	ErrBadFormat      = errors.New("import_file_malformed")
	ErrMissingColumns = errors.New("import_columns_missing")
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Branches      branchdomain.Service
	Destinations  destinationdomain.Service
	Subscriptions subscriptiondomain.Service
	Invoices      invoicedomain.Service
}

type Importer struct {
	db            *gorm.DB
	log           *zap.Logger
	branches      branchdomain.Service
	destinations  destinationdomain.Service
	subscriptions subscriptiondomain.Service
	invoices      invoicedomain.Service
}

func New(p Params) *Importer {
	return &Importer{
		db:            p.DB,
		log:           p.Log.Named("importer"),
		branches:      p.Branches,
		destinations:  p.Destinations,
		subscriptions: p.Subscriptions,
		invoices:      p.Invoices,
	}
}

type branchRecord struct {
	BranchCode string   `json:"branch_code"`
	Prefixes   []string `json:"prefixes"`
}

type destinationRecord struct {
	Prefix      string `json:"prefix"`
	Name        string `json:"name"`
	CountryCode string `json:"country_code"`
	Code        string `json:"code"`
}

// ImportDestinations creates every destination in the JSON list. Rows whose
// prefix already exists are skipped, other failures are collected and the
// import continues.
func (im *Importer) ImportDestinations(ctx context.Context, r io.Reader) (int, error) {
	var records []destinationRecord
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadFormat, err)
	}

	var (
		imported int
		errs     []error
	)
	for _, rec := range records {
		_, err := im.destinations.Create(ctx, destinationdomain.Destination{
			Prefix:      strings.TrimSpace(rec.Prefix),
			Name:        strings.TrimSpace(rec.Name),
			CountryCode: strings.TrimSpace(rec.CountryCode),
			Code:        destinationdomain.DestinationCode(strings.TrimSpace(rec.Code)),
		})
		switch {
		case err == nil:
			imported++
		case errors.Is(err, destinationdomain.ErrDuplicatePrefix):
			im.log.Debug("destination already present", zap.String("prefix", rec.Prefix))
		default:
			errs = append(errs, fmt.Errorf("destination %s: %w", rec.Prefix, err))
		}
	}

	im.log.Info("destinations imported",
		zap.Int("imported", imported),
		zap.Int("total", len(records)),
		zap.Int("failed", len(errs)),
	)
	return imported, errors.Join(errs...)
}

// ImportBranches creates or updates every branch in the JSON list, resolving
// each prefix to an existing destination. Prefixes with no matching
// destination fail the row.
func (im *Importer) ImportBranches(ctx context.Context, r io.Reader) (int, error) {
	var records []branchRecord
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadFormat, err)
	}

	var (
		imported int
		errs     []error
	)
	for _, rec := range records {
		code := strings.TrimSpace(rec.BranchCode)
		ids, err := im.destinationIDs(ctx, rec.Prefixes)
		if err != nil {
			errs = append(errs, fmt.Errorf("branch %s: %w", code, err))
			continue
		}

		_, err = im.branches.Create(ctx, code, code, ids)
		if errors.Is(err, branchdomain.ErrDuplicateCode) {
			_, err = im.branches.Update(ctx, code, code, ids)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("branch %s: %w", code, err))
			continue
		}
		imported++
	}

	im.log.Info("branches imported",
		zap.Int("imported", imported),
		zap.Int("total", len(records)),
		zap.Int("failed", len(errs)),
	)
	return imported, errors.Join(errs...)
}

func (im *Importer) destinationIDs(ctx context.Context, prefixes []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(prefixes))
	for _, prefix := range prefixes {
		prefix = strings.TrimSpace(prefix)
		var dest destinationdomain.Destination
		err := im.db.WithContext(ctx).
			Where("prefix = ?", prefix).
			First(&dest).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("prefix %s: %w", prefix, destinationdomain.ErrNotFound)
		}
		if err != nil {
			return nil, err
		}
		ids = append(ids, dest.ID)
	}
	return ids, nil
}

// ImportCredits reads a CSV with a header row and credits each listed
// subscription's customer through a regular increase invoice, so imported
// balance carries the same audit trail as a paid top-up.
func (im *Importer) ImportCredits(ctx context.Context, r io.Reader) (int, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadFormat, err)
	}
	codeCol, creditCol := -1, -1
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "subscription_code":
			codeCol = i
		case "credit":
			creditCol = i
		}
	}
	if codeCol < 0 || creditCol < 0 {
		return 0, ErrMissingColumns
	}

	var (
		imported int
		errs     []error
	)
	for line := 2; ; line++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("line %d: %w", line, err))
			continue
		}
		if codeCol >= len(row) || creditCol >= len(row) {
			errs = append(errs, fmt.Errorf("line %d: %w", line, ErrBadFormat))
			continue
		}

		code := strings.TrimSpace(row[codeCol])
		amount, err := strconv.ParseInt(strings.TrimSpace(row[creditCol]), 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("line %d: credit %q: %w", line, row[creditCol], ErrBadFormat))
			continue
		}

		sub, err := im.subscriptions.GetByCode(ctx, code)
		if err != nil {
			errs = append(errs, fmt.Errorf("line %d: subscription %s: %w", line, code, err))
			continue
		}
		var owner customerdomain.Customer
		err = im.db.WithContext(ctx).Where("id = ?", sub.CustomerID).First(&owner).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			err = customerdomain.ErrNotFound
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("line %d: subscription %s: %w", line, code, err))
			continue
		}
		if _, err := im.invoices.IncreaseCredit(ctx, owner.CustomerCode, amount); err != nil {
			errs = append(errs, fmt.Errorf("line %d: subscription %s: %w", line, code, err))
			continue
		}
		imported++
	}

	im.log.Info("credits imported",
		zap.Int("imported", imported),
		zap.Int("failed", len(errs)),
	)
	return imported, errors.Join(errs...)
}

var Module = fx.Module("importer",
	fx.Provide(New),
)
