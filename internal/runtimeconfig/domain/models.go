// Package domain contains the enumerated runtime knob store.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Key is one of the enumerated runtime knobs. Keys outside this set are
// rejected on write and pruned on reconcile.
type Key string

const (
	KeyIssueNewInterimHours      Key = "issue_new_interim_hours"
	KeyInvoiceDueDatesPeriod     Key = "invoice_due_dates_period"
	KeyCorporateStatePrefixes    Key = "corporate_state_prefixes"
	KeyCorporateNationalPrefixes Key = "corporate_national_prefixes"
	KeyDiscountStaticValue       Key = "discount_static_value"
	KeyDiscountPercentValue      Key = "discount_percent_value"
	KeyDeallocationDue           Key = "deallocation_due"
	KeyEmergencyNumbers          Key = "emergency_numbers"
	KeyPaymentCoolDown           Key = "payment_cool_down"
	KeyBlackListInDays           Key = "black_list_in_days"
)

// Kind drives write-time normalization.
type Kind int

const (
	KindNumeric Kind = iota
	KindPrefixList
)

// Schema enumerates every valid key with its kind and default value.
var Schema = map[Key]struct {
	Kind    Kind
	Default string
}{
	KeyIssueNewInterimHours:      {KindNumeric, "3"},
	KeyInvoiceDueDatesPeriod:     {KindNumeric, "2"},
	KeyCorporateStatePrefixes:    {KindPrefixList, "9200,9107"},
	KeyCorporateNationalPrefixes: {KindPrefixList, "94260,94200"},
	KeyDiscountStaticValue:       {KindNumeric, "0"},
	KeyDiscountPercentValue:      {KindNumeric, "0"},
	KeyDeallocationDue:           {KindNumeric, "365"},
	KeyEmergencyNumbers:          {KindPrefixList, "110,112,115,125"},
	KeyPaymentCoolDown:           {KindNumeric, "15"},
	KeyBlackListInDays:           {KindNumeric, "730"},
}

// RuntimeConfig is one persisted knob. Rows are never deleted through
// the service; only Reconcile prunes keys retired from the schema.
type RuntimeConfig struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	ItemKey   Key       `gorm:"type:text;not null;uniqueIndex"`
	ItemValue string    `gorm:"type:text;not null"`
	Checksum  string    `gorm:"type:varchar(512)"`
	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (RuntimeConfig) TableName() string { return "runtime_configs" }

func (r RuntimeConfig) IntegrityModelName() string { return "runtime_config" }

func (r RuntimeConfig) IntegrityFields() []any {
	return []any{r.ID, string(r.ItemKey), r.ItemValue}
}

type Service interface {
	List(ctx context.Context) ([]RuntimeConfig, error)
	Get(ctx context.Context, key Key) (RuntimeConfig, error)
	// GetInt parses a numeric knob, falling back to the schema default
	// when the row is missing or malformed.
	GetInt(ctx context.Context, key Key) (int, error)
	// GetPrefixes splits a prefix-list knob into its tokens.
	GetPrefixes(ctx context.Context, key Key) ([]string, error)
	Save(ctx context.Context, key Key, value string) (RuntimeConfig, error)
	// Reconcile inserts schema defaults for missing keys and prunes
	// rows whose keys left the schema. Returns inserted and pruned counts.
	Reconcile(ctx context.Context) (inserted, pruned int, err error)
}

var (
	ErrNotFound     = errors.New("runtime_config_not_found")
	ErrUnknownKey   = errors.New("unknown_runtime_config_key")
	ErrInvalidValue = errors.New("invalid_runtime_config_value")
)
