package ratingengine

import "time"

// ActivationTimeLayout is the timestamp format the rating engine accepts
// for profile activation times.
const ActivationTimeLayout = "2006-01-02T15:04:05Z"

type DestinationRate struct {
	Code   string `json:"code"`
	Name   string `json:"name"`
	Prefix string `json:"prefix"`
	Rate   int64  `json:"rate"`
	// RateUnit is the charge granularity in seconds.
	RateUnit int `json:"rate_unit"`
}

type RatingPlanEntry struct {
	DestinationRateID string `json:"destination_rate_id"`
	Weight            int    `json:"weight"`
}

type RatingPlan struct {
	ID      string            `json:"id"`
	Entries []RatingPlanEntry `json:"entries"`
}

type RatingProfile struct {
	Account        string    `json:"account"`
	RatingPlanID   string    `json:"rating_plan_id"`
	ActivationTime time.Time `json:"-"`
}

type AttributeProfileKind string

const (
	AttributeInboundOperator     AttributeProfileKind = "inbound_operator"
	AttributeSubscriptionAccount AttributeProfileKind = "subscription_account"
)

type AttributeProfile struct {
	Kind    AttributeProfileKind `json:"kind"`
	Account string               `json:"account"`
	// Contexts narrows which request pipelines the profile applies to.
	Contexts []string          `json:"contexts"`
	Fields   map[string]string `json:"fields"`
}

type AccountType string

const (
	AccountPostpaid  AccountType = "postpaid"
	AccountPrepaid   AccountType = "prepaid"
	AccountUnlimited AccountType = "unlimited"
)

type Account struct {
	Account       string      `json:"account"`
	IsActive      bool        `json:"is_active"`
	AllowNegative bool        `json:"allow_negative"`
	AccountType   AccountType `json:"account_type"`
}

type Balance struct {
	Account string     `json:"account"`
	Value   int64      `json:"value"`
	Expiry  *time.Time `json:"expiry,omitempty"`
}

// ClassUsage is usage seconds and cost for one traffic class.
type ClassUsage struct {
	Usage int64 `json:"usage"`
	Cost  int64 `json:"cost"`
}

// PoolUsage is the per-class breakdown for one charging pool.
type PoolUsage struct {
	LandlinesLocal        ClassUsage `json:"landlines_local"`
	LandlinesLongDistance ClassUsage `json:"landlines_long_distance"`
	LandlinesCorporate    ClassUsage `json:"landlines_corporate"`
	Mobile                ClassUsage `json:"mobile"`
	International         ClassUsage `json:"international"`
}

// UsageBreakdown is the full usage answer for one account and window.
type UsageBreakdown struct {
	Account  string    `json:"account"`
	Postpaid PoolUsage `json:"postpaid"`
	Prepaid  PoolUsage `json:"prepaid"`
}

type RateBounds struct {
	MaximumRate int64 `json:"maximum_rate"`
	MinimumRate int64 `json:"minimum_rate"`
}
