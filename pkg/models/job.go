package models

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// Condition codes accepted on line items. NE is the baseline when none is given.
const (
	ConditionNew         = "NE"
	ConditionNewSurplus  = "NS"
	ConditionOverhauled  = "OH"
	ConditionServiceable = "SV"
	ConditionAsRemoved   = "AR"
	ConditionRepaired    = "RP"
	ConditionFactoryNew  = "FN"
	ConditionUsed        = "US"

	DefaultCondition = ConditionNew
)

// ConditionCodes lists every supported condition code
var ConditionCodes = []string{
	ConditionNew,
	ConditionNewSurplus,
	ConditionOverhauled,
	ConditionServiceable,
	ConditionAsRemoved,
	ConditionRepaired,
	ConditionFactoryNew,
	ConditionUsed,
}

// PriceType selects between the two mutually exclusive pricing choices
type PriceType string

const (
	PriceOutright PriceType = "OUTRIGHT"
	PriceExchange PriceType = "EXCHANGE"
)

// FinalAction is the terminal action taken on the form
type FinalAction string

const (
	ActionCommitted FinalAction = "committed"
	ActionCancelled FinalAction = "cancelled"
)

// Outcome is the stable result code returned to callers
type Outcome string

const (
	OutcomeOK                Outcome = "OK"
	OutcomeCached            Outcome = "CACHED"
	OutcomeDuplicateInFlight Outcome = "DUPLICATE_IN_FLIGHT"
	OutcomeClaimConflict     Outcome = "CLAIM_CONFLICT"
	OutcomeValidationFailed  Outcome = "VALIDATION_FAILED"
	OutcomeRateLimited       Outcome = "RATE_LIMITED"
	OutcomeUnavailable       Outcome = "UNAVAILABLE"
	OutcomeFailed            Outcome = "FAILED"
)

// LineItem is one row of quote data written into one repeated form section
type LineItem struct {
	Condition    string    `json:"condition,omitempty"`
	Quantity     float64   `json:"quantity"`
	Traceability string    `json:"traceability,omitempty"`
	UOM          string    `json:"uom,omitempty"`
	Price        float64   `json:"price"`
	PriceType    PriceType `json:"priceType,omitempty"`
	LeadTime     string    `json:"leadTime,omitempty"`
	TagDate      string    `json:"tagDate,omitempty"`
	MinQuantity  float64   `json:"minQuantity,omitempty"`
	Comment      string    `json:"comment,omitempty"`
	Exclude      bool      `json:"exclude,omitempty"`
}

// ConditionCode returns the normalized condition code, defaulting to the baseline
func (i LineItem) ConditionCode() string {
	code := strings.ToUpper(strings.TrimSpace(i.Condition))
	if code == "" {
		return DefaultCondition
	}
	return code
}

// JobRequest is the payload for a commit job
type JobRequest struct {
	EntityID      string     `json:"entityId"`
	TargetURL     string     `json:"targetUrl"`
	Commit        bool       `json:"commit"`
	Notes         string     `json:"notes,omitempty"`
	PreparedBy    string     `json:"preparedBy,omitempty"`
	Items         []LineItem `json:"items"`
	KeepOpen      bool       `json:"keepOpen,omitempty"`
	CorrelationID string     `json:"correlationId,omitempty"`
}

// Validate returns every violated constraint, or nil when the request is valid
func (r *JobRequest) Validate() []string {
	var errs []string

	if strings.TrimSpace(r.EntityID) == "" {
		errs = append(errs, "entityId is required")
	}

	if strings.TrimSpace(r.TargetURL) == "" {
		errs = append(errs, "targetUrl is required")
	} else if u, err := url.Parse(r.TargetURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, "targetUrl must be an absolute http or https URL")
	}

	if len(r.Items) == 0 {
		errs = append(errs, "items must contain at least one line item")
	}

	active := 0
	for idx, item := range r.Items {
		if item.Exclude {
			continue
		}
		active++

		if item.Quantity <= 0 {
			errs = append(errs, fmt.Sprintf("items[%d].quantity must be greater than 0", idx))
		}
		if item.Price < 0 {
			errs = append(errs, fmt.Sprintf("items[%d].price must not be negative", idx))
		}
		if item.MinQuantity < 0 {
			errs = append(errs, fmt.Sprintf("items[%d].minQuantity must not be negative", idx))
		}
		if item.Condition != "" && !slices.Contains(ConditionCodes, item.ConditionCode()) {
			errs = append(errs, fmt.Sprintf("items[%d].condition %q is not one of %s", idx, item.Condition, strings.Join(ConditionCodes, ", ")))
		}
		switch PriceType(strings.ToUpper(string(item.PriceType))) {
		case "", PriceOutright, PriceExchange:
		default:
			errs = append(errs, fmt.Sprintf("items[%d].priceType must be OUTRIGHT or EXCHANGE", idx))
		}
	}

	if len(r.Items) > 0 && active == 0 {
		errs = append(errs, "at least one line item must not be excluded")
	}

	return errs
}

// Evidence references a stored artifact captured during a job
type Evidence struct {
	Kind string `json:"kind"`
	URI  string `json:"uri"`
}

// FillReport summarizes the field writes of one job
type FillReport struct {
	Items   int `json:"items"`
	Written int `json:"written"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// JobResponse is returned for every job, whatever its outcome
type JobResponse struct {
	CorrelationID     string      `json:"correlationId"`
	Outcome           Outcome     `json:"outcome"`
	FinalAction       FinalAction `json:"finalAction,omitempty"`
	Cached            bool        `json:"cached,omitempty"`
	Evidence          []Evidence  `json:"evidence,omitempty"`
	Fill              *FillReport `json:"fill,omitempty"`
	SessionID         string      `json:"sessionId,omitempty"`
	Errors            []string    `json:"errors,omitempty"`
	RetryAfterSeconds int         `json:"retryAfterSeconds,omitempty"`
	Message           string      `json:"message,omitempty"`
}
