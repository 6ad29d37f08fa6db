/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package model

import (
	"errors"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// SourceKind identifies one of the independent systems that record a vending sale.
type SourceKind string

const (
	SourceHW          SourceKind = "hw"
	SourceSalesReport SourceKind = "sales_report"
	SourceFiscal      SourceKind = "fiscal"
	SourcePayme       SourceKind = "payme"
	SourceClick       SourceKind = "click"
	SourceUzum        SourceKind = "uzum"
)

// SourceKinds lists every supported source in canonical order.
var SourceKinds = []SourceKind{SourceHW, SourceSalesReport, SourceFiscal, SourcePayme, SourceClick, SourceUzum}

// DefaultSourcePriority is the anchor order used by the matcher unless configured otherwise.
var DefaultSourcePriority = []SourceKind{SourceFiscal, SourceHW, SourcePayme, SourceClick, SourceUzum, SourceSalesReport}

// Valid reports whether k is one of the supported sources.
func (k SourceKind) Valid() bool {
	for _, s := range SourceKinds {
		if s == k {
			return true
		}
	}
	return false
}

// IsGateway reports whether k is a payment-gateway settlement export.
func (k SourceKind) IsGateway() bool {
	return k == SourcePayme || k == SourceClick || k == SourceUzum
}

// ParseSourceKind converts a raw string into a SourceKind.
func ParseSourceKind(s string) (SourceKind, error) {
	k := SourceKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown source kind %q", s)
	}
	return k, nil
}

// PaymentMethod is the canonical payment method of a sale.
type PaymentMethod string

const (
	PaymentUnknown PaymentMethod = ""
	PaymentCash    PaymentMethod = "cash"
	PaymentCard    PaymentMethod = "card"
	PaymentPayme   PaymentMethod = "payme"
	PaymentClick   PaymentMethod = "click"
	PaymentUzum    PaymentMethod = "uzum"
)

// Gateway returns the settlement source that a payment method settles through, if any.
func (p PaymentMethod) Gateway() (SourceKind, bool) {
	switch p {
	case PaymentPayme:
		return SourcePayme, true
	case PaymentClick:
		return SourceClick, true
	case PaymentUzum:
		return SourceUzum, true
	}
	return "", false
}

// RunStatus is the lifecycle state of a reconciliation run.
type RunStatus string

const (
	RunStatusPending    RunStatus = "pending"
	RunStatusProcessing RunStatus = "processing"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
	RunStatusCancelled  RunStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// MismatchType classifies why a sale failed to reconcile.
type MismatchType string

const (
	MismatchOrderNotFound   MismatchType = "order_not_found"
	MismatchPaymentNotFound MismatchType = "payment_not_found"
	MismatchAmount          MismatchType = "amount_mismatch"
	MismatchTime            MismatchType = "time_mismatch"
	MismatchDuplicate       MismatchType = "duplicate"
	MismatchPartial         MismatchType = "partial_match"
)

// MismatchTypes lists every mismatch type.
var MismatchTypes = []MismatchType{
	MismatchOrderNotFound, MismatchPaymentNotFound, MismatchAmount,
	MismatchTime, MismatchDuplicate, MismatchPartial,
}

// Valid reports whether t is a known mismatch type.
func (t MismatchType) Valid() bool {
	for _, m := range MismatchTypes {
		if m == t {
			return true
		}
	}
	return false
}

// RawRow is a source row exactly as the source row provider returned it.
type RawRow map[string]interface{}

// Run is one reconciliation job over a date range.
type Run struct {
	RunID            string       `json:"run_id"`
	Status           RunStatus    `json:"status"`
	DateFrom         time.Time    `json:"date_from"`
	DateTo           time.Time    `json:"date_to"`
	Sources          []SourceKind `json:"sources"`
	MachineIDs       []string     `json:"machine_ids,omitempty"`
	TimeTolerance    int64        `json:"time_tolerance"`
	AmountTolerance  int64        `json:"amount_tolerance"`
	StartedAt        *time.Time   `json:"started_at,omitempty"`
	CompletedAt      *time.Time   `json:"completed_at,omitempty"`
	ProcessingTimeMs int64        `json:"processing_time_ms"`
	Summary          *RunSummary  `json:"summary,omitempty"`
	ErrorMessage     string       `json:"error_message,omitempty"`
	CreatedBy        string       `json:"created_by,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
}

// HasSource reports whether the run requested source k.
func (r *Run) HasSource(k SourceKind) bool {
	for _, s := range r.Sources {
		if s == k {
			return true
		}
	}
	return false
}

// RunSummary holds the aggregate statistics written once per run.
type RunSummary struct {
	MismatchCounts         map[MismatchType]int `json:"mismatch_counts"`
	TotalDiscrepancyAmount int64                `json:"total_discrepancy_amount"`
	MatchedCount           int                  `json:"matched_count"`
	TotalCandidateCount    int                  `json:"total_candidate_count"`
	MatchRate              float64              `json:"match_rate"`
	SourceCounts           map[SourceKind]int   `json:"source_counts"`
	MalformedRows          map[SourceKind]int   `json:"malformed_rows"`
	PartitionsTotal        int                  `json:"partitions_total"`
	PartitionsProcessed    int                  `json:"partitions_processed"`
}

// CanonicalRecord is the source-independent form of one order or payment event.
// Window is non-zero for records that only place the event inside a time bucket.
type CanonicalRecord struct {
	Source        SourceKind
	MachineCode   string
	OrderNumber   string
	SourceRef     string
	Timestamp     time.Time
	Window        time.Duration
	Amount        int64
	PaymentMethod PaymentMethod
	Raw           RawRow
	Seq           int
}

// Mismatch is a discrepancy surfaced for human review.
type Mismatch struct {
	MismatchID        string                  `json:"mismatch_id"`
	RunID             string                  `json:"run_id"`
	OrderNumber       string                  `json:"order_number,omitempty"`
	MachineCode       string                  `json:"machine_code"`
	OrderTime         time.Time               `json:"order_time"`
	Amount            int64                   `json:"amount"`
	PaymentMethod     PaymentMethod           `json:"payment_method"`
	MismatchType      MismatchType            `json:"mismatch_type"`
	MatchScore        int                     `json:"match_score"`
	DiscrepancyAmount int64                   `json:"discrepancy_amount"`
	SourcesData       map[SourceKind][]RawRow `json:"sources_data"`
	Description       string                  `json:"description"`
	IsResolved        bool                    `json:"is_resolved"`
	ResolutionNotes   string                  `json:"resolution_notes,omitempty"`
	ResolvedAt        *time.Time              `json:"resolved_at,omitempty"`
	ResolvedBy        string                  `json:"resolved_by,omitempty"`
	CreatedAt         time.Time               `json:"created_at"`
}

// MismatchFilter narrows ListMismatches results. Nil fields are not applied.
type MismatchFilter struct {
	MismatchType *MismatchType
	IsResolved   *bool
	MachineCode  string
	Limit        int
	Offset       int
}

// Validate checks the paging and type filters.
func (f MismatchFilter) Validate() error {
	return validation.ValidateStruct(&f,
		validation.Field(&f.MismatchType, validation.By(validMismatchType)),
		validation.Field(&f.Limit, validation.Min(0).Error("must not be negative")),
		validation.Field(&f.Offset, validation.Min(0).Error("must not be negative")),
	)
}

func validMismatchType(value interface{}) error {
	t, ok := value.(*MismatchType)
	if !ok || t == nil {
		return nil
	}
	if !t.Valid() {
		return errors.New("unknown mismatch type")
	}
	return nil
}

// RunParams are the caller-supplied inputs of a new run.
// Nil tolerances fall back to the configured defaults.
type RunParams struct {
	DateFrom        time.Time    `json:"date_from"`
	DateTo          time.Time    `json:"date_to"`
	Sources         []SourceKind `json:"sources"`
	MachineIDs      []string     `json:"machine_ids"`
	TimeTolerance   *int64       `json:"time_tolerance"`
	AmountTolerance *int64       `json:"amount_tolerance"`
	CreatedBy       string       `json:"created_by"`
}

// Validate checks the run parameters.
func (p *RunParams) Validate() error {
	return validation.ValidateStruct(p,
		validation.Field(&p.DateFrom, validation.Required),
		validation.Field(&p.DateTo, validation.Required,
			validation.Min(p.DateFrom).Error("must not be before date_from")),
		validation.Field(&p.Sources, validation.Required, validation.Each(validation.By(validSourceKind))),
		validation.Field(&p.TimeTolerance, validation.Min(int64(0)).Error("must not be negative")),
		validation.Field(&p.AmountTolerance, validation.Min(int64(0)).Error("must not be negative")),
	)
}

func validSourceKind(value interface{}) error {
	k, ok := value.(SourceKind)
	if !ok || !k.Valid() {
		return errors.New("unknown source kind")
	}
	return nil
}

// MatchParams is the immutable run configuration passed through the matching pipeline.
type MatchParams struct {
	Sources         []SourceKind
	TimeTolerance   time.Duration
	AmountTolerance int64
	LooseTimeWindow time.Duration
	Priority        []SourceKind
	TimeWeight      float64
	AmountWeight    float64
}

// Requested reports whether source k takes part in the run.
func (p MatchParams) Requested(k SourceKind) bool {
	for _, s := range p.Sources {
		if s == k {
			return true
		}
	}
	return false
}
