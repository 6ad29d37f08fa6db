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

package recon

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vendhub/recon/model"
)

// Device clocks, sales reports and Click timestamps without a zone are Tashkent local time.
var tashkent = time.FixedZone("UZT", 5*60*60)

var (
	maxInt64 = decimal.NewFromInt(math.MaxInt64)
	minInt64 = decimal.NewFromInt(math.MinInt64)
)

const (
	naiveLayout          = "2006-01-02 15:04:05"
	defaultBucketMinutes = 60
)

// normalizeFunc turns one raw row of a single source into a canonical record.
type normalizeFunc func(row model.RawRow) (model.CanonicalRecord, error)

// normalizers is the closed set of per-source normalization functions.
var normalizers = map[model.SourceKind]normalizeFunc{
	model.SourceHW:          normalizeHW,
	model.SourceSalesReport: normalizeSalesReport,
	model.SourceFiscal:      normalizeFiscal,
	model.SourcePayme:       normalizePayme,
	model.SourceClick:       normalizeClick,
	model.SourceUzum:        normalizeUzum,
}

// normalizeRows normalizes every row of one source. Malformed rows are dropped and
// returned as NormalizationErrors. seq numbers the produced records starting at firstSeq.
func normalizeRows(kind model.SourceKind, rows []model.RawRow, firstSeq int) ([]model.CanonicalRecord, []*NormalizationError) {
	fn, ok := normalizers[kind]
	if !ok {
		errs := make([]*NormalizationError, len(rows))
		for i := range rows {
			errs[i] = &NormalizationError{Source: kind, Row: i, Reason: "no normalizer for source"}
		}
		return nil, errs
	}

	records := make([]model.CanonicalRecord, 0, len(rows))
	var errs []*NormalizationError
	seq := firstSeq
	for i, row := range rows {
		rec, err := fn(row)
		if err != nil {
			errs = append(errs, &NormalizationError{Source: kind, Row: i, Reason: err.Error()})
			continue
		}
		rec.Source = kind
		rec.Raw = row
		rec.Seq = seq
		seq++
		records = append(records, rec)
	}
	return records, errs
}

func normalizeHW(row model.RawRow) (model.CanonicalRecord, error) {
	machine, err := machineCode(row)
	if err != nil {
		return model.CanonicalRecord{}, err
	}
	orderNumber, err := requiredString(row, "order_number")
	if err != nil {
		return model.CanonicalRecord{}, err
	}
	offset := 5 * 60
	if _, ok := row["tz_offset_minutes"]; ok {
		offset, err = intField(row, "tz_offset_minutes")
		if err != nil {
			return model.CanonicalRecord{}, err
		}
	}
	ts, err := timeField(row, "order_time", time.FixedZone("device", offset*60))
	if err != nil {
		return model.CanonicalRecord{}, err
	}
	amount, err := majorUnitsField(row, "amount")
	if err != nil {
		return model.CanonicalRecord{}, err
	}
	method, _ := optionalString(row, "payment_method")

	return model.CanonicalRecord{
		MachineCode:   machine,
		OrderNumber:   orderNumber,
		SourceRef:     orderNumber,
		Timestamp:     ts,
		Amount:        amount,
		PaymentMethod: canonicalPaymentMethod(method),
	}, nil
}

func normalizeSalesReport(row model.RawRow) (model.CanonicalRecord, error) {
	machine, err := machineCode(row)
	if err != nil {
		return model.CanonicalRecord{}, err
	}
	start, err := timeField(row, "period_start", tashkent)
	if err != nil {
		return model.CanonicalRecord{}, err
	}
	minutes := defaultBucketMinutes
	if _, ok := row["period_minutes"]; ok {
		minutes, err = intField(row, "period_minutes")
		if err != nil {
			return model.CanonicalRecord{}, err
		}
		if minutes <= 0 {
			return model.CanonicalRecord{}, errors.New("period_minutes must be positive")
		}
	}
	amount, err := majorUnitsField(row, "amount")
	if err != nil {
		return model.CanonicalRecord{}, err
	}
	method, _ := optionalString(row, "payment_type")
	ref, ok := optionalString(row, "report_id")
	if !ok {
		ref = start.Format(time.RFC3339)
	}

	return model.CanonicalRecord{
		MachineCode:   machine,
		SourceRef:     ref,
		Timestamp:     start,
		Window:        time.Duration(minutes) * time.Minute,
		Amount:        amount,
		PaymentMethod: canonicalPaymentMethod(method),
	}, nil
}

func normalizeFiscal(row model.RawRow) (model.CanonicalRecord, error) {
	machine, err := machineCode(row)
	if err != nil {
		return model.CanonicalRecord{}, err
	}
	receipt, err := requiredString(row, "receipt_number")
	if err != nil {
		return model.CanonicalRecord{}, err
	}
	ts, err := timeField(row, "fiscal_time", tashkent)
	if err != nil {
		return model.CanonicalRecord{}, err
	}
	amount, err := majorUnitsField(row, "total")
	if err != nil {
		return model.CanonicalRecord{}, err
	}
	method, _ := optionalString(row, "payment_method")

	return model.CanonicalRecord{
		MachineCode:   machine,
		OrderNumber:   receipt,
		SourceRef:     receipt,
		Timestamp:     ts,
		Amount:        amount,
		PaymentMethod: canonicalPaymentMethod(method),
	}, nil
}

func normalizePayme(row model.RawRow) (model.CanonicalRecord, error) {
	machine, err := machineCode(row)
	if err != nil {
		return model.CanonicalRecord{}, err
	}
	txID, err := requiredString(row, "transaction_id")
	if err != nil {
		return model.CanonicalRecord{}, err
	}
	millis, err := int64Field(row, "perform_time")
	if err != nil {
		return model.CanonicalRecord{}, err
	}
	if millis <= 0 {
		return model.CanonicalRecord{}, errors.New("perform_time must be positive")
	}
	amount, err := minorUnitsField(row, "amount")
	if err != nil {
		return model.CanonicalRecord{}, err
	}
	orderNumber, _ := optionalString(row, "order_number")

	return model.CanonicalRecord{
		MachineCode:   machine,
		OrderNumber:   orderNumber,
		SourceRef:     txID,
		Timestamp:     time.UnixMilli(millis).UTC(),
		Amount:        amount,
		PaymentMethod: model.PaymentPayme,
	}, nil
}

func normalizeClick(row model.RawRow) (model.CanonicalRecord, error) {
	machine, err := machineCode(row)
	if err != nil {
		return model.CanonicalRecord{}, err
	}
	txID, err := requiredString(row, "click_trans_id")
	if err != nil {
		return model.CanonicalRecord{}, err
	}
	ts, err := timeField(row, "sign_time", tashkent)
	if err != nil {
		return model.CanonicalRecord{}, err
	}
	amount, err := majorUnitsField(row, "amount")
	if err != nil {
		return model.CanonicalRecord{}, err
	}
	orderNumber, _ := optionalString(row, "merchant_trans_id")

	return model.CanonicalRecord{
		MachineCode:   machine,
		OrderNumber:   orderNumber,
		SourceRef:     txID,
		Timestamp:     ts,
		Amount:        amount,
		PaymentMethod: model.PaymentClick,
	}, nil
}

func normalizeUzum(row model.RawRow) (model.CanonicalRecord, error) {
	machine, err := machineCode(row)
	if err != nil {
		return model.CanonicalRecord{}, err
	}
	txID, err := requiredString(row, "transaction_id")
	if err != nil {
		return model.CanonicalRecord{}, err
	}
	ts, err := timeField(row, "created_at", time.UTC)
	if err != nil {
		return model.CanonicalRecord{}, err
	}
	amount, err := minorUnitsField(row, "amount")
	if err != nil {
		return model.CanonicalRecord{}, err
	}
	orderNumber, _ := optionalString(row, "order_id")

	return model.CanonicalRecord{
		MachineCode:   machine,
		OrderNumber:   orderNumber,
		SourceRef:     txID,
		Timestamp:     ts,
		Amount:        amount,
		PaymentMethod: model.PaymentUzum,
	}, nil
}

func machineCode(row model.RawRow) (string, error) {
	code, err := requiredString(row, "machine_code")
	if err != nil {
		return "", err
	}
	return strings.ToUpper(code), nil
}

// optionalString returns the trimmed string form of a field and whether it is non-empty.
func optionalString(row model.RawRow, field string) (string, bool) {
	v, ok := row[field]
	if !ok || v == nil {
		return "", false
	}
	var s string
	switch val := v.(type) {
	case string:
		s = val
	case json.Number:
		s = val.String()
	case float64:
		s = strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		s = strconv.Itoa(val)
	case int64:
		s = strconv.FormatInt(val, 10)
	default:
		s = fmt.Sprint(val)
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

func requiredString(row model.RawRow, field string) (string, error) {
	s, ok := optionalString(row, field)
	if !ok {
		return "", fmt.Errorf("required field '%s' is missing or empty", field)
	}
	return s, nil
}

func decimalField(row model.RawRow, field string) (decimal.Decimal, error) {
	s, err := requiredString(row, field)
	if err != nil {
		return decimal.Zero, err
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q", field, s)
	}
	return d, nil
}

// majorUnitsField reads a decimal amount in major currency units and returns minor units.
func majorUnitsField(row model.RawRow, field string) (int64, error) {
	d, err := decimalField(row, field)
	if err != nil {
		return 0, err
	}
	return toMinorUnits(field, d.Shift(2))
}

// minorUnitsField reads an amount that the source already reports in minor units.
func minorUnitsField(row model.RawRow, field string) (int64, error) {
	d, err := decimalField(row, field)
	if err != nil {
		return 0, err
	}
	return toMinorUnits(field, d)
}

func toMinorUnits(field string, minor decimal.Decimal) (int64, error) {
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("%s has sub-minor-unit precision", field)
	}
	if minor.IsNegative() {
		return 0, fmt.Errorf("%s must not be negative", field)
	}
	if minor.GreaterThan(maxInt64) {
		return 0, fmt.Errorf("%s is out of range", field)
	}
	return minor.IntPart(), nil
}

func int64Field(row model.RawRow, field string) (int64, error) {
	d, err := decimalField(row, field)
	if err != nil {
		return 0, err
	}
	if !d.Equal(d.Truncate(0)) {
		return 0, fmt.Errorf("%s must be an integer", field)
	}
	if d.GreaterThan(maxInt64) || d.LessThan(minInt64) {
		return 0, fmt.Errorf("%s is out of range", field)
	}
	return d.IntPart(), nil
}

func intField(row model.RawRow, field string) (int, error) {
	v, err := int64Field(row, field)
	return int(v), err
}

// timeField parses RFC3339 timestamps as-is and naive timestamps in loc, returning UTC.
func timeField(row model.RawRow, field string, loc *time.Location) (time.Time, error) {
	s, err := requiredString(row, field)
	if err != nil {
		return time.Time{}, err
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.ParseInLocation(naiveLayout, s, loc); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid %s %q", field, s)
}

func canonicalPaymentMethod(raw string) model.PaymentMethod {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "cash", "naqd", "coin", "bill":
		return model.PaymentCash
	case "card", "uzcard", "humo", "visa", "mastercard":
		return model.PaymentCard
	case "payme":
		return model.PaymentPayme
	case "click":
		return model.PaymentClick
	case "uzum", "uzum_bank", "uzumbank":
		return model.PaymentUzum
	}
	return model.PaymentUnknown
}
