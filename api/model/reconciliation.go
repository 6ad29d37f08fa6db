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
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/vendhub/recon/model"
)

const dateLayout = "2006-01-02"

// Plain dates are calendar days in the operator's zone (Asia/Tashkent).
var businessZone = time.FixedZone("UZT", 5*60*60)

// CreateRun is the body of POST /reconciliation/runs. Dates are RFC3339 timestamps or
// plain YYYY-MM-DD days; a plain date_to covers the whole day.
type CreateRun struct {
	DateFrom        string   `json:"date_from"`
	DateTo          string   `json:"date_to"`
	Sources         []string `json:"sources"`
	MachineIDs      []string `json:"machine_ids"`
	TimeTolerance   *int64   `json:"time_tolerance"`
	AmountTolerance *int64   `json:"amount_tolerance"`
	CreatedBy       string   `json:"created_by"`
}

// ResolveMismatch is the body of PUT /reconciliation/mismatches/:id/resolve.
type ResolveMismatch struct {
	ResolutionNotes string `json:"resolution_notes"`
	ResolvedBy      string `json:"resolved_by"`
}

func (r *CreateRun) ValidateCreateRun() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.DateFrom, validation.Required, validation.By(dateValue)),
		validation.Field(&r.DateTo, validation.Required, validation.By(dateValue)),
		validation.Field(&r.Sources, validation.Required, validation.Each(validation.By(sourceValue))),
	)
}

func (r *ResolveMismatch) ValidateResolveMismatch() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.ResolutionNotes, validation.Required, validation.Length(1, 2000)),
		validation.Field(&r.ResolvedBy, validation.Length(0, 255)),
	)
}

// ToRunParams converts a validated request into engine parameters.
func (r *CreateRun) ToRunParams() (model.RunParams, error) {
	from, err := parseDate(r.DateFrom, false)
	if err != nil {
		return model.RunParams{}, fmt.Errorf("date_from: %w", err)
	}
	to, err := parseDate(r.DateTo, true)
	if err != nil {
		return model.RunParams{}, fmt.Errorf("date_to: %w", err)
	}

	sources := make([]model.SourceKind, 0, len(r.Sources))
	for _, s := range r.Sources {
		kind, err := model.ParseSourceKind(strings.ToLower(strings.TrimSpace(s)))
		if err != nil {
			return model.RunParams{}, err
		}
		sources = append(sources, kind)
	}

	return model.RunParams{
		DateFrom:        from,
		DateTo:          to,
		Sources:         sources,
		MachineIDs:      r.MachineIDs,
		TimeTolerance:   r.TimeTolerance,
		AmountTolerance: r.AmountTolerance,
		CreatedBy:       r.CreatedBy,
	}, nil
}

// ParseMismatchFilter reads the list filters from query parameters.
func ParseMismatchFilter(query func(string) string) (model.MismatchFilter, error) {
	filter := model.MismatchFilter{MachineCode: strings.TrimSpace(query("machine_code"))}

	if v := query("mismatch_type"); v != "" {
		kind := model.MismatchType(v)
		filter.MismatchType = &kind
	}
	if v := query("is_resolved"); v != "" {
		resolved, err := strconv.ParseBool(v)
		if err != nil {
			return filter, errors.New("is_resolved must be true or false")
		}
		filter.IsResolved = &resolved
	}

	var err error
	if filter.Limit, err = intQuery(query, "limit"); err != nil {
		return filter, err
	}
	if filter.Offset, err = intQuery(query, "offset"); err != nil {
		return filter, err
	}
	return filter, nil
}

func intQuery(query func(string) string, name string) (int, error) {
	v := query(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return n, nil
}

func parseDate(value string, endOfDay bool) (time.Time, error) {
	value = strings.TrimSpace(value)
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	day, err := time.ParseInLocation(dateLayout, value, businessZone)
	if err != nil {
		return time.Time{}, errors.New("must be an RFC3339 timestamp or a YYYY-MM-DD date")
	}
	if endOfDay {
		day = day.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return day.UTC(), nil
}

func dateValue(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	_, err := parseDate(s, false)
	return err
}

func sourceValue(value interface{}) error {
	s, _ := value.(string)
	_, err := model.ParseSourceKind(strings.ToLower(strings.TrimSpace(s)))
	return err
}
