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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vendhub/recon/model"
)

func classify(t *testing.T, params model.MatchParams, records ...model.CanonicalRecord) partitionOutcome {
	t.Helper()
	records = numbered(records...)
	out, err := classifyPartition("M-01", len(records), matchPartition(records, params), params)
	require.NoError(t, err)
	return out
}

func TestClassify_OrderWithoutReceipt(t *testing.T) {
	out := classify(t, testParams(model.SourceHW, model.SourceFiscal),
		record(model.SourceHW, "100", 0, 15000, model.PaymentCash),
	)

	require.Len(t, out.Mismatches, 1)
	m := out.Mismatches[0]
	assert.Equal(t, model.MismatchPaymentNotFound, m.MismatchType)
	assert.Equal(t, 0, m.MatchScore)
	assert.Equal(t, int64(15000), m.DiscrepancyAmount)
	assert.Equal(t, "100", m.OrderNumber)
	assert.Equal(t, model.PaymentCash, m.PaymentMethod)
	assert.Len(t, m.SourcesData[model.SourceHW], 1)
	require.Contains(t, m.SourcesData, model.SourceFiscal)
	assert.Empty(t, m.SourcesData[model.SourceFiscal])
	assert.Equal(t, 0, out.Matched)
	assert.Equal(t, 1, out.Total)
}

func TestClassify_ReceiptWithoutOrder(t *testing.T) {
	out := classify(t, testParams(model.SourceHW, model.SourceFiscal),
		record(model.SourceFiscal, "F-1", 0, 15000, model.PaymentUnknown),
	)

	require.Len(t, out.Mismatches, 1)
	assert.Equal(t, model.MismatchOrderNotFound, out.Mismatches[0].MismatchType)
	assert.Contains(t, out.Mismatches[0].Description, "no matching record in hw")
}

func TestClassify_MatchedSaleHasNoMismatch(t *testing.T) {
	out := classify(t, testParams(model.SourceHW, model.SourceFiscal),
		record(model.SourceFiscal, "F-1", 5*time.Second, 15000, model.PaymentUnknown),
		record(model.SourceHW, "100", 0, 15000, model.PaymentCash),
	)

	assert.Empty(t, out.Mismatches)
	assert.Equal(t, 2, out.Matched)
}

func TestClassify_SingleSourceRunMatchesEverything(t *testing.T) {
	out := classify(t, testParams(model.SourceHW),
		record(model.SourceHW, "100", 0, 15000, model.PaymentCash),
		record(model.SourceHW, "101", time.Minute, 9000, model.PaymentCard),
	)

	assert.Empty(t, out.Mismatches)
	assert.Equal(t, 2, out.Matched)
}

func TestClassify_AmountMismatch(t *testing.T) {
	params := testParams(model.SourceFiscal, model.SourceClick)
	params.AmountTolerance = 100

	out := classify(t, params,
		record(model.SourceClick, "ck-1", 0, 20000, model.PaymentClick),
		record(model.SourceFiscal, "F-1", 0, 19500, model.PaymentUnknown),
	)

	require.Len(t, out.Mismatches, 1)
	m := out.Mismatches[0]
	assert.Equal(t, model.MismatchAmount, m.MismatchType)
	assert.Equal(t, int64(500), m.DiscrepancyAmount)
	assert.Equal(t, int64(19500), m.Amount)
	assert.Equal(t, model.PaymentClick, m.PaymentMethod)
	assert.Len(t, m.SourcesData[model.SourceFiscal], 1)
	assert.Len(t, m.SourcesData[model.SourceClick], 1)
	assert.Equal(t, 0, out.Matched)
}

func TestClassify_AmountMismatchCompletesPartialGroup(t *testing.T) {
	out := classify(t, testParams(model.SourceHW, model.SourceFiscal, model.SourcePayme),
		record(model.SourceHW, "100", 0, 15000, model.PaymentPayme),
		record(model.SourceFiscal, "F-1", 5*time.Second, 15000, model.PaymentUnknown),
		record(model.SourcePayme, "tx-1", 10*time.Second, 16000, model.PaymentPayme),
	)

	require.Len(t, out.Mismatches, 1)
	m := out.Mismatches[0]
	assert.Equal(t, model.MismatchAmount, m.MismatchType)
	assert.Equal(t, int64(1000), m.DiscrepancyAmount)
	assert.Len(t, m.SourcesData, 3)
	assert.Equal(t, "100", m.OrderNumber)
	assert.Equal(t, 0, out.Matched)
}

func TestClassify_TimeMismatch(t *testing.T) {
	out := classify(t, testParams(model.SourceHW, model.SourceFiscal),
		record(model.SourceHW, "100", 0, 15000, model.PaymentCash),
		record(model.SourceFiscal, "F-1", 10*time.Minute, 15000, model.PaymentUnknown),
	)

	require.Len(t, out.Mismatches, 1)
	m := out.Mismatches[0]
	assert.Equal(t, model.MismatchTime, m.MismatchType)
	assert.Equal(t, int64(0), m.DiscrepancyAmount)
	assert.Equal(t, saleTime.Add(10*time.Minute), m.OrderTime)
	assert.Equal(t, "100", m.OrderNumber)
	assert.Equal(t, model.PaymentCash, m.PaymentMethod)
}

func TestClassify_BeyondLooseWindowStaysUnmatched(t *testing.T) {
	out := classify(t, testParams(model.SourceHW, model.SourceFiscal),
		record(model.SourceHW, "100", 0, 15000, model.PaymentCash),
		record(model.SourceFiscal, "F-1", 2*time.Hour, 15000, model.PaymentUnknown),
	)

	require.Len(t, out.Mismatches, 2)
	kinds := []model.MismatchType{out.Mismatches[0].MismatchType, out.Mismatches[1].MismatchType}
	assert.ElementsMatch(t, []model.MismatchType{model.MismatchPaymentNotFound, model.MismatchOrderNotFound}, kinds)
}

func TestClassify_DuplicateSettlement(t *testing.T) {
	out := classify(t, testParams(model.SourceHW, model.SourceClick),
		record(model.SourceHW, "100", 0, 10000, model.PaymentClick),
		record(model.SourceClick, "ck-1", 0, 10000, model.PaymentClick),
		record(model.SourceClick, "ck-2", 0, 10000, model.PaymentClick),
	)

	require.Len(t, out.Mismatches, 1)
	m := out.Mismatches[0]
	assert.Equal(t, model.MismatchDuplicate, m.MismatchType)
	assert.Equal(t, int64(10000), m.DiscrepancyAmount)
	assert.Equal(t, 100, m.MatchScore)
	assert.Len(t, m.SourcesData[model.SourceClick], 2)
	assert.Len(t, m.SourcesData[model.SourceHW], 1)
	assert.Equal(t, 2, out.Matched)
	assert.Equal(t, 3, out.Total)
}

func TestClassify_PartialMatch(t *testing.T) {
	out := classify(t, testParams(model.SourceHW, model.SourceFiscal, model.SourcePayme),
		record(model.SourceHW, "100", 0, 15000, model.PaymentPayme),
		record(model.SourceFiscal, "F-1", 5*time.Second, 15020, model.PaymentUnknown),
	)

	require.Len(t, out.Mismatches, 1)
	m := out.Mismatches[0]
	assert.Equal(t, model.MismatchPartial, m.MismatchType)
	assert.Equal(t, int64(20), m.DiscrepancyAmount)
	assert.Equal(t, 76, m.MatchScore)
	assert.Equal(t, "matched in fiscal, hw; missing payme", m.Description)
	require.Contains(t, m.SourcesData, model.SourcePayme)
	assert.Empty(t, m.SourcesData[model.SourcePayme])
	assert.Equal(t, 0, out.Matched)
}

func TestClassify_EveryRecordAccountedFor(t *testing.T) {
	params := testParams(model.SourceHW, model.SourceFiscal, model.SourcePayme, model.SourceClick)

	for _, seed := range []int64{1, 2, 3, 4, 5} {
		records := randomPartition(seed, 250)
		out, err := classifyPartition("M-01", len(records), matchPartition(records, params), params)
		require.NoError(t, err, "seed %d", seed)

		assert.LessOrEqual(t, out.Matched, out.Total)
		for _, m := range out.Mismatches {
			assert.True(t, m.MismatchType.Valid())
			assert.GreaterOrEqual(t, m.MatchScore, 0)
			assert.LessOrEqual(t, m.MatchScore, 100)
			assert.GreaterOrEqual(t, m.DiscrepancyAmount, int64(0))
			assert.NotEmpty(t, m.Description)
		}
	}
}

func TestClassify_OwnershipMismatchIsInvariantError(t *testing.T) {
	params := testParams(model.SourceHW, model.SourceFiscal)
	records := numbered(record(model.SourceHW, "100", 0, 15000, model.PaymentCash))

	_, err := classifyPartition("M-01", 2, matchPartition(records, params), params)

	var invariant *InvariantError
	require.ErrorAs(t, err, &invariant)
	assert.Equal(t, "M-01", invariant.MachineCode)
}

func TestMissingSources(t *testing.T) {
	params := testParams(model.SourceKinds...)
	hw := record(model.SourceHW, "100", 0, 100, model.PaymentUnknown)
	cash := record(model.SourceHW, "101", 0, 100, model.PaymentCash)
	click := record(model.SourceClick, "ck-1", 0, 100, model.PaymentClick)

	assert.Equal(t,
		[]model.SourceKind{model.SourceSalesReport, model.SourceFiscal, model.SourcePayme, model.SourceClick, model.SourceUzum},
		missingSources([]*model.CanonicalRecord{&hw}, params))
	assert.Equal(t,
		[]model.SourceKind{model.SourceSalesReport, model.SourceFiscal},
		missingSources([]*model.CanonicalRecord{&cash}, params))
	assert.Equal(t,
		[]model.SourceKind{model.SourceSalesReport, model.SourceFiscal},
		missingSources([]*model.CanonicalRecord{&hw, &click}, params))
}
