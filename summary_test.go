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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vendhub/recon/model"
)

func TestSummary_EmptyRunMatchesFully(t *testing.T) {
	acc := newSummaryAccumulator([]model.SourceKind{model.SourceHW, model.SourceFiscal}, 0)

	s := acc.snapshot()

	assert.Equal(t, 1.0, s.MatchRate)
	assert.Equal(t, 0, s.TotalCandidateCount)
	assert.Len(t, s.MismatchCounts, len(model.MismatchTypes))
	assert.Equal(t, map[model.SourceKind]int{model.SourceHW: 0, model.SourceFiscal: 0}, s.SourceCounts)
}

func TestSummary_FoldsPartitions(t *testing.T) {
	acc := newSummaryAccumulator([]model.SourceKind{model.SourceHW, model.SourceFiscal}, 2)
	acc.addSource(model.SourceHW, 3, 1)
	acc.addSource(model.SourceFiscal, 2, 0)

	require.NoError(t, acc.addPartition(partitionOutcome{
		MachineCode: "M-01",
		Matched:     2,
		Total:       3,
		Mismatches: []model.Mismatch{
			{MismatchType: model.MismatchPaymentNotFound, DiscrepancyAmount: 15000},
		},
	}))
	require.NoError(t, acc.addPartition(partitionOutcome{
		MachineCode: "M-02",
		Matched:     0,
		Total:       2,
		Mismatches: []model.Mismatch{
			{MismatchType: model.MismatchAmount, DiscrepancyAmount: 500},
		},
	}))

	s := acc.snapshot()
	assert.Equal(t, 2, s.MatchedCount)
	assert.Equal(t, 5, s.TotalCandidateCount)
	assert.InDelta(t, 0.4, s.MatchRate, 1e-9)
	assert.Equal(t, int64(15500), s.TotalDiscrepancyAmount)
	assert.Equal(t, 1, s.MismatchCounts[model.MismatchPaymentNotFound])
	assert.Equal(t, 1, s.MismatchCounts[model.MismatchAmount])
	assert.Equal(t, 0, s.MismatchCounts[model.MismatchDuplicate])
	assert.Equal(t, 3, s.SourceCounts[model.SourceHW])
	assert.Equal(t, 1, s.MalformedRows[model.SourceHW])
	assert.Equal(t, 2, s.PartitionsProcessed)
	assert.Equal(t, 2, s.PartitionsTotal)
}

func TestSummary_SnapshotIsDetached(t *testing.T) {
	acc := newSummaryAccumulator([]model.SourceKind{model.SourceHW}, 1)

	first := acc.snapshot()
	first.MismatchCounts[model.MismatchDuplicate] = 99
	first.SourceCounts[model.SourceHW] = 99

	second := acc.snapshot()
	assert.Equal(t, 0, second.MismatchCounts[model.MismatchDuplicate])
	assert.Equal(t, 0, second.SourceCounts[model.SourceHW])
}

func TestSummary_NegativeDiscrepancyIsRejected(t *testing.T) {
	acc := newSummaryAccumulator([]model.SourceKind{model.SourceHW}, 1)

	err := acc.addPartition(partitionOutcome{
		MachineCode: "M-01",
		Total:       1,
		Mismatches:  []model.Mismatch{{MismatchType: model.MismatchAmount, DiscrepancyAmount: -1}},
	})

	var invariant *InvariantError
	require.ErrorAs(t, err, &invariant)
	assert.Equal(t, 0, acc.snapshot().PartitionsProcessed)
}
