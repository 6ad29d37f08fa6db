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
	"fmt"

	"github.com/vendhub/recon/model"
)

// summaryAccumulator builds a run summary. It has a single writer: the coordinator
// goroutine that drains finished partitions.
type summaryAccumulator struct {
	s model.RunSummary
}

func newSummaryAccumulator(sources []model.SourceKind, partitions int) *summaryAccumulator {
	a := &summaryAccumulator{s: model.RunSummary{
		MismatchCounts:  make(map[model.MismatchType]int),
		SourceCounts:    make(map[model.SourceKind]int),
		MalformedRows:   make(map[model.SourceKind]int),
		PartitionsTotal: partitions,
	}}
	for _, t := range model.MismatchTypes {
		a.s.MismatchCounts[t] = 0
	}
	for _, src := range sources {
		a.s.SourceCounts[src] = 0
		a.s.MalformedRows[src] = 0
	}
	return a
}

func (a *summaryAccumulator) addSource(kind model.SourceKind, records, malformed int) {
	a.s.SourceCounts[kind] += records
	a.s.MalformedRows[kind] += malformed
}

func (a *summaryAccumulator) setPartitions(total int) {
	a.s.PartitionsTotal = total
}

// addPartition folds one finished partition into the summary.
func (a *summaryAccumulator) addPartition(o partitionOutcome) error {
	for _, m := range o.Mismatches {
		if m.DiscrepancyAmount < 0 {
			return &InvariantError{MachineCode: o.MachineCode, Detail: fmt.Sprintf("negative discrepancy %d", m.DiscrepancyAmount)}
		}
		a.s.MismatchCounts[m.MismatchType]++
		a.s.TotalDiscrepancyAmount += m.DiscrepancyAmount
	}
	a.s.MatchedCount += o.Matched
	a.s.TotalCandidateCount += o.Total
	a.s.PartitionsProcessed++
	return nil
}

// snapshot returns a copy of the summary with the match rate computed.
func (a *summaryAccumulator) snapshot() *model.RunSummary {
	out := a.s
	out.MismatchCounts = make(map[model.MismatchType]int, len(a.s.MismatchCounts))
	for k, v := range a.s.MismatchCounts {
		out.MismatchCounts[k] = v
	}
	out.SourceCounts = make(map[model.SourceKind]int, len(a.s.SourceCounts))
	for k, v := range a.s.SourceCounts {
		out.SourceCounts[k] = v
	}
	out.MalformedRows = make(map[model.SourceKind]int, len(a.s.MalformedRows))
	for k, v := range a.s.MalformedRows {
		out.MalformedRows[k] = v
	}
	out.MatchRate = 1.0
	if out.TotalCandidateCount > 0 {
		out.MatchRate = float64(out.MatchedCount) / float64(out.TotalCandidateCount)
	}
	return &out
}
