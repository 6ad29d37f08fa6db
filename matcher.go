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
	"math"
	"sort"
	"time"

	"github.com/vendhub/recon/model"
)

// matchGroup is a set of records from different sources believed to describe one sale.
// members[0] is the anchor; the rest joined in source-priority order.
type matchGroup struct {
	members []*model.CanonicalRecord
	score   int
}

func (g *matchGroup) anchor() *model.CanonicalRecord { return g.members[0] }

func (g *matchGroup) has(k model.SourceKind) bool {
	for _, m := range g.members {
		if m.Source == k {
			return true
		}
	}
	return false
}

// matchResult is the strict-pass output for one machine partition.
type matchResult struct {
	groups    []*matchGroup
	leftovers []*model.CanonicalRecord
}

// matcher groups the records of one machine partition. It is single-use and not safe
// for concurrent use; partitions never share a matcher.
type matcher struct {
	params    model.MatchParams
	priority  []model.SourceKind
	bySource  map[model.SourceKind][]*model.CanonicalRecord
	maxWindow map[model.SourceKind]time.Duration
	consumed  map[int]bool
}

// matchPartition runs the greedy strict pass over all records of one machine.
func matchPartition(records []model.CanonicalRecord, params model.MatchParams) matchResult {
	m := &matcher{
		params:    params,
		priority:  anchorOrder(params),
		bySource:  make(map[model.SourceKind][]*model.CanonicalRecord),
		maxWindow: make(map[model.SourceKind]time.Duration),
		consumed:  make(map[int]bool, len(records)),
	}

	all := make([]*model.CanonicalRecord, 0, len(records))
	for i := range records {
		all = append(all, &records[i])
	}
	sortRecords(all)
	for _, r := range all {
		m.bySource[r.Source] = append(m.bySource[r.Source], r)
		if r.Window > m.maxWindow[r.Source] {
			m.maxWindow[r.Source] = r.Window
		}
	}

	var res matchResult
	for _, src := range m.priority {
		for _, anchor := range m.bySource[src] {
			if m.consumed[anchor.Seq] {
				continue
			}
			g := m.formGroup(anchor)
			if len(g.members) < 2 {
				continue
			}
			for _, member := range g.members {
				m.consumed[member.Seq] = true
			}
			res.groups = append(res.groups, g)
		}
	}

	for _, r := range all {
		if !m.consumed[r.Seq] {
			res.leftovers = append(res.leftovers, r)
		}
	}
	return res
}

// formGroup collects, per other source, the nearest candidate within strict tolerance of
// every member. A settlement anchor takes other settlements only once an order, receipt or
// report has joined, or when the run requested settlements alone.
func (m *matcher) formGroup(anchor *model.CanonicalRecord) *matchGroup {
	g := &matchGroup{members: []*model.CanonicalRecord{anchor}}
	worst := 0.0
	join := func(src model.SourceKind) {
		best, dist := m.bestCandidate(g, src)
		if best == nil {
			return
		}
		g.members = append(g.members, best)
		if dist > worst {
			worst = dist
		}
	}

	var deferred []model.SourceKind
	for _, src := range m.priority {
		if src == anchor.Source {
			continue
		}
		if anchor.Source.IsGateway() && src.IsGateway() {
			deferred = append(deferred, src)
			continue
		}
		join(src)
	}
	if len(g.members) > 1 || m.settlementsOnly() {
		for _, src := range deferred {
			join(src)
		}
	}

	if len(g.members) > 1 {
		g.score = scoreFromDistance(worst)
	}
	return g
}

func (m *matcher) settlementsOnly() bool {
	for _, src := range m.priority {
		if !src.IsGateway() {
			return false
		}
	}
	return true
}

// bestCandidate returns the unconsumed record of src nearest to the group anchor that is
// within strict tolerance of every current member.
func (m *matcher) bestCandidate(g *matchGroup, src model.SourceKind) (*model.CanonicalRecord, float64) {
	anchor := g.anchor()
	list := m.bySource[src]
	lo, hi := timeWindow(list, m.maxWindow[src], anchor, m.params.TimeTolerance)

	var best *model.CanonicalRecord
	bestDist := 0.0
	for _, c := range list[lo:hi] {
		if m.consumed[c.Seq] || !m.fitsGroup(g, c) {
			continue
		}
		d := distance(anchor, c, m.params)
		if best == nil || d < bestDist || (d == bestDist && tieBreakLess(c, best)) {
			best, bestDist = c, d
		}
	}
	return best, bestDist
}

func (m *matcher) fitsGroup(g *matchGroup, c *model.CanonicalRecord) bool {
	for _, member := range g.members {
		if !withinStrict(member, c, m.params) {
			return false
		}
	}
	return true
}

// gatewayExpected decides whether settlement source gw should hold this sale, using the
// payment method declared by non-gateway members. It shapes the expected source set of a
// sale, never the candidates.
func gatewayExpected(members []*model.CanonicalRecord, gw model.SourceKind) bool {
	switch pm := declaredPaymentMethod(members); pm {
	case model.PaymentCash, model.PaymentCard:
		return false
	case model.PaymentUnknown:
		return true
	default:
		expected, _ := pm.Gateway()
		return expected == gw
	}
}

// declaredPaymentMethod is the first known payment method reported by a non-gateway member.
func declaredPaymentMethod(members []*model.CanonicalRecord) model.PaymentMethod {
	for _, m := range members {
		if !m.Source.IsGateway() && m.PaymentMethod != model.PaymentUnknown {
			return m.PaymentMethod
		}
	}
	return model.PaymentUnknown
}

// groupPaymentMethod is the best-available payment method of a set of records.
func groupPaymentMethod(members []*model.CanonicalRecord) model.PaymentMethod {
	if pm := declaredPaymentMethod(members); pm != model.PaymentUnknown {
		return pm
	}
	for _, m := range members {
		if m.Source.IsGateway() {
			return m.PaymentMethod
		}
	}
	return model.PaymentUnknown
}

// anchorOrder is the configured priority restricted to requested sources, followed by any
// requested source the priority does not mention.
func anchorOrder(params model.MatchParams) []model.SourceKind {
	priority := params.Priority
	if len(priority) == 0 {
		priority = model.DefaultSourcePriority
	}
	seen := make(map[model.SourceKind]bool)
	var order []model.SourceKind
	for _, s := range priority {
		if params.Requested(s) && !seen[s] {
			order = append(order, s)
			seen[s] = true
		}
	}
	for _, s := range model.SourceKinds {
		if params.Requested(s) && !seen[s] {
			order = append(order, s)
			seen[s] = true
		}
	}
	return order
}

// timeWindow returns the index range of list (sorted by timestamp) that can lie within
// tolerance of r, given the widest bucket in list.
func timeWindow(list []*model.CanonicalRecord, maxWindow time.Duration, r *model.CanonicalRecord, tolerance time.Duration) (int, int) {
	from := r.Timestamp.Add(-tolerance - maxWindow)
	to := r.Timestamp.Add(r.Window + tolerance)
	lo := sort.Search(len(list), func(i int) bool { return !list[i].Timestamp.Before(from) })
	hi := sort.Search(len(list), func(i int) bool { return list[i].Timestamp.After(to) })
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

// timeGap is the distance between the two records' time spans; zero when they overlap.
func timeGap(a, b *model.CanonicalRecord) time.Duration {
	aEnd := a.Timestamp.Add(a.Window)
	bEnd := b.Timestamp.Add(b.Window)
	switch {
	case b.Timestamp.After(aEnd):
		return b.Timestamp.Sub(aEnd)
	case a.Timestamp.After(bEnd):
		return a.Timestamp.Sub(bEnd)
	}
	return 0
}

func amountGap(a, b *model.CanonicalRecord) int64 {
	d := a.Amount - b.Amount
	if d < 0 {
		return -d
	}
	return d
}

// withinStrict reports whether both deltas are inside the tolerance window. Bounds are inclusive.
func withinStrict(a, b *model.CanonicalRecord, params model.MatchParams) bool {
	return timeGap(a, b) <= params.TimeTolerance && amountGap(a, b) <= params.AmountTolerance
}

// distance is w_t·|Δt|/time_tolerance + w_a·|Δamount|/amount_tolerance. A zero tolerance
// contributes nothing for its term.
func distance(a, b *model.CanonicalRecord, params model.MatchParams) float64 {
	var d float64
	if params.TimeTolerance > 0 {
		d += params.TimeWeight * float64(timeGap(a, b)) / float64(params.TimeTolerance)
	}
	if params.AmountTolerance > 0 {
		d += params.AmountWeight * float64(amountGap(a, b)) / float64(params.AmountTolerance)
	}
	return d
}

func scoreFromDistance(d float64) int {
	score := int(math.Round(100 * (1 - d)))
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// tieBreakLess orders equally distant candidates: earliest timestamp, then smallest
// source identifier, then load order.
func tieBreakLess(a, b *model.CanonicalRecord) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	if a.SourceRef != b.SourceRef {
		return a.SourceRef < b.SourceRef
	}
	return a.Seq < b.Seq
}

func sortRecords(records []*model.CanonicalRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		if a.SourceRef != b.SourceRef {
			return a.SourceRef < b.SourceRef
		}
		if a.Amount != b.Amount {
			return a.Amount < b.Amount
		}
		return a.Seq < b.Seq
	})
}
