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
	"sort"
	"strings"
	"time"

	"github.com/vendhub/recon/model"
)

// partitionOutcome is everything one machine partition contributes to a run.
type partitionOutcome struct {
	MachineCode string
	Mismatches  []model.Mismatch
	Matched     int
	Total       int
}

type classifier struct {
	machine string
	params  model.MatchParams
	order   []model.SourceKind
	res     matchResult

	used     map[int]bool
	absorbed map[*matchGroup]bool
	owned    int
	out      partitionOutcome
}

// classifyPartition turns the strict-pass output of one machine into mismatches. Passes run
// in a fixed order: duplicates, amount mismatches, time mismatches, singletons and finally
// incomplete groups. Every record ends up either matched or owned by exactly one mismatch.
func classifyPartition(machine string, total int, res matchResult, params model.MatchParams) (partitionOutcome, error) {
	c := &classifier{
		machine:  machine,
		params:   params,
		order:    anchorOrder(params),
		res:      res,
		used:     make(map[int]bool),
		absorbed: make(map[*matchGroup]bool),
		out:      partitionOutcome{MachineCode: machine, Total: total},
	}

	c.duplicates()
	c.loosePass(model.MismatchAmount, func(a, b *model.CanonicalRecord) bool {
		return timeGap(a, b) <= params.TimeTolerance && amountGap(a, b) > params.AmountTolerance
	})
	c.loosePass(model.MismatchTime, func(a, b *model.CanonicalRecord) bool {
		gap := timeGap(a, b)
		return amountGap(a, b) <= params.AmountTolerance && gap > params.TimeTolerance && gap <= params.LooseTimeWindow
	})
	c.singletons()
	c.incompleteGroups()

	if err := c.check(); err != nil {
		return partitionOutcome{}, err
	}
	return c.out, nil
}

// groupIndex orders groups by anchor time for window lookups.
type groupIndex struct {
	groups    []*matchGroup
	anchors   []*model.CanonicalRecord
	maxWindow time.Duration
}

func newGroupIndex(groups []*matchGroup) groupIndex {
	idx := groupIndex{groups: make([]*matchGroup, len(groups))}
	copy(idx.groups, groups)
	sort.SliceStable(idx.groups, func(i, j int) bool {
		a, b := idx.groups[i].anchor(), idx.groups[j].anchor()
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.Seq < b.Seq
	})
	for _, g := range idx.groups {
		idx.anchors = append(idx.anchors, g.anchor())
		if w := g.anchor().Window; w > idx.maxWindow {
			idx.maxWindow = w
		}
	}
	return idx
}

func (idx groupIndex) near(r *model.CanonicalRecord, tolerance time.Duration) []*matchGroup {
	lo, hi := timeWindow(idx.anchors, idx.maxWindow, r, tolerance)
	return idx.groups[lo:hi]
}

// duplicates attaches each leftover that would have joined a group, had the group not
// already held a record of the same source, to that group as an extra.
func (c *classifier) duplicates() {
	idx := newGroupIndex(c.res.groups)
	extras := make(map[*matchGroup][]*model.CanonicalRecord)

	for _, l := range c.res.leftovers {
		var best *matchGroup
		bestDist := 0.0
		for _, g := range idx.near(l, c.params.TimeTolerance) {
			if !g.has(l.Source) || !c.wouldJoin(g, l) {
				continue
			}
			d := distance(g.anchor(), l, c.params)
			if best == nil || d < bestDist {
				best, bestDist = g, d
			}
		}
		if best == nil {
			continue
		}
		c.used[l.Seq] = true
		extras[best] = append(extras[best], l)
	}

	for _, g := range c.res.groups {
		dups, ok := extras[g]
		if !ok {
			continue
		}
		for _, src := range model.SourceKinds {
			var (
				same  []*model.CanonicalRecord
				extra int64
				worst float64
			)
			for _, d := range dups {
				if d.Source != src {
					continue
				}
				same = append(same, d)
				extra += d.Amount
				if dist := distance(g.anchor(), d, c.params); dist > worst {
					worst = dist
				}
			}
			if len(same) == 0 {
				continue
			}
			members := append(append([]*model.CanonicalRecord{}, g.members...), same...)
			desc := fmt.Sprintf("%d extra %s record(s) for one sale totalling %d", len(same), src, extra)
			c.emit(model.MismatchDuplicate, g.anchor(), members, nil, scoreFromDistance(worst), extra, desc, len(same))
		}
	}
}

func (c *classifier) wouldJoin(g *matchGroup, l *model.CanonicalRecord) bool {
	for _, m := range g.members {
		if m.Source == l.Source && m != g.anchor() {
			continue
		}
		if !withinStrict(m, l, c.params) {
			return false
		}
	}
	return true
}

// loosePass pairs leftovers with incomplete groups or with other leftovers when accept holds
// between them. Each record and group takes part in at most one pairing.
func (c *classifier) loosePass(kind model.MismatchType, accept func(a, b *model.CanonicalRecord) bool) {
	window := c.params.TimeTolerance
	if c.params.LooseTimeWindow > window {
		window = c.params.LooseTimeWindow
	}
	idx := newGroupIndex(c.res.groups)

	pending := c.pending()
	var maxWindow time.Duration
	for _, l := range pending {
		if l.Window > maxWindow {
			maxWindow = l.Window
		}
	}

	for _, src := range c.order {
		for _, l := range pending {
			if l.Source != src || c.used[l.Seq] {
				continue
			}

			var (
				bestGroup *matchGroup
				bestLeft  *model.CanonicalRecord
				bestKey   pairKey
			)
			for _, g := range idx.near(l, window) {
				if c.absorbed[g] || !containsSource(missingSources(g.members, c.params), l.Source) || !accept(g.anchor(), l) {
					continue
				}
				key := newPairKey(g.anchor(), l)
				if bestGroup == nil || key.less(bestKey) {
					bestGroup, bestKey = g, key
				}
			}
			lo, hi := timeWindow(pending, maxWindow, l, window)
			for _, o := range pending[lo:hi] {
				if o == l || o.Source == l.Source || c.used[o.Seq] || !c.pairable(l, o) || !accept(l, o) {
					continue
				}
				key := newPairKey(o, l)
				if (bestGroup == nil && bestLeft == nil) || key.less(bestKey) {
					bestGroup, bestLeft, bestKey = nil, o, key
				}
			}

			switch {
			case bestLeft != nil:
				c.used[l.Seq], c.used[bestLeft.Seq] = true, true
				primary, other := l, bestLeft
				if c.rank(other.Source) < c.rank(primary.Source) {
					primary, other = other, primary
				}
				members := []*model.CanonicalRecord{primary, other}
				c.emitPair(kind, primary, other, members, 2)
			case bestGroup != nil:
				c.used[l.Seq] = true
				c.absorbed[bestGroup] = true
				members := append(append([]*model.CanonicalRecord{}, bestGroup.members...), l)
				c.emitPair(kind, bestGroup.anchor(), l, members, len(members))
			}
		}
	}
}

func (c *classifier) emitPair(kind model.MismatchType, primary, other *model.CanonicalRecord, members []*model.CanonicalRecord, owned int) {
	var desc string
	if kind == model.MismatchAmount {
		desc = fmt.Sprintf("%s reports %d but %s reports %d (difference %d, tolerance %d)",
			primary.Source, primary.Amount, other.Source, other.Amount, amountGap(primary, other), c.params.AmountTolerance)
	} else {
		desc = fmt.Sprintf("%s and %s agree on the amount but are %s apart (tolerance %s)",
			primary.Source, other.Source, timeGap(primary, other), c.params.TimeTolerance)
	}
	missing := missingSources(members, c.params)
	c.emit(kind, primary, members, missing, scoreFromDistance(distance(primary, other, c.params)), amountGap(primary, other), desc, owned)
}

// pairable reports whether two leftovers could describe the same sale.
func (c *classifier) pairable(a, b *model.CanonicalRecord) bool {
	one := []*model.CanonicalRecord{a}
	two := []*model.CanonicalRecord{b}
	return containsSource(missingSources(one, c.params), b.Source) &&
		containsSource(missingSources(two, c.params), a.Source)
}

func (c *classifier) singletons() {
	for _, l := range c.pending() {
		c.used[l.Seq] = true
		members := []*model.CanonicalRecord{l}
		missing := missingSources(members, c.params)
		if len(missing) == 0 {
			c.out.Matched++
			c.owned++
			continue
		}
		kind := model.MismatchOrderNotFound
		desc := fmt.Sprintf("%s record %s for %d has no matching record in %s", l.Source, l.SourceRef, l.Amount, joinSources(missing))
		if l.Source == model.SourceHW {
			kind = model.MismatchPaymentNotFound
			desc = fmt.Sprintf("order %s for %d has no matching record in %s", l.OrderNumber, l.Amount, joinSources(missing))
		}
		c.emit(kind, l, members, missing, 0, l.Amount, desc, 1)
	}
}

func (c *classifier) incompleteGroups() {
	for _, g := range c.res.groups {
		if c.absorbed[g] {
			continue
		}
		missing := missingSources(g.members, c.params)
		if len(missing) == 0 {
			c.out.Matched += len(g.members)
			c.owned += len(g.members)
			continue
		}
		present := make([]model.SourceKind, 0, len(g.members))
		for _, m := range g.members {
			present = append(present, m.Source)
		}
		desc := fmt.Sprintf("matched in %s; missing %s", joinSources(present), joinSources(missing))
		c.emit(model.MismatchPartial, g.anchor(), g.members, missing, g.score, amountSpread(g.members), desc, len(g.members))
	}
}

func (c *classifier) emit(kind model.MismatchType, primary *model.CanonicalRecord, members []*model.CanonicalRecord,
	missing []model.SourceKind, score int, discrepancy int64, desc string, owned int) {
	data := make(map[model.SourceKind][]model.RawRow)
	for _, m := range members {
		data[m.Source] = append(data[m.Source], m.Raw)
	}
	for _, s := range missing {
		if _, ok := data[s]; !ok {
			data[s] = []model.RawRow{}
		}
	}

	c.owned += owned
	c.out.Mismatches = append(c.out.Mismatches, model.Mismatch{
		OrderNumber:       orderNumber(members),
		MachineCode:       c.machine,
		OrderTime:         primary.Timestamp,
		Amount:            primary.Amount,
		PaymentMethod:     groupPaymentMethod(members),
		MismatchType:      kind,
		MatchScore:        score,
		DiscrepancyAmount: discrepancy,
		SourcesData:       data,
		Description:       desc,
	})
}

func (c *classifier) pending() []*model.CanonicalRecord {
	var out []*model.CanonicalRecord
	for _, l := range c.res.leftovers {
		if !c.used[l.Seq] {
			out = append(out, l)
		}
	}
	return out
}

func (c *classifier) rank(k model.SourceKind) int {
	for i, s := range c.order {
		if s == k {
			return i
		}
	}
	return len(c.order)
}

func (c *classifier) check() error {
	for _, m := range c.out.Mismatches {
		if m.MatchScore < 0 || m.MatchScore > 100 {
			return &InvariantError{MachineCode: c.machine, Detail: fmt.Sprintf("match score %d out of range", m.MatchScore)}
		}
		if m.DiscrepancyAmount < 0 {
			return &InvariantError{MachineCode: c.machine, Detail: fmt.Sprintf("negative discrepancy %d", m.DiscrepancyAmount)}
		}
	}
	if c.owned != c.out.Total {
		return &InvariantError{MachineCode: c.machine, Detail: fmt.Sprintf("%d of %d records classified", c.owned, c.out.Total)}
	}
	return nil
}

// missingSources lists, in canonical order, the requested sources a sale made of members
// should also appear in. Gateways are expected according to the declared payment method;
// when it is unknown and no gateway is present, every requested gateway is listed.
func missingSources(members []*model.CanonicalRecord, params model.MatchParams) []model.SourceKind {
	present := make(map[model.SourceKind]bool, len(members))
	hasGateway := false
	for _, m := range members {
		present[m.Source] = true
		if m.Source.IsGateway() {
			hasGateway = true
		}
	}
	var missing []model.SourceKind
	for _, s := range model.SourceKinds {
		if !params.Requested(s) || present[s] {
			continue
		}
		if s.IsGateway() && (hasGateway || !gatewayExpected(members, s)) {
			continue
		}
		missing = append(missing, s)
	}
	return missing
}

type pairKey struct {
	gap    time.Duration
	amount int64
	at     time.Time
	seq    int
}

func newPairKey(target, l *model.CanonicalRecord) pairKey {
	return pairKey{gap: timeGap(target, l), amount: amountGap(target, l), at: target.Timestamp, seq: target.Seq}
}

func (k pairKey) less(o pairKey) bool {
	if k.gap != o.gap {
		return k.gap < o.gap
	}
	if k.amount != o.amount {
		return k.amount < o.amount
	}
	if !k.at.Equal(o.at) {
		return k.at.Before(o.at)
	}
	return k.seq < o.seq
}

func containsSource(list []model.SourceKind, k model.SourceKind) bool {
	for _, s := range list {
		if s == k {
			return true
		}
	}
	return false
}

func joinSources(list []model.SourceKind) string {
	names := make([]string, len(list))
	for i, s := range list {
		names[i] = string(s)
	}
	return strings.Join(names, ", ")
}

func amountSpread(members []*model.CanonicalRecord) int64 {
	lo, hi := members[0].Amount, members[0].Amount
	for _, m := range members[1:] {
		if m.Amount < lo {
			lo = m.Amount
		}
		if m.Amount > hi {
			hi = m.Amount
		}
	}
	return hi - lo
}

// orderNumber prefers the machine's own order number, then any reference a member carries.
func orderNumber(members []*model.CanonicalRecord) string {
	for _, m := range members {
		if m.Source == model.SourceHW && m.OrderNumber != "" {
			return m.OrderNumber
		}
	}
	for _, m := range members {
		if m.OrderNumber != "" {
			return m.OrderNumber
		}
	}
	return ""
}
