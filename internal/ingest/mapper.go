package ingest

import (
	"fmt"
	"time"

	"github.com/openmrf/mrfingest/internal/mrf"
)

const dateLayout = "2006-01-02"

// Mapper converts structural events into normalized entity fragments. It
// is pure transformation except for consulting the per-file Resolver for
// details that cite provider-reference ids. Validation violations surface
// as per-record or per-detail issues on the mapping report, never as
// pipeline-fatal errors.
type Mapper struct {
	res    *mrf.Resolver
	report *Report
}

// NewMapper builds a mapper over a file-scoped resolver. Issues are
// recorded on report, which the mapper owns for the file's duration.
func NewMapper(res *mrf.Resolver, report *Report) *Mapper {
	return &Mapper{res: res, report: report}
}

// MapFileMetadata normalizes the scalar file fields. Unknown entity-type
// wordings fall back to "other"; the required fields were already
// validated structurally by the scanner.
func (m *Mapper) MapFileMetadata(meta mrf.FileMetadata, sourceURL string, sizeBytes int64) (*FileRecord, error) {
	entity, err := mrf.ParseReportingEntityType(meta.ReportingEntityType)
	if err != nil {
		m.report.Record(IssueRecord, "reporting_entity_type", err)
		entity = mrf.EntityOther
	}

	updated, err := time.Parse(dateLayout, meta.LastUpdatedOn)
	if err != nil {
		return nil, fmt.Errorf("last_updated_on: %w", err)
	}

	rec := &FileRecord{
		ReportingEntityName: meta.ReportingEntityName,
		ReportingEntityType: entity,
		PlanName:            meta.PlanName,
		PlanID:              meta.PlanID,
		LastUpdatedOn:       updated,
		Version:             meta.Version,
		SourceURL:           sourceURL,
		SizeBytes:           sizeBytes,
	}
	if meta.PlanIDType != nil {
		t, err := mrf.ParsePlanIDType(*meta.PlanIDType)
		if err != nil {
			m.report.Record(IssueRecord, "plan_id_type", err)
		} else {
			rec.PlanIDType = &t
		}
	}
	if meta.PlanMarketType != nil {
		t, err := mrf.ParseMarketType(*meta.PlanMarketType)
		if err != nil {
			m.report.Record(IssueRecord, "plan_market_type", err)
		} else {
			rec.PlanMarketType = &t
		}
	}
	return rec, nil
}

// MapProviderReference validates and normalizes one provider_references
// entry. Entries that point at a remote location register with zero
// groups; fetching the sub-file is the index layer's business, so the
// entry is flagged and its citations resolve to nothing.
func (m *Mapper) MapProviderReference(ref *mrf.ProviderReference) (*ProviderReferenceFragment, error) {
	where := fmt.Sprintf("provider_references[id=%d]", ref.ProviderGroupID)
	if ref.Location != nil && len(ref.ProviderGroups) == 0 {
		m.report.Record(IssueRecord, where, fmt.Errorf("remote location %q not fetched", *ref.Location))
		return &ProviderReferenceFragment{GroupID: ref.ProviderGroupID}, nil
	}

	groups, err := m.mapProviderGroups(ref.ProviderGroups)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", where, err)
	}
	return &ProviderReferenceFragment{GroupID: ref.ProviderGroupID, Groups: groups}, nil
}

func (m *Mapper) mapProviderGroups(groups []mrf.ProviderGroup) ([]ProviderGroupRecord, error) {
	out := make([]ProviderGroupRecord, 0, len(groups))
	for i, g := range groups {
		if len(g.NPI) == 0 {
			return nil, fmt.Errorf("provider_groups[%d]: empty npi list", i)
		}
		tt, err := mrf.ParseTINType(g.TIN.Type)
		if err != nil {
			return nil, fmt.Errorf("provider_groups[%d]: %w", i, err)
		}
		out = append(out, ProviderGroupRecord{NPIs: g.NPI, TINType: tt, TINValue: g.TIN.Value})
	}
	return out, nil
}

// MapInNetwork maps one in_network entry, branching on the negotiation
// arrangement to pick the variant shape. The returned missing slice lists
// cited provider-reference ids not yet registered; the caller parks the
// fragment until they are, or strips them at end of file.
//
// A violation inside one detail drops that detail with an issue; the
// record's other details are unaffected. A violation at the record level
// (unknown arrangement, missing billing code) fails the record.
func (m *Mapper) MapInNetwork(item *mrf.InNetworkItem) (*InNetworkFragment, []int64, error) {
	where := fmt.Sprintf("in_network[code=%s]", item.BillingCode)

	arr, err := mrf.ParseArrangement(item.NegotiationArrangement)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", where, err)
	}
	if item.BillingCode == "" || item.BillingCodeType == "" {
		return nil, nil, fmt.Errorf("%s: missing billing code identity", where)
	}
	code := CodeRecord{
		Type:        item.BillingCodeType,
		TypeVersion: item.BillingCodeTypeVersion,
		Code:        item.BillingCode,
		Description: item.Description,
	}

	var details []DetailRecord
	var missing []int64
	seenMissing := make(map[int64]struct{})
	for i, nr := range item.NegotiatedRates {
		detail, miss, err := m.mapDetail(nr)
		if err != nil {
			m.report.Record(IssueRecord, fmt.Sprintf("%s.negotiated_rates[%d]", where, i), err)
			continue
		}
		for _, id := range miss {
			if _, ok := seenMissing[id]; !ok {
				seenMissing[id] = struct{}{}
				missing = append(missing, id)
			}
		}
		details = append(details, detail)
	}

	var frag *InNetworkFragment
	switch arr {
	case mrf.ArrangementBundle:
		frag = NewBundleRate(item.Name, code, mapContainedCodes(item.BundledCodes), details)
	case mrf.ArrangementCapitation:
		frag = NewCapitationRate(item.Name, code, mapContainedCodes(item.CoveredServices), details)
	default:
		frag = NewFFSRate(item.Name, code, details)
	}
	return frag, missing, nil
}

func (m *Mapper) mapDetail(nr mrf.NegotiatedRate) (DetailRecord, []int64, error) {
	var detail DetailRecord
	switch {
	case len(nr.ProviderGroups) > 0:
		groups, err := m.mapProviderGroups(nr.ProviderGroups)
		if err != nil {
			return DetailRecord{}, nil, err
		}
		detail.Groups = groups
	case len(nr.ProviderReferences) > 0:
		detail.ReferenceIDs = nr.ProviderReferences
	default:
		return DetailRecord{}, nil, fmt.Errorf("no provider_groups or provider_references")
	}

	for i, p := range nr.NegotiatedPrices {
		price, err := m.mapPrice(p)
		if err != nil {
			return DetailRecord{}, nil, fmt.Errorf("negotiated_prices[%d]: %w", i, err)
		}
		detail.Prices = append(detail.Prices, price)
	}
	if len(detail.Prices) == 0 {
		return DetailRecord{}, nil, fmt.Errorf("no negotiated_prices")
	}

	return detail, m.res.Missing(detail.ReferenceIDs), nil
}

func (m *Mapper) mapPrice(p mrf.NegotiatedPrice) (PriceRecord, error) {
	nt, err := mrf.ParseNegotiatedType(p.NegotiatedType)
	if err != nil {
		return PriceRecord{}, err
	}
	bc, err := mrf.ParseBillingClass(p.BillingClass)
	if err != nil {
		return PriceRecord{}, err
	}
	exp, err := time.Parse(dateLayout, p.ExpirationDate)
	if err != nil {
		return PriceRecord{}, fmt.Errorf("expiration_date: %w", err)
	}
	price := PriceRecord{
		Type:           nt,
		Rate:           p.NegotiatedRate,
		ExpirationDate: exp,
		BillingClass:   bc,
		ServiceCodes:   p.ServiceCode,
		Modifiers:      p.BillingCodeModifier,
	}
	if p.AdditionalInformation != "" {
		info := p.AdditionalInformation
		price.AdditionalInfo = &info
	}
	return price, nil
}

func mapContainedCodes(codes []mrf.ContainedCode) []CodeRecord {
	out := make([]CodeRecord, 0, len(codes))
	for _, c := range codes {
		out = append(out, CodeRecord{
			Type:        c.BillingCodeType,
			TypeVersion: c.BillingCodeTypeVersion,
			Code:        c.BillingCode,
			Description: c.Description,
		})
	}
	return out
}

// StripUnresolved removes details whose cited ids never registered,
// recording one resolution issue per dropped detail. Sibling details
// survive; the rate record itself still persists.
func (m *Mapper) StripUnresolved(frag *InNetworkFragment) {
	kept := frag.Details[:0]
	for _, d := range frag.Details {
		if miss := m.res.Missing(d.ReferenceIDs); len(miss) > 0 {
			m.report.Record(IssueResolution,
				fmt.Sprintf("in_network[code=%s]", frag.Code.Code),
				&mrf.ResolutionError{IDs: miss})
			continue
		}
		kept = append(kept, d)
	}
	frag.Details = kept
}

// MapOutOfNetwork maps one out_of_network entry. Violations inside one
// allowed amount drop that amount; the record's siblings are unaffected.
func (m *Mapper) MapOutOfNetwork(item *mrf.OutOfNetworkItem) (*OutOfNetworkFragment, error) {
	where := fmt.Sprintf("out_of_network[code=%s]", item.BillingCode)
	if item.BillingCode == "" || item.BillingCodeType == "" {
		return nil, fmt.Errorf("%s: missing billing code identity", where)
	}

	frag := &OutOfNetworkFragment{
		Name: item.Name,
		Code: CodeRecord{
			Type:        item.BillingCodeType,
			TypeVersion: item.BillingCodeTypeVersion,
			Code:        item.BillingCode,
			Description: item.Description,
		},
	}

	for i, aa := range item.AllowedAmounts {
		rec, err := m.mapAllowedAmount(aa)
		if err != nil {
			m.report.Record(IssueRecord, fmt.Sprintf("%s.allowed_amounts[%d]", where, i), err)
			continue
		}
		frag.AllowedAmounts = append(frag.AllowedAmounts, rec)
	}
	return frag, nil
}

func (m *Mapper) mapAllowedAmount(aa mrf.AllowedAmount) (AllowedAmountRecord, error) {
	tt, err := mrf.ParseTINType(aa.TIN.Type)
	if err != nil {
		return AllowedAmountRecord{}, err
	}
	bc, err := mrf.ParseBillingClass(aa.BillingClass)
	if err != nil {
		return AllowedAmountRecord{}, err
	}

	rec := AllowedAmountRecord{
		TINType:      tt,
		TINValue:     aa.TIN.Value,
		ServiceCodes: aa.ServiceCode,
		BillingClass: bc,
	}
	for i, p := range aa.Payments {
		var providers []PaymentProviderRecord
		for j, prov := range p.Providers {
			if len(prov.NPI) == 0 {
				return AllowedAmountRecord{}, fmt.Errorf("payments[%d].providers[%d]: empty npi list", i, j)
			}
			providers = append(providers, PaymentProviderRecord{NPIs: prov.NPI, BilledCharge: prov.BilledCharge})
		}
		rec.Payments = append(rec.Payments, PaymentRecord{
			AllowedAmount: p.AllowedAmount,
			Modifiers:     p.BillingCodeModifier,
			Providers:     providers,
		})
	}
	return rec, nil
}
