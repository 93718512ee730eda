package ingest

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmrf/mrfingest/internal/mrf"
)

func newTestMapper() (*Mapper, *mrf.Resolver, *Report) {
	res := mrf.NewResolver()
	report := NewReport("test://file.json")
	return NewMapper(res, report), res, report
}

func strp(s string) *string { return &s }

func price(rate string) mrf.NegotiatedPrice {
	return mrf.NegotiatedPrice{
		NegotiatedType: "negotiated",
		NegotiatedRate: decimal.RequireFromString(rate),
		ExpirationDate: "2026-12-31",
		BillingClass:   "professional",
	}
}

func inlineRate(rate string) mrf.NegotiatedRate {
	return mrf.NegotiatedRate{
		ProviderGroups: []mrf.ProviderGroup{{
			NPI: mrf.NPIList{1234567890},
			TIN: mrf.TIN{Type: "ein", Value: "12-3456789"},
		}},
		NegotiatedPrices: []mrf.NegotiatedPrice{price(rate)},
	}
}

func TestMapFileMetadata(t *testing.T) {
	m, _, report := newTestMapper()

	rec, err := m.MapFileMetadata(mrf.FileMetadata{
		ReportingEntityName: "Acme Health",
		ReportingEntityType: "health insurance issuer",
		PlanName:            strp("Gold PPO"),
		PlanIDType:          strp("hios"),
		PlanID:              strp("12345"),
		PlanMarketType:      strp("individual"),
		LastUpdatedOn:       "2026-08-01",
		Version:             "1.0.0",
	}, "https://example.com/file.json", 42)
	require.NoError(t, err)

	assert.Equal(t, mrf.EntityHealthInsuranceIssuer, rec.ReportingEntityType)
	require.NotNil(t, rec.PlanIDType)
	assert.Equal(t, mrf.PlanIDHIOS, *rec.PlanIDType)
	assert.Equal(t, "2026-08-01", rec.LastUpdatedOn.Format("2006-01-02"))
	assert.Empty(t, report.Issues)
}

func TestMapFileMetadataUnknownEntityFallsBack(t *testing.T) {
	m, _, report := newTestMapper()

	rec, err := m.MapFileMetadata(mrf.FileMetadata{
		ReportingEntityName: "Acme",
		ReportingEntityType: "intergalactic payer",
		LastUpdatedOn:       "2026-08-01",
		Version:             "1.0.0",
	}, "u", 0)
	require.NoError(t, err)
	assert.Equal(t, mrf.EntityOther, rec.ReportingEntityType)
	assert.Equal(t, 1, report.IssueCount(IssueRecord))
}

func TestMapFileMetadataBadDateIsFatal(t *testing.T) {
	m, _, _ := newTestMapper()
	_, err := m.MapFileMetadata(mrf.FileMetadata{
		ReportingEntityName: "Acme",
		ReportingEntityType: "other",
		LastUpdatedOn:       "08/01/2026",
		Version:             "1.0.0",
	}, "u", 0)
	require.Error(t, err)
}

func TestMapProviderReference(t *testing.T) {
	m, _, report := newTestMapper()

	frag, err := m.MapProviderReference(&mrf.ProviderReference{
		ProviderGroupID: 42,
		ProviderGroups: []mrf.ProviderGroup{{
			NPI: mrf.NPIList{1111111111, 2222222222},
			TIN: mrf.TIN{Type: "npi", Value: "1111111111"},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), frag.GroupID)
	require.Len(t, frag.Groups, 1)
	assert.Equal(t, mrf.TINTypeNPI, frag.Groups[0].TINType)
	assert.Empty(t, report.Issues)
}

func TestMapProviderReferenceRemoteLocation(t *testing.T) {
	m, _, report := newTestMapper()

	frag, err := m.MapProviderReference(&mrf.ProviderReference{
		ProviderGroupID: 7,
		Location:        strp("https://example.com/pr7.json"),
	})
	require.NoError(t, err)
	assert.Empty(t, frag.Groups)
	assert.Equal(t, 1, report.IssueCount(IssueRecord))
}

func TestMapProviderReferenceEmptyNPIListFails(t *testing.T) {
	m, _, _ := newTestMapper()

	_, err := m.MapProviderReference(&mrf.ProviderReference{
		ProviderGroupID: 9,
		ProviderGroups:  []mrf.ProviderGroup{{TIN: mrf.TIN{Type: "ein", Value: "x"}}},
	})
	require.Error(t, err)
}

func TestMapInNetworkFFS(t *testing.T) {
	m, _, report := newTestMapper()

	frag, missing, err := m.MapInNetwork(&mrf.InNetworkItem{
		NegotiationArrangement: "ffs",
		Name:                   "Office visit",
		BillingCodeType:        "CPT",
		BillingCodeTypeVersion: "2024",
		BillingCode:            "99213",
		NegotiatedRates:        []mrf.NegotiatedRate{inlineRate("123.45")},
	})
	require.NoError(t, err)
	assert.Empty(t, missing)
	assert.Equal(t, mrf.ArrangementFFS, frag.Arrangement)
	assert.Empty(t, frag.BundledCodes)
	assert.Empty(t, frag.CoveredServices)
	require.Len(t, frag.Details, 1)
	assert.Equal(t, "123.45", frag.Details[0].Prices[0].Rate.String())
	assert.Empty(t, report.Issues)
}

func TestMapInNetworkBundleCarriesBundledCodes(t *testing.T) {
	m, _, _ := newTestMapper()

	frag, _, err := m.MapInNetwork(&mrf.InNetworkItem{
		NegotiationArrangement: "bundle",
		Name:                   "Knee replacement",
		BillingCodeType:        "MS-DRG",
		BillingCodeTypeVersion: "41",
		BillingCode:            "470",
		BundledCodes: []mrf.ContainedCode{
			{BillingCodeType: "CPT", BillingCodeTypeVersion: "2024", BillingCode: "27447"},
		},
		NegotiatedRates: []mrf.NegotiatedRate{inlineRate("25000")},
	})
	require.NoError(t, err)
	assert.Equal(t, mrf.ArrangementBundle, frag.Arrangement)
	assert.Len(t, frag.BundledCodes, 1)
	assert.Empty(t, frag.CoveredServices)
}

func TestMapInNetworkCapitationCarriesCoveredServices(t *testing.T) {
	m, _, _ := newTestMapper()

	frag, _, err := m.MapInNetwork(&mrf.InNetworkItem{
		NegotiationArrangement: "capitation",
		Name:                   "Primary care",
		BillingCodeType:        "CSTM-ALL",
		BillingCodeTypeVersion: "1",
		BillingCode:            "PCP",
		CoveredServices: []mrf.ContainedCode{
			{BillingCodeType: "CPT", BillingCodeTypeVersion: "2024", BillingCode: "99213"},
			{BillingCodeType: "CPT", BillingCodeTypeVersion: "2024", BillingCode: "99214"},
		},
		NegotiatedRates: []mrf.NegotiatedRate{inlineRate("55.00")},
	})
	require.NoError(t, err)
	assert.Equal(t, mrf.ArrangementCapitation, frag.Arrangement)
	assert.Len(t, frag.CoveredServices, 2)
	assert.Empty(t, frag.BundledCodes)
}

func TestMapInNetworkUnknownArrangementFailsRecord(t *testing.T) {
	m, _, _ := newTestMapper()

	_, _, err := m.MapInNetwork(&mrf.InNetworkItem{
		NegotiationArrangement: "case rate",
		BillingCodeType:        "CPT",
		BillingCode:            "99213",
	})
	require.Error(t, err)
}

func TestMapInNetworkBadDetailDropsOnlyThatDetail(t *testing.T) {
	m, _, report := newTestMapper()

	bad := inlineRate("10")
	bad.NegotiatedPrices[0].BillingClass = "retail"

	frag, _, err := m.MapInNetwork(&mrf.InNetworkItem{
		NegotiationArrangement: "ffs",
		Name:                   "x",
		BillingCodeType:        "CPT",
		BillingCodeTypeVersion: "2024",
		BillingCode:            "99213",
		NegotiatedRates:        []mrf.NegotiatedRate{bad, inlineRate("20")},
	})
	require.NoError(t, err)
	require.Len(t, frag.Details, 1)
	assert.Equal(t, "20", frag.Details[0].Prices[0].Rate.String())
	assert.Equal(t, 1, report.IssueCount(IssueRecord))
}

func TestMapInNetworkDetailWithoutProvidersDropped(t *testing.T) {
	m, _, report := newTestMapper()

	frag, _, err := m.MapInNetwork(&mrf.InNetworkItem{
		NegotiationArrangement: "ffs",
		Name:                   "x",
		BillingCodeType:        "CPT",
		BillingCodeTypeVersion: "2024",
		BillingCode:            "99213",
		NegotiatedRates: []mrf.NegotiatedRate{{
			NegotiatedPrices: []mrf.NegotiatedPrice{price("10")},
		}},
	})
	require.NoError(t, err)
	assert.Empty(t, frag.Details)
	assert.Equal(t, 1, report.IssueCount(IssueRecord))
}

func TestMapInNetworkReportsMissingReferences(t *testing.T) {
	m, res, _ := newTestMapper()
	res.Register(1, []mrf.ProviderGroup{{NPI: mrf.NPIList{1}, TIN: mrf.TIN{Type: "ein", Value: "x"}}})

	_, missing, err := m.MapInNetwork(&mrf.InNetworkItem{
		NegotiationArrangement: "ffs",
		Name:                   "x",
		BillingCodeType:        "CPT",
		BillingCodeTypeVersion: "2024",
		BillingCode:            "99213",
		NegotiatedRates: []mrf.NegotiatedRate{
			{ProviderReferences: []int64{1, 2}, NegotiatedPrices: []mrf.NegotiatedPrice{price("10")}},
			{ProviderReferences: []int64{2, 3}, NegotiatedPrices: []mrf.NegotiatedPrice{price("20")}},
		},
	})
	require.NoError(t, err)
	// Deduplicated across details.
	assert.ElementsMatch(t, []int64{2, 3}, missing)
}

func TestStripUnresolved(t *testing.T) {
	m, res, report := newTestMapper()
	res.Register(1, []mrf.ProviderGroup{{NPI: mrf.NPIList{1}, TIN: mrf.TIN{Type: "ein", Value: "x"}}})

	frag := NewFFSRate("x", CodeRecord{Code: "99213", Type: "CPT"}, []DetailRecord{
		{ReferenceIDs: []int64{1}, Prices: []PriceRecord{{}}},
		{ReferenceIDs: []int64{99}, Prices: []PriceRecord{{}}},
	})
	m.StripUnresolved(frag)

	require.Len(t, frag.Details, 1)
	assert.Equal(t, []int64{1}, frag.Details[0].ReferenceIDs)
	assert.Equal(t, 1, report.IssueCount(IssueResolution))
}

func TestMapOutOfNetwork(t *testing.T) {
	m, _, report := newTestMapper()

	frag, err := m.MapOutOfNetwork(&mrf.OutOfNetworkItem{
		Name:                   "ER visit",
		BillingCodeType:        "CPT",
		BillingCodeTypeVersion: "2024",
		BillingCode:            "99285",
		AllowedAmounts: []mrf.AllowedAmount{{
			TIN:          mrf.TIN{Type: "ein", Value: "12-3456789"},
			BillingClass: "institutional",
			Payments: []mrf.Payment{{
				AllowedAmount: decimal.RequireFromString("842.17"),
				Providers: []mrf.PaymentProvider{{
					BilledCharge: decimal.RequireFromString("1200.50"),
					NPI:          mrf.NPIList{1234567890},
				}},
			}},
		}},
	})
	require.NoError(t, err)
	require.Len(t, frag.AllowedAmounts, 1)
	pay := frag.AllowedAmounts[0].Payments[0]
	assert.Equal(t, "842.17", pay.AllowedAmount.String())
	assert.Equal(t, "1200.50", pay.Providers[0].BilledCharge.String())
	assert.Empty(t, report.Issues)
}

func TestMapOutOfNetworkBadAmountDropsOnlyThatAmount(t *testing.T) {
	m, _, report := newTestMapper()

	frag, err := m.MapOutOfNetwork(&mrf.OutOfNetworkItem{
		Name:                   "x",
		BillingCodeType:        "CPT",
		BillingCodeTypeVersion: "2024",
		BillingCode:            "99285",
		AllowedAmounts: []mrf.AllowedAmount{
			{TIN: mrf.TIN{Type: "ssn", Value: "bad"}, BillingClass: "institutional"},
			{TIN: mrf.TIN{Type: "ein", Value: "ok"}, BillingClass: "professional"},
		},
	})
	require.NoError(t, err)
	require.Len(t, frag.AllowedAmounts, 1)
	assert.Equal(t, "ok", frag.AllowedAmounts[0].TINValue)
	assert.Equal(t, 1, report.IssueCount(IssueRecord))
}
