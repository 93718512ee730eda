package ingest

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/openmrf/mrfingest/internal/mrf"
)

// FileRecord is the normalized form of a file's scalar metadata plus
// provenance. One mrf_files row per ingested document.
type FileRecord struct {
	ReportingEntityName string
	ReportingEntityType mrf.ReportingEntityType
	PlanName            *string
	PlanIDType          *mrf.PlanIDType
	PlanID              *string
	PlanMarketType      *mrf.MarketType
	LastUpdatedOn       time.Time
	Version             string
	SourceURL           string
	SizeBytes           int64
}

// ProviderGroupRecord is a non-empty NPI set billing under one TIN.
type ProviderGroupRecord struct {
	NPIs     []int64
	TINType  mrf.TINType
	TINValue string
}

// ProviderReferenceFragment is a registered provider reference: the
// file-scoped group id plus its groups. Entries that point at a remote
// location carry zero groups.
type ProviderReferenceFragment struct {
	GroupID int64
	Groups  []ProviderGroupRecord
}

// CodeRecord is a billing code identity.
type CodeRecord struct {
	Type        string
	TypeVersion string
	Code        string
	Description string
}

// PriceRecord is one negotiated price. Rate is an exact decimal.
type PriceRecord struct {
	Type           mrf.NegotiatedType
	Rate           decimal.Decimal
	ExpirationDate time.Time
	BillingClass   mrf.BillingClass
	ServiceCodes   []string
	Modifiers      []string
	AdditionalInfo *string
}

// DetailRecord associates prices with providers, either ad hoc groups or
// reference ids resolved against the file's provider_references table.
// Exactly one of Groups / ReferenceIDs is populated.
type DetailRecord struct {
	Groups       []ProviderGroupRecord
	ReferenceIDs []int64
	Prices       []PriceRecord
}

// InNetworkFragment is a mapped in_network entry. The arrangement decides
// which child collection exists; constructors enforce that, so an ffs
// fragment never carries bundle or capitation children.
type InNetworkFragment struct {
	Arrangement     mrf.Arrangement
	Name            string
	Code            CodeRecord
	BundledCodes    []CodeRecord
	CoveredServices []CodeRecord
	Details         []DetailRecord
}

// NewFFSRate builds a fee-for-service rate fragment.
func NewFFSRate(name string, code CodeRecord, details []DetailRecord) *InNetworkFragment {
	return &InNetworkFragment{Arrangement: mrf.ArrangementFFS, Name: name, Code: code, Details: details}
}

// NewBundleRate builds a bundle rate fragment with its member codes.
func NewBundleRate(name string, code CodeRecord, bundled []CodeRecord, details []DetailRecord) *InNetworkFragment {
	return &InNetworkFragment{
		Arrangement:  mrf.ArrangementBundle,
		Name:         name,
		Code:         code,
		BundledCodes: bundled,
		Details:      details,
	}
}

// NewCapitationRate builds a capitation rate fragment with its covered
// services.
func NewCapitationRate(name string, code CodeRecord, covered []CodeRecord, details []DetailRecord) *InNetworkFragment {
	return &InNetworkFragment{
		Arrangement:     mrf.ArrangementCapitation,
		Name:            name,
		Code:            code,
		CoveredServices: covered,
		Details:         details,
	}
}

// AllowedAmountRecord documents where an out-of-network service was
// provided and what was paid there.
type AllowedAmountRecord struct {
	TINType      mrf.TINType
	TINValue     string
	ServiceCodes []string
	BillingClass mrf.BillingClass
	Payments     []PaymentRecord
}

// PaymentRecord is one out-of-network payment.
type PaymentRecord struct {
	AllowedAmount decimal.Decimal
	Modifiers     []string
	Providers     []PaymentProviderRecord
}

// PaymentProviderRecord is the providers that billed one payment.
type PaymentProviderRecord struct {
	NPIs         []int64
	BilledCharge decimal.Decimal
}

// OutOfNetworkFragment is a mapped out_of_network entry.
type OutOfNetworkFragment struct {
	Name           string
	Code           CodeRecord
	AllowedAmounts []AllowedAmountRecord
}

// Fragment is the tagged union flowing from the mapper to the loader.
// Exactly one of the three fragment types implements it per value.
type Fragment interface {
	fragment()
}

func (*ProviderReferenceFragment) fragment() {}
func (*InNetworkFragment) fragment()         {}
func (*OutOfNetworkFragment) fragment()      {}
