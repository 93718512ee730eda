package mrf

import (
	"fmt"
	"strings"
)

// ReportingEntityType classifies the entity publishing a file.
type ReportingEntityType string

const (
	EntityGroupHealthPlan         ReportingEntityType = "group_health_plan"
	EntityHealthInsuranceIssuer   ReportingEntityType = "health_insurance_issuer"
	EntityThirdPartyAdmin         ReportingEntityType = "third_party_administrator"
	EntityHealthcareClearinghouse ReportingEntityType = "healthcare_clearinghouse"
	EntityOther                   ReportingEntityType = "other"
)

// entityAliases maps the wordings payers actually publish onto the closed
// set. CMS guidance spells these several ways; "insurer" shows up too.
var entityAliases = map[string]ReportingEntityType{
	"group health plan":                EntityGroupHealthPlan,
	"group_health_plan":                EntityGroupHealthPlan,
	"health insurance issuer":          EntityHealthInsuranceIssuer,
	"health_insurance_issuer":          EntityHealthInsuranceIssuer,
	"insurer":                          EntityHealthInsuranceIssuer,
	"third-party administrator":        EntityThirdPartyAdmin,
	"third party administrator":        EntityThirdPartyAdmin,
	"third_party_administrator":        EntityThirdPartyAdmin,
	"health care claims clearinghouse": EntityHealthcareClearinghouse,
	"healthcare clearinghouse":         EntityHealthcareClearinghouse,
	"healthcare_clearinghouse":         EntityHealthcareClearinghouse,
	"other":                            EntityOther,
}

// ParseReportingEntityType normalizes a published entity-type string.
func ParseReportingEntityType(s string) (ReportingEntityType, error) {
	if t, ok := entityAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return t, nil
	}
	return "", fmt.Errorf("unknown reporting_entity_type %q", s)
}

// PlanIDType identifies the namespace of a plan identifier.
type PlanIDType string

const (
	PlanIDEIN  PlanIDType = "ein"
	PlanIDHIOS PlanIDType = "hios"
)

func ParsePlanIDType(s string) (PlanIDType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ein":
		return PlanIDEIN, nil
	case "hios":
		return PlanIDHIOS, nil
	}
	return "", fmt.Errorf("unknown plan_id_type %q", s)
}

// MarketType is the market a plan is offered in.
type MarketType string

const (
	MarketGroup      MarketType = "group"
	MarketIndividual MarketType = "individual"
)

func ParseMarketType(s string) (MarketType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "group":
		return MarketGroup, nil
	case "individual":
		return MarketIndividual, nil
	}
	return "", fmt.Errorf("unknown plan_market_type %q", s)
}

// Arrangement is the reimbursement model of an in-network rate. It decides
// which child collection a rate carries: bundled codes for bundles, covered
// services for capitation.
type Arrangement string

const (
	ArrangementFFS        Arrangement = "ffs"
	ArrangementBundle     Arrangement = "bundle"
	ArrangementCapitation Arrangement = "capitation"
)

func ParseArrangement(s string) (Arrangement, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ffs":
		return ArrangementFFS, nil
	case "bundle":
		return ArrangementBundle, nil
	case "capitation":
		return ArrangementCapitation, nil
	}
	return "", fmt.Errorf("unknown negotiation_arrangement %q", s)
}

// NegotiatedType classifies a negotiated price. The schema publishes
// "fee schedule" and "per diem" with spaces.
type NegotiatedType string

const (
	NegotiatedTypeNegotiated NegotiatedType = "negotiated"
	NegotiatedTypeDerived    NegotiatedType = "derived"
	NegotiatedTypeFee        NegotiatedType = "fee"
	NegotiatedTypePercentage NegotiatedType = "percentage"
	NegotiatedTypePerDiem    NegotiatedType = "per_diem"
)

func ParseNegotiatedType(s string) (NegotiatedType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "negotiated":
		return NegotiatedTypeNegotiated, nil
	case "derived":
		return NegotiatedTypeDerived, nil
	case "fee", "fee schedule":
		return NegotiatedTypeFee, nil
	case "percentage":
		return NegotiatedTypePercentage, nil
	case "per diem", "per_diem":
		return NegotiatedTypePerDiem, nil
	}
	return "", fmt.Errorf("unknown negotiated_type %q", s)
}

// BillingClass is how a service is billed. The wire spelling "both"
// normalizes to professional-institutional.
type BillingClass string

const (
	BillingProfessional              BillingClass = "professional"
	BillingInstitutional             BillingClass = "institutional"
	BillingProfessionalInstitutional BillingClass = "professional-institutional"
)

func ParseBillingClass(s string) (BillingClass, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "professional":
		return BillingProfessional, nil
	case "institutional":
		return BillingInstitutional, nil
	case "both", "professional-institutional":
		return BillingProfessionalInstitutional, nil
	}
	return "", fmt.Errorf("unknown billing_class %q", s)
}

// TINType distinguishes how a billing entity is identified.
type TINType string

const (
	TINTypeEIN TINType = "ein"
	TINTypeNPI TINType = "npi"
)

func ParseTINType(s string) (TINType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ein":
		return TINTypeEIN, nil
	case "npi":
		return TINTypeNPI, nil
	}
	return "", fmt.Errorf("unknown tin type %q", s)
}
