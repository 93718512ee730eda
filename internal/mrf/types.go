package mrf

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// FileMetadata holds the scalar top-level fields of an MRF document.
// The arrays may precede some or all of these in document order, so a
// metadata snapshot is only complete once the whole document has streamed.
type FileMetadata struct {
	ReportingEntityName string  `json:"reporting_entity_name"`
	ReportingEntityType string  `json:"reporting_entity_type"`
	PlanName            *string `json:"plan_name,omitempty"`
	PlanIDType          *string `json:"plan_id_type,omitempty"`
	PlanID              *string `json:"plan_id,omitempty"`
	PlanMarketType      *string `json:"plan_market_type,omitempty"`
	LastUpdatedOn       string  `json:"last_updated_on"`
	Version             string  `json:"version"`
}

// Validate reports whether the required scalar fields were present.
// A failure here is structural: the whole file is rejected.
func (m *FileMetadata) Validate() error {
	switch {
	case m.ReportingEntityName == "":
		return fmt.Errorf("missing required field reporting_entity_name")
	case m.ReportingEntityType == "":
		return fmt.Errorf("missing required field reporting_entity_type")
	case m.LastUpdatedOn == "":
		return fmt.Errorf("missing required field last_updated_on")
	case m.Version == "":
		return fmt.Errorf("missing required field version")
	}
	return nil
}

// NPIList accepts the encodings payers actually emit: JSON numbers,
// numeric strings, or a bare scalar instead of an array. Values are kept
// as int64; NPIs use the full 10-digit range and must not be narrowed.
type NPIList []int64

func (l *NPIList) UnmarshalJSON(data []byte) error {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	vals, err := npiValues(raw)
	if err != nil {
		return err
	}
	*l = vals
	return nil
}

func npiValues(raw any) ([]int64, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case json.Number:
		n, err := parseNPI(v.String())
		if err != nil {
			return nil, err
		}
		return []int64{n}, nil
	case string:
		n, err := parseNPI(v)
		if err != nil {
			return nil, err
		}
		return []int64{n}, nil
	case []any:
		out := make([]int64, 0, len(v))
		for _, e := range v {
			ns, err := npiValues(e)
			if err != nil {
				return nil, err
			}
			out = append(out, ns...)
		}
		return out, nil
	}
	return nil, fmt.Errorf("npi: unsupported JSON value %T", raw)
}

func parseNPI(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("npi %q: %w", s, err)
	}
	return n, nil
}

// TIN is the tax identifier of a billing entity.
type TIN struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// ProviderGroup pairs a TIN with the NPIs billing under it.
type ProviderGroup struct {
	NPI NPIList `json:"npi"`
	TIN TIN     `json:"tin"`
}

// ProviderReference is one entry of the top-level provider_references
// array. The id is file-scoped; rate records cite it from
// negotiated_rates[].provider_references. An entry may point at a remote
// sub-file via location instead of carrying groups inline.
type ProviderReference struct {
	ProviderGroupID int64           `json:"provider_group_id"`
	ProviderGroups  []ProviderGroup `json:"provider_groups"`
	Location        *string         `json:"location,omitempty"`
}

// InNetworkItem is one entry of the in_network array.
type InNetworkItem struct {
	NegotiationArrangement string           `json:"negotiation_arrangement"`
	Name                   string           `json:"name"`
	BillingCodeType        string           `json:"billing_code_type"`
	BillingCodeTypeVersion string           `json:"billing_code_type_version"`
	BillingCode            string           `json:"billing_code"`
	Description            string           `json:"description"`
	NegotiatedRates        []NegotiatedRate `json:"negotiated_rates"`
	BundledCodes           []ContainedCode  `json:"bundled_codes,omitempty"`
	CoveredServices        []ContainedCode  `json:"covered_services,omitempty"`
}

// NegotiatedRate groups negotiated prices with the providers they apply
// to, either inline (provider_groups) or by reference id.
type NegotiatedRate struct {
	ProviderReferences []int64           `json:"provider_references,omitempty"`
	ProviderGroups     []ProviderGroup   `json:"provider_groups,omitempty"`
	NegotiatedPrices   []NegotiatedPrice `json:"negotiated_prices"`
}

// NegotiatedPrice is a single negotiated price. The rate is decoded as an
// exact decimal, never a binary float.
type NegotiatedPrice struct {
	NegotiatedType        string          `json:"negotiated_type"`
	NegotiatedRate        decimal.Decimal `json:"negotiated_rate"`
	ExpirationDate        string          `json:"expiration_date"`
	BillingClass          string          `json:"billing_class"`
	ServiceCode           []string        `json:"service_code,omitempty"`
	BillingCodeModifier   []string        `json:"billing_code_modifier,omitempty"`
	AdditionalInformation string          `json:"additional_information,omitempty"`
}

// ContainedCode is a member code of a bundle or capitation arrangement.
type ContainedCode struct {
	BillingCodeType        string `json:"billing_code_type"`
	BillingCodeTypeVersion string `json:"billing_code_type_version"`
	BillingCode            string `json:"billing_code"`
	Description            string `json:"description"`
}

// OutOfNetworkItem is one entry of the out_of_network array.
type OutOfNetworkItem struct {
	Name                   string          `json:"name"`
	BillingCodeType        string          `json:"billing_code_type"`
	BillingCodeTypeVersion string          `json:"billing_code_type_version"`
	BillingCode            string          `json:"billing_code"`
	Description            string          `json:"description"`
	AllowedAmounts         []AllowedAmount `json:"allowed_amounts"`
}

// AllowedAmount documents where an out-of-network service was provided.
type AllowedAmount struct {
	TIN          TIN       `json:"tin"`
	ServiceCode  []string  `json:"service_code,omitempty"`
	BillingClass string    `json:"billing_class"`
	Payments     []Payment `json:"payments"`
}

// Payment is an out-of-network allowed amount with the providers billing it.
type Payment struct {
	AllowedAmount       decimal.Decimal   `json:"allowed_amount"`
	BillingCodeModifier []string          `json:"billing_code_modifier,omitempty"`
	Providers           []PaymentProvider `json:"providers"`
}

// PaymentProvider holds NPIs and the charge they billed.
type PaymentProvider struct {
	BilledCharge decimal.Decimal `json:"billed_charge"`
	NPI          NPIList         `json:"npi"`
}
