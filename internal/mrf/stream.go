package mrf

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// EventKind tags a structural event produced by the scanner.
type EventKind int

const (
	// KindMetadata carries a snapshot of the scalar top-level fields seen
	// so far. Emitted after each scalar field decodes.
	KindMetadata EventKind = iota
	// KindProviderReference carries one provider_references entry.
	KindProviderReference
	// KindInNetwork carries one in_network entry.
	KindInNetwork
	// KindOutOfNetwork carries one out_of_network entry.
	KindOutOfNetwork
	// KindElementError reports an array element that failed to decode in
	// best-effort mode. The stream continues.
	KindElementError
)

// Event is one tagged structural event. Exactly one payload field matches
// the kind; Index is the element's position within its array.
type Event struct {
	Kind              EventKind
	Metadata          FileMetadata
	ProviderReference *ProviderReference
	InNetwork         *InNetworkItem
	OutOfNetwork      *OutOfNetworkItem
	Index             int
	Err               error
}

// StructuralError marks a malformed top-level document. It is fatal for
// the file; nothing is persisted.
type StructuralError struct {
	Cause error
}

func (e *StructuralError) Error() string { return fmt.Sprintf("structural: %v", e.Cause) }
func (e *StructuralError) Unwrap() error { return e.Cause }

// ErrStopped is returned by Scan when the emit callback asked to stop.
var ErrStopped = errors.New("scan stopped by consumer")

// Scanner streams an MRF document as a forward-only sequence of events
// without materializing more than one array element at a time. Top-level
// keys may appear in any order; arrays are surfaced by name, not position.
type Scanner struct {
	dec    *json.Decoder
	meta   FileMetadata
	strict bool
}

// NewScanner wraps r. When strict is true a malformed array element fails
// the whole file; otherwise it yields a KindElementError event and the
// scan continues with the next element.
func NewScanner(r io.Reader, strict bool) *Scanner {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	return &Scanner{dec: dec, strict: strict}
}

// Metadata returns the scalar fields accumulated so far. Complete only
// after Scan returns.
func (s *Scanner) Metadata() FileMetadata { return s.meta }

// Scan walks the document, invoking emit for every event in document
// order. It returns a *StructuralError for malformed top-level shape, and
// validates the required scalar fields once the object is exhausted.
func (s *Scanner) Scan(emit func(Event) error) error {
	t, err := s.dec.Token()
	if err != nil {
		return &StructuralError{Cause: fmt.Errorf("read opening token: %w", err)}
	}
	if d, ok := t.(json.Delim); !ok || d != '{' {
		return &StructuralError{Cause: fmt.Errorf("expected top-level object, got %v", t)}
	}

	for s.dec.More() {
		t, err := s.dec.Token()
		if err != nil {
			return &StructuralError{Cause: fmt.Errorf("read field name: %w", err)}
		}
		field, ok := t.(string)
		if !ok {
			return &StructuralError{Cause: fmt.Errorf("expected field name, got %T", t)}
		}

		switch field {
		case "reporting_entity_name":
			err = s.scalar(field, &s.meta.ReportingEntityName, emit)
		case "reporting_entity_type":
			err = s.scalar(field, &s.meta.ReportingEntityType, emit)
		case "plan_name":
			err = s.optScalar(field, &s.meta.PlanName, emit)
		case "plan_id_type":
			err = s.optScalar(field, &s.meta.PlanIDType, emit)
		case "plan_id":
			err = s.optScalar(field, &s.meta.PlanID, emit)
		case "plan_market_type":
			err = s.optScalar(field, &s.meta.PlanMarketType, emit)
		case "last_updated_on":
			err = s.scalar(field, &s.meta.LastUpdatedOn, emit)
		case "version":
			err = s.scalar(field, &s.meta.Version, emit)
		case "provider_references":
			err = s.array(field, emit, func(raw json.RawMessage, idx int) (Event, error) {
				var ref ProviderReference
				if uerr := json.Unmarshal(raw, &ref); uerr != nil {
					return Event{}, uerr
				}
				return Event{Kind: KindProviderReference, ProviderReference: &ref, Index: idx}, nil
			})
		case "in_network":
			err = s.array(field, emit, func(raw json.RawMessage, idx int) (Event, error) {
				// Monetary fields unmarshal through decimal.Decimal, which
				// reads the literal digits; no float64 round-trip.
				item := new(InNetworkItem)
				if uerr := json.Unmarshal(raw, item); uerr != nil {
					return Event{}, uerr
				}
				return Event{Kind: KindInNetwork, InNetwork: item, Index: idx}, nil
			})
		case "out_of_network":
			err = s.array(field, emit, func(raw json.RawMessage, idx int) (Event, error) {
				item := new(OutOfNetworkItem)
				if uerr := json.Unmarshal(raw, item); uerr != nil {
					return Event{}, uerr
				}
				return Event{Kind: KindOutOfNetwork, OutOfNetwork: item, Index: idx}, nil
			})
		default:
			// Unknown top-level keys are skipped without buffering concern;
			// they are scalars or small objects in practice.
			var skip json.RawMessage
			if derr := s.dec.Decode(&skip); derr != nil {
				err = &StructuralError{Cause: fmt.Errorf("skip field %s: %w", field, derr)}
			}
		}
		if err != nil {
			return err
		}
	}

	if _, err := s.dec.Token(); err != nil {
		return &StructuralError{Cause: fmt.Errorf("read closing token: %w", err)}
	}
	if err := s.meta.Validate(); err != nil {
		return &StructuralError{Cause: err}
	}
	return nil
}

func (s *Scanner) scalar(field string, dst *string, emit func(Event) error) error {
	if err := s.dec.Decode(dst); err != nil {
		return &StructuralError{Cause: fmt.Errorf("decode %s: %w", field, err)}
	}
	return emit(Event{Kind: KindMetadata, Metadata: s.meta})
}

func (s *Scanner) optScalar(field string, dst **string, emit func(Event) error) error {
	var v *string
	if err := s.dec.Decode(&v); err != nil {
		return &StructuralError{Cause: fmt.Errorf("decode %s: %w", field, err)}
	}
	*dst = v
	return emit(Event{Kind: KindMetadata, Metadata: s.meta})
}

// array streams one top-level array element by element. Each element is
// held as a single raw message; siblings are never buffered together.
func (s *Scanner) array(field string, emit func(Event) error, build func(json.RawMessage, int) (Event, error)) error {
	t, err := s.dec.Token()
	if err != nil {
		return &StructuralError{Cause: fmt.Errorf("%s: read array start: %w", field, err)}
	}
	if d, ok := t.(json.Delim); !ok || d != '[' {
		return &StructuralError{Cause: fmt.Errorf("%s: expected array, got %v", field, t)}
	}

	for idx := 0; s.dec.More(); idx++ {
		var raw json.RawMessage
		if err := s.dec.Decode(&raw); err != nil {
			// The decoder cannot resync after a syntax error mid-stream.
			return &StructuralError{Cause: fmt.Errorf("%s[%d]: %w", field, idx, err)}
		}
		ev, err := build(raw, idx)
		if err != nil {
			wrapped := fmt.Errorf("%s[%d]: %w", field, idx, err)
			if s.strict {
				return &StructuralError{Cause: wrapped}
			}
			if err := emit(Event{Kind: KindElementError, Index: idx, Err: wrapped}); err != nil {
				return err
			}
			continue
		}
		if err := emit(ev); err != nil {
			return err
		}
	}

	if _, err := s.dec.Token(); err != nil {
		return &StructuralError{Cause: fmt.Errorf("%s: read array end: %w", field, err)}
	}
	return nil
}
