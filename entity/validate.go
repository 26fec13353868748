package entity

import (
	"errors"
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// MaxIDLength bounds caller-supplied identifiers.
const MaxIDLength = 128

// PayloadRules constrains the shape of create and update payloads.
type PayloadRules struct {
	RequiredFields []string
	MaxFields      int
	MaxKeyLength   int
}

// DefaultPayloadRules accepts any non-empty payload of up to 64 fields.
func DefaultPayloadRules() PayloadRules {
	return PayloadRules{
		MaxFields:    64,
		MaxKeyLength: 64,
	}
}

// Validate checks a mutation before any store is touched. Failures are wrapped
// in a *ValidationError.
func (r PayloadRules) Validate(m Mutation) error {
	writes := m.Op == OpCreate || m.Op == OpUpdate
	versioned := m.Op == OpUpdate || m.Op == OpDelete

	err := validation.ValidateStruct(&m,
		validation.Field(&m.Op, validation.Required, validation.In(OpCreate, OpUpdate, OpDelete)),
		validation.Field(&m.ID,
			validation.When(versioned, validation.Required),
			validation.Length(0, MaxIDLength),
			validation.By(checkID),
		),
		validation.Field(&m.Payload,
			validation.When(writes, validation.Required, validation.By(r.checkPayload)),
			validation.When(m.Op == OpDelete, validation.Empty.Error("must not be provided for delete")),
		),
		validation.Field(&m.ExpectedVersion,
			validation.When(versioned, validation.Required, validation.Min(int64(1))),
			validation.When(m.Op == OpCreate, validation.Empty.Error("must not be provided for create")),
		),
	)
	if err != nil {
		return &ValidationError{Err: err}
	}
	return nil
}

func checkID(value any) error {
	id, _ := value.(string)
	if id == "" {
		return nil
	}
	if strings.TrimSpace(id) != id {
		return errors.New("must not have surrounding whitespace")
	}
	if strings.ContainsAny(id, "/?#") {
		return errors.New("must not contain '/', '?' or '#'")
	}
	return nil
}

func (r PayloadRules) checkPayload(value any) error {
	p, _ := value.(Payload)
	if r.MaxFields > 0 && len(p) > r.MaxFields {
		return fmt.Errorf("must have at most %d fields", r.MaxFields)
	}

	errs := validation.Errors{}
	for _, field := range r.RequiredFields {
		v, ok := p[field]
		if !ok || v == nil {
			errs[field] = errors.New("is required")
			continue
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			errs[field] = errors.New("cannot be blank")
		}
	}
	for key, v := range p {
		switch {
		case key == "":
			errs["(empty)"] = errors.New("field names cannot be empty")
		case r.MaxKeyLength > 0 && len(key) > r.MaxKeyLength:
			errs[key] = fmt.Errorf("field name longer than %d characters", r.MaxKeyLength)
		case !supportedValue(v):
			errs[key] = fmt.Errorf("unsupported value type %T", v)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func supportedValue(v any) bool {
	switch t := v.(type) {
	case nil, string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	case []any:
		for _, item := range t {
			if !supportedValue(item) {
				return false
			}
		}
		return true
	case map[string]any:
		for _, item := range t {
			if !supportedValue(item) {
				return false
			}
		}
		return true
	case Payload:
		return supportedValue(map[string]any(t))
	}
	return false
}
