package transfer

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/amirasaad/cryptoledger/pkg/currency"
	"github.com/amirasaad/cryptoledger/pkg/domain"
	"github.com/amirasaad/cryptoledger/pkg/money"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var (
	// ErrMissingExchangeRate is returned when a cross-currency transfer has no exchange id or rate
	ErrMissingExchangeRate = errors.New("missing exchange rate")
	// ErrInvalidCurrency is returned when an address is ours but tagged with the wrong currency
	ErrInvalidCurrency = errors.New("invalid currency for recipient")
	// ErrInvalidValue is returned when a value cannot be funded or split exactly
	ErrInvalidValue = errors.New("invalid value")
)

// RecipientKind tells how Request.Recipient is to be read.
type RecipientKind string

const (
	RecipientAccount RecipientKind = "account"
	RecipientAddress RecipientKind = "address"
)

// Request is a transfer order as submitted by a user. Value is denominated
// in the source account currency; Currency is what the recipient receives.
type Request struct {
	SourceAccountID string        `json:"source_account_id" validate:"required,uuid"`
	Recipient       string        `json:"recipient" validate:"required,max=128"`
	RecipientKind   RecipientKind `json:"recipient_kind" validate:"required,oneof=account address"`
	Currency        string        `json:"currency" validate:"required,currency"`
	Value           string        `json:"value" validate:"required,max=39,amount"`
	ExchangeID      string        `json:"exchange_id,omitempty" validate:"omitempty,max=64"`
	ExchangeRate    float64       `json:"exchange_rate,omitempty" validate:"omitempty,gt=0"`
}

// Parsed holds the typed fields of a validated Request.
type Parsed struct {
	SourceAccountID uuid.UUID
	Recipient       string
	RecipientKind   RecipientKind
	Currency        currency.Code
	Value           money.Amount
	Exchange        *Exchange
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("currency", func(fl validator.FieldLevel) bool {
		_, err := currency.Parse(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("amount", func(fl validator.FieldLevel) bool {
		a, err := money.Parse(fl.Field().String())
		return err == nil && !a.IsZero()
	})
	return v
}

// Validator returns the shared validator with the ledger's custom tags
// (currency, amount) registered.
func Validator() *validator.Validate { return validate }

// ValidationFields turns validator errors into field details.
func ValidationFields(err error) []domain.FieldError {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return []domain.FieldError{{Field: "request", Message: err.Error()}}
	}
	out := make([]domain.FieldError, 0, len(ve))
	for _, fe := range ve {
		out = append(out, domain.FieldError{Field: fe.Field(), Message: fieldMessage(fe)})
	}
	return out
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "uuid":
		return "must be a uuid"
	case "oneof":
		return "must be one of " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "gt":
		return "must be greater than " + fe.Param()
	case "currency":
		return "is not a supported currency"
	case "amount":
		return "must be a positive integer in the smallest currency unit"
	default:
		return "failed " + fe.Tag()
	}
}

// Parse validates the request and returns its typed form.
func (r *Request) Parse() (*Parsed, error) {
	if err := validate.Struct(r); err != nil {
		return nil, domain.NewValidationError(nil, ValidationFields(err)...)
	}
	id, err := uuid.Parse(r.SourceAccountID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedInput, err)
	}
	code, err := currency.Parse(r.Currency)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedInput, err)
	}
	value, err := money.Parse(r.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedInput, err)
	}
	p := &Parsed{
		SourceAccountID: id,
		Recipient:       strings.TrimSpace(r.Recipient),
		RecipientKind:   r.RecipientKind,
		Currency:        code,
		Value:           value,
	}
	if r.ExchangeID != "" && r.ExchangeRate > 0 {
		p.Exchange = &Exchange{ID: r.ExchangeID, Rate: r.ExchangeRate}
	}
	return p, nil
}
