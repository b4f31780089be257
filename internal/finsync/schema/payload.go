package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Account is a bank, card, loan or brokerage account.
type Account struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Type          string          `json:"type,omitempty"` // checking, savings, credit, investment, loan
	Balance       decimal.Decimal `json:"balance"`
	Currency      string          `json:"currency"`
	InstitutionID string          `json:"institution_id,omitempty"`
	IsActive      bool            `json:"is_active"`
}

// Validate checks required account fields.
func (a *Account) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("id is required")
	}
	if a.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(a.Currency) != 3 {
		return fmt.Errorf("currency must be a 3-letter code (got %q)", a.Currency)
	}
	return nil
}

// Transaction is a money movement on an account. Negative amounts are outflows.
type Transaction struct {
	ID          string          `json:"id"`
	AccountID   string          `json:"account_id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Date        time.Time       `json:"date"`
	Description string          `json:"description,omitempty"`
	Category    string          `json:"category,omitempty"`
	Pending     bool            `json:"pending,omitempty"`
}

// Validate checks required transaction fields.
func (t *Transaction) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if t.AccountID == "" {
		return fmt.Errorf("account_id is required")
	}
	if len(t.Currency) != 3 {
		return fmt.Errorf("currency must be a 3-letter code (got %q)", t.Currency)
	}
	if t.Date.IsZero() {
		return fmt.Errorf("date is required")
	}
	return nil
}

// Budget is a spending limit for a category over a period.
type Budget struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Category string          `json:"category,omitempty"`
	Amount   decimal.Decimal `json:"amount"`
	Spent    decimal.Decimal `json:"spent"`
	Period   string          `json:"period"` // weekly, monthly, yearly
}

// Validate checks required budget fields.
func (b *Budget) Validate() error {
	if b.ID == "" {
		return fmt.Errorf("id is required")
	}
	if b.Name == "" {
		return fmt.Errorf("name is required")
	}
	if b.Amount.IsNegative() {
		return fmt.Errorf("amount must not be negative (got %s)", b.Amount)
	}
	switch b.Period {
	case "weekly", "monthly", "yearly":
	default:
		return fmt.Errorf("period must be weekly, monthly or yearly (got %q)", b.Period)
	}
	return nil
}

// Goal is a savings target.
type Goal struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	TargetAmount  decimal.Decimal `json:"target_amount"`
	CurrentAmount decimal.Decimal `json:"current_amount"`
	TargetDate    *time.Time      `json:"target_date,omitempty"`
}

// Validate checks required goal fields.
func (g *Goal) Validate() error {
	if g.ID == "" {
		return fmt.Errorf("id is required")
	}
	if g.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !g.TargetAmount.IsPositive() {
		return fmt.Errorf("target_amount must be positive (got %s)", g.TargetAmount)
	}
	return nil
}

// Investment is a holding inside an investment account.
type Investment struct {
	ID          string          `json:"id"`
	AccountID   string          `json:"account_id"`
	Symbol      string          `json:"symbol"`
	Quantity    decimal.Decimal `json:"quantity"`
	CostBasis   decimal.Decimal `json:"cost_basis"`
	MarketValue decimal.Decimal `json:"market_value"`
}

// Validate checks required investment fields.
func (i *Investment) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("id is required")
	}
	if i.AccountID == "" {
		return fmt.Errorf("account_id is required")
	}
	if i.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if i.Quantity.IsNegative() {
		return fmt.Errorf("quantity must not be negative (got %s)", i.Quantity)
	}
	return nil
}

// Entity is implemented by every typed payload.
type Entity interface {
	Validate() error
}

// NewEntity returns an empty typed entity for t.
func NewEntity(t EntityType) (Entity, error) {
	switch t {
	case EntityAccount:
		return &Account{}, nil
	case EntityTransaction:
		return &Transaction{}, nil
	case EntityBudget:
		return &Budget{}, nil
	case EntityGoal:
		return &Goal{}, nil
	case EntityInvestment:
		return &Investment{}, nil
	}
	return nil, fmt.Errorf("unknown entity type %q", t)
}

// ValidatePayload decodes payload into the typed entity for t and validates it.
// The payload id, when present, must match entityID.
func ValidatePayload(t EntityType, entityID string, payload json.RawMessage) error {
	if len(bytes.TrimSpace(payload)) == 0 {
		return fmt.Errorf("payload is empty")
	}
	entity, err := NewEntity(t)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, entity); err != nil {
		return fmt.Errorf("failed to decode %s: %w", t, err)
	}
	if err := entity.Validate(); err != nil {
		return err
	}

	var ident struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &ident); err == nil && ident.ID != entityID {
		return fmt.Errorf("payload id %q does not match entity id %q", ident.ID, entityID)
	}
	return nil
}

// DecodeAccount decodes an account payload.
func DecodeAccount(payload json.RawMessage) (*Account, error) {
	var a Account
	if err := json.Unmarshal(payload, &a); err != nil {
		return nil, fmt.Errorf("failed to decode account: %w", err)
	}
	return &a, nil
}

// MustPayload marshals v, panicking on failure. Intended for fixtures and literals.
func MustPayload(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("schema: marshal payload: %v", err))
	}
	return data
}
