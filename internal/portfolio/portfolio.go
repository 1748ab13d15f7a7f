// Package portfolio holds the records the dashboard persists. Each record
// type belongs to exactly one storage collection and carries a stable id.
package portfolio

import (
	"time"

	"github.com/shopspring/decimal"
)

// Collection names shared by the local and remote stores.
const (
	Holdings   = "holdings"
	Cash       = "cash"
	RealEstate = "real_estate"
	Budget     = "budget"
	Documents  = "documents"
	Users      = "users"
)

// Collections lists every persisted collection in export order.
var Collections = []string{Holdings, Cash, RealEstate, Budget, Documents, Users}

// IsCollection reports whether name is a known collection.
func IsCollection(name string) bool {
	for _, c := range Collections {
		if c == name {
			return true
		}
	}
	return false
}

// Holding is a position in one instrument.
type Holding struct {
	ID       string          `json:"id"`
	Symbol   string          `json:"symbol"`
	Shares   decimal.Decimal `json:"shares"`
	Owner    string          `json:"owner,omitempty"`
	Currency string          `json:"currency,omitempty"`
	// CostBasis is the total amount paid, in Currency.
	CostBasis decimal.NullDecimal `json:"costBasis"`
	Note      string              `json:"note,omitempty"`
}

func (h Holding) RecordID() string { return h.ID }

func (h Holding) WithID(id string) Holding {
	h.ID = id
	return h
}

type CashPosition struct {
	ID          string          `json:"id"`
	Owner       string          `json:"owner,omitempty"`
	Institution string          `json:"institution"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
}

func (c CashPosition) RecordID() string { return c.ID }

func (c CashPosition) WithID(id string) CashPosition {
	c.ID = id
	return c
}

type Property struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Owner    string          `json:"owner,omitempty"`
	Value    decimal.Decimal `json:"value"`
	Mortgage decimal.Decimal `json:"mortgage"`
	Currency string          `json:"currency"`
}

func (p Property) RecordID() string { return p.ID }

func (p Property) WithID(id string) Property {
	p.ID = id
	return p
}

// Equity is the value net of the outstanding mortgage.
func (p Property) Equity() decimal.Decimal { return p.Value.Sub(p.Mortgage) }

// Frequency is how often a budget entry recurs.
type Frequency string

const (
	Weekly    Frequency = "weekly"
	Monthly   Frequency = "monthly"
	Quarterly Frequency = "quarterly"
	Yearly    Frequency = "yearly"
)

type BudgetEntry struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Category  string          `json:"category,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Frequency Frequency       `json:"frequency"`
	// Income entries add to the budget, everything else is an expense.
	Income bool `json:"income"`
}

func (b BudgetEntry) RecordID() string { return b.ID }

func (b BudgetEntry) WithID(id string) BudgetEntry {
	b.ID = id
	return b
}

// Monthly normalizes the entry to a monthly amount.
func (b BudgetEntry) Monthly() decimal.Decimal {
	switch b.Frequency {
	case Weekly:
		return b.Amount.Mul(decimal.NewFromInt(52)).Div(decimal.NewFromInt(12))
	case Quarterly:
		return b.Amount.Div(decimal.NewFromInt(3))
	case Yearly:
		return b.Amount.Div(decimal.NewFromInt(12))
	default:
		return b.Amount
	}
}

// Document is an uploaded file. Content is stored inline; large documents
// never leave the local store.
type Document struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	MimeType   string    `json:"mimeType,omitempty"`
	Content    []byte    `json:"content,omitempty"`
	UploadedAt time.Time `json:"uploadedAt"`
}

func (d Document) RecordID() string { return d.ID }

func (d Document) WithID(id string) Document {
	d.ID = id
	return d
}

type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func (u User) RecordID() string { return u.ID }

func (u User) WithID(id string) User {
	u.ID = id
	return u
}
