package chain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/amirasaad/cryptoledger/pkg/currency"
	"github.com/amirasaad/cryptoledger/pkg/domain"
	"github.com/amirasaad/cryptoledger/pkg/money"
)

// Erc20Op tags token operations that are not plain transfers.
type Erc20Op string

const (
	// Erc20Approve grants the hot wallet an allowance over a custody address.
	Erc20Approve Erc20Op = "approve"
)

// Entry is one input or output of a chain transaction.
type Entry struct {
	Address string       `json:"address"`
	Value   money.Amount `json:"value"`
}

// Event is a blockchain transaction notification as delivered by the chain
// watcher. Fee is denominated in Currency.
type Event struct {
	Hash          string        `json:"hash"`
	From          []Entry       `json:"from"`
	To            []Entry       `json:"to"`
	Block         uint64        `json:"block"`
	Currency      currency.Code `json:"currency"`
	Value         money.Amount  `json:"value"`
	Fee           money.Amount  `json:"fee"`
	Confirmations uint64        `json:"confirmations"`
	Erc20Op       *Erc20Op      `json:"erc20_op,omitempty"`
}

// AddressNormalizer canonicalizes addresses per currency.
type AddressNormalizer interface {
	Normalize(code currency.Code, address string) (string, error)
}

// Normalized is an Event with validated, canonical addresses and summed entries.
type Normalized struct {
	Event
	FromTotal money.Amount
	ToTotal   money.Amount
}

// Decode parses a raw queue payload. Anything that is not UTF-8 JSON of the
// event shape is ErrMalformedInput.
func Decode(payload []byte) (*Event, error) {
	if !utf8.Valid(payload) {
		return nil, fmt.Errorf("%w: payload is not utf-8", domain.ErrMalformedInput)
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	var e Event
	if err := dec.Decode(&e); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedInput, err)
	}
	return &e, nil
}

// IsApproval reports whether the event is an ERC20 approve call.
func (e *Event) IsApproval() bool {
	return e.Erc20Op != nil && *e.Erc20Op == Erc20Approve
}

// Normalize validates the event and sums its entries.
func (e *Event) Normalize(v AddressNormalizer) (*Normalized, error) {
	n := &Normalized{Event: *e}
	n.Hash = strings.ToLower(strings.TrimSpace(e.Hash))
	if n.Hash == "" {
		return nil, fmt.Errorf("%w: hash is required", domain.ErrMalformedInput)
	}
	code, err := currency.Parse(string(e.Currency))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedInput, err)
	}
	n.Currency = code
	if len(e.To) == 0 {
		return nil, fmt.Errorf("%w: event %s has no outputs", domain.ErrMalformedInput, n.Hash)
	}

	n.From, n.FromTotal, err = normalizeEntries(v, code, e.From)
	if err != nil {
		return nil, fmt.Errorf("from: %w", err)
	}
	n.To, n.ToTotal, err = normalizeEntries(v, code, e.To)
	if err != nil {
		return nil, fmt.Errorf("to: %w", err)
	}
	return n, nil
}

func normalizeEntries(v AddressNormalizer, code currency.Code, in []Entry) ([]Entry, money.Amount, error) {
	out := make([]Entry, 0, len(in))
	total := money.Zero
	for _, entry := range in {
		addr, err := v.Normalize(code, entry.Address)
		if err != nil {
			return nil, money.Zero, fmt.Errorf("%w: %v", domain.ErrMalformedInput, err)
		}
		var ok bool
		if total, ok = total.CheckedAdd(entry.Value); !ok {
			return nil, money.Zero, fmt.Errorf("summing entries: %w", domain.ErrBalanceOverflow)
		}
		out = append(out, Entry{Address: addr, Value: entry.Value})
	}
	return out, total, nil
}

// FromAddresses returns the distinct input addresses.
func (n *Normalized) FromAddresses() []string { return distinct(n.From) }

// ToAddresses returns the distinct output addresses.
func (n *Normalized) ToAddresses() []string { return distinct(n.To) }

func distinct(entries []Entry) []string {
	seen := make(map[string]struct{}, len(entries))
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if _, ok := seen[e.Address]; ok {
			continue
		}
		seen[e.Address] = struct{}{}
		out = append(out, e.Address)
	}
	return out
}
