// Package txn models the user banking document consumed and produced by the
// enrichment pipeline. Values are kept as the exact JSON bytes they arrived
// as, so everything the pipeline does not touch is written back unchanged.
package txn

import (
	"encoding/json"
	"fmt"
	"strings"

	"txn-enricher/internal/common"

	"github.com/shopspring/decimal"
)

// Transaction is a single entry of a bucket. It is immutable; WithPrediction
// returns a new value.
type Transaction struct {
	obj object
}

// ParseTransaction decodes a JSON object into a Transaction.
func ParseTransaction(data []byte) (*Transaction, error) {
	obj, err := decodeObject(data)
	if err != nil {
		return nil, err
	}
	return &Transaction{obj: obj}, nil
}

// MarshalJSON re-emits the original fields in their original order.
func (t *Transaction) MarshalJSON() ([]byte, error) {
	return t.obj.encode(nil)
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Transaction) UnmarshalJSON(data []byte) error {
	obj, err := decodeObject(data)
	if err != nil {
		return err
	}
	t.obj = obj
	return nil
}

// Keys returns the field names in source order.
func (t *Transaction) Keys() []string {
	keys := make([]string, len(t.obj.keys))
	copy(keys, t.obj.keys)
	return keys
}

// Raw returns the undecoded value of a field.
func (t *Transaction) Raw(field string) (json.RawMessage, bool) {
	v, ok := t.obj.fields[field]
	return v, ok
}

// String returns a string field. Missing and null fields report false.
func (t *Transaction) String(field string) (string, bool, error) {
	raw, ok := t.obj.fields[field]
	if !ok || isNull(raw) {
		return "", false, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false, fmt.Errorf("field %q is not a string: %s", field, raw)
	}
	return s, true, nil
}

// Decimal returns a numeric field. Numbers encoded as JSON strings are
// accepted. Missing and null fields report Valid=false.
func (t *Transaction) Decimal(field string) (decimal.NullDecimal, error) {
	raw, ok := t.obj.fields[field]
	if !ok || isNull(raw) {
		return decimal.NullDecimal{}, nil
	}
	d, err := parseDecimal(field, raw)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

func parseDecimal(field string, raw json.RawMessage) (decimal.Decimal, error) {
	text := strings.TrimSpace(string(raw))
	if strings.HasPrefix(text, `"`) {
		if err := json.Unmarshal(raw, &text); err != nil {
			return decimal.Zero, fmt.Errorf("field %q: %w", field, err)
		}
	}
	d, err := decimal.NewFromString(strings.TrimSpace(text))
	if err != nil {
		return decimal.Zero, fmt.Errorf("field %q is not numeric: %s", field, raw)
	}
	return d, nil
}

// Date returns the raw date string.
func (t *Transaction) Date() (string, bool, error) {
	return t.String(common.FieldDate)
}

// Amount returns the signed amount; negative values are expenses.
func (t *Transaction) Amount() (decimal.NullDecimal, error) {
	return t.Decimal(common.FieldAmount)
}

// BalanceAfter returns the running balance after the transaction, if recorded.
func (t *Transaction) BalanceAfter() (decimal.NullDecimal, error) {
	return t.Decimal(common.FieldBalanceAfter)
}

// Merchant returns the merchant name, if present. A non-string merchant is
// an error.
func (t *Transaction) Merchant() (string, bool, error) {
	return t.String(common.FieldMerchant)
}

// Category returns the category label, or the Uncategorized sentinel when
// absent or null. A non-string category is an error.
func (t *Transaction) Category() (string, error) {
	c, ok, err := t.String(common.FieldCategory)
	if err != nil {
		return "", err
	}
	if !ok {
		return common.UncategorizedCategory, nil
	}
	return c, nil
}

// Description returns the free-text description.
func (t *Transaction) Description() string {
	d, _, _ := t.String(common.FieldDescription)
	return d
}

// MCC returns a canonical key for the merchant category code. Numeric and
// string codes with the same text map to the same key.
func (t *Transaction) MCC() (string, bool) {
	raw, ok := t.obj.fields[common.FieldMCC]
	if !ok || isNull(raw) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	return strings.TrimSpace(string(raw)), true
}

// WithPrediction returns a copy carrying the spontaneous-purchase label.
// An existing label is replaced in place.
func (t *Transaction) WithPrediction(spontaneous bool) *Transaction {
	obj := t.obj.clone()
	if !obj.has(common.PredictionField) {
		obj.keys = append(obj.keys, common.PredictionField)
	}
	if spontaneous {
		obj.fields[common.PredictionField] = json.RawMessage("true")
	} else {
		obj.fields[common.PredictionField] = json.RawMessage("false")
	}
	return &Transaction{obj: obj}
}

// Prediction reports the label set by WithPrediction, if any.
func (t *Transaction) Prediction() (value, ok bool) {
	raw, found := t.obj.fields[common.PredictionField]
	if !found {
		return false, false
	}
	if err := json.Unmarshal(raw, &value); err != nil {
		return false, false
	}
	return value, true
}
