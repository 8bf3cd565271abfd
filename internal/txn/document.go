package txn

import (
	"bytes"
	"encoding/json"
	"fmt"

	"txn-enricher/internal/common"

	"github.com/shopspring/decimal"
)

// Document is a user record: a monthly income, up to three transaction
// buckets and any number of fields passed through untouched.
type Document struct {
	obj     object
	income  decimal.Decimal
	buckets map[string][]*Transaction
}

// ParseDocument decodes a user record. Bucket entries must be JSON objects
// and monthly_income, when present, must be numeric.
func ParseDocument(data []byte) (*Document, error) {
	obj, err := decodeObject(data)
	if err != nil {
		return nil, err
	}

	doc := &Document{obj: obj, buckets: make(map[string][]*Transaction)}

	if raw, ok := obj.fields[common.FieldMonthlyIncome]; ok && !isNull(raw) {
		income, err := parseDecimal(common.FieldMonthlyIncome, raw)
		if err != nil {
			return nil, err
		}
		doc.income = income
	}

	for _, name := range common.Buckets {
		raw, ok := obj.fields[name]
		if !ok || isNull(raw) {
			continue
		}
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("bucket %s is not an array: %w", name, err)
		}
		txns := make([]*Transaction, 0, len(items))
		for i, item := range items {
			t, err := ParseTransaction(item)
			if err != nil {
				return nil, fmt.Errorf("bucket %s entry %d: %w", name, i, err)
			}
			txns = append(txns, t)
		}
		doc.buckets[name] = txns
	}

	return doc, nil
}

// MarshalJSON emits the document with buckets re-encoded from their
// transactions and every other field byte-for-byte as decoded.
func (d *Document) MarshalJSON() ([]byte, error) {
	return d.obj.encode(func(key string) (json.RawMessage, bool, error) {
		txns, ok := d.buckets[key]
		if !ok {
			return nil, false, nil
		}
		b, err := encodeBucket(txns)
		return b, true, err
	})
}

// encodeBucket joins the transactions' own encodings. json.Marshal would
// HTML-escape their string values.
func encodeBucket(txns []*Transaction) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, t := range txns {
		if i > 0 {
			buf.WriteByte(',')
		}
		b, err := t.obj.encode(nil)
		if err != nil {
			return nil, err
		}
		buf.Write(b)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Document) UnmarshalJSON(data []byte) error {
	parsed, err := ParseDocument(data)
	if err != nil {
		return err
	}
	*d = *parsed
	return nil
}

// MonthlyIncome returns the income scalar; zero when absent.
func (d *Document) MonthlyIncome() decimal.Decimal {
	return d.income
}

// Bucket returns the transactions of a bucket and whether the bucket is
// present as an array. The slice must not be modified.
func (d *Document) Bucket(name string) ([]*Transaction, bool) {
	txns, ok := d.buckets[name]
	return txns, ok
}

// BucketNames returns the present buckets in processing order.
func (d *Document) BucketNames() []string {
	var names []string
	for _, name := range common.Buckets {
		if _, ok := d.buckets[name]; ok {
			names = append(names, name)
		}
	}
	return names
}

// Transactions returns every transaction of every present bucket, oldest
// bucket first.
func (d *Document) Transactions() []*Transaction {
	var all []*Transaction
	for _, name := range d.BucketNames() {
		all = append(all, d.buckets[name]...)
	}
	return all
}

// WithBucket returns a copy of the document with one bucket replaced. The
// receiver is left unchanged.
func (d *Document) WithBucket(name string, txns []*Transaction) *Document {
	c := &Document{
		obj:     d.obj,
		income:  d.income,
		buckets: make(map[string][]*Transaction, len(d.buckets)+1),
	}
	for k, v := range d.buckets {
		c.buckets[k] = v
	}
	if !c.obj.has(name) {
		c.obj = c.obj.clone()
		c.obj.keys = append(c.obj.keys, name)
		c.obj.fields[name] = json.RawMessage("[]")
	}
	c.buckets[name] = txns
	return c
}
