package features

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"txn-enricher/internal/common"
	"txn-enricher/internal/txn"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

type dateLayout struct {
	layout  string
	hasTime bool
}

var dateLayouts = []dateLayout{
	{"2006-01-02", false},
	{time.RFC3339, true},
	{"2006-01-02T15:04:05", true},
	{"2006-01-02 15:04:05", true},
	{"2006-01-02 15:04", true},
}

// Deriver turns a batch of transactions into feature rows. It holds no
// mutable state and is safe for concurrent use.
type Deriver struct {
	highRisk   map[string]struct{}
	hourPolicy string
	hourSeed   uint64
}

// Option configures a Deriver.
type Option func(*Deriver)

// WithHighRiskMerchants replaces the merchant denylist.
func WithHighRiskMerchants(merchants []string) Option {
	return func(d *Deriver) {
		d.highRisk = make(map[string]struct{}, len(merchants))
		for _, m := range merchants {
			d.highRisk[m] = struct{}{}
		}
	}
}

// WithHourPolicy selects how transaction_hour is filled for date-only
// timestamps: common.HourPolicyImpute leaves it missing for the imputer,
// common.HourPolicyRandom draws uniform noise in [0, 24) from seed.
func WithHourPolicy(policy string, seed uint64) Option {
	return func(d *Deriver) {
		d.hourPolicy = policy
		d.hourSeed = seed
	}
}

// NewDeriver creates a Deriver with the default denylist and hour policy.
func NewDeriver(opts ...Option) *Deriver {
	d := &Deriver{hourPolicy: common.DefaultHourPolicy}
	WithHighRiskMerchants(common.DefaultHighRiskMerchants)(d)
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// IsHighRisk reports whether merchant is on the denylist.
func (d *Deriver) IsHighRisk(merchant string) bool {
	_, ok := d.highRisk[merchant]
	return ok
}

// Derive computes the feature table of one batch, projected onto schema.
// Rows follow the input order. An empty batch yields an empty table.
func (d *Deriver) Derive(txns []*txn.Transaction, income decimal.Decimal, schema []string) (*Table, error) {
	if len(txns) == 0 {
		return Empty(schema), nil
	}

	rows, err := d.Rows(txns, income)
	if err != nil {
		return nil, err
	}

	var unknown []string
	for _, name := range schema {
		if !IsKnown(name) {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		log.Debug().Strs("columns", unknown).Msg("schema columns not derivable, filling as missing")
	}

	matrix := make([][]float64, len(rows))
	for i, r := range rows {
		out := make([]float64, len(schema))
		for j, name := range schema {
			out[j], _ = r.Value(name)
		}
		matrix[i] = out
	}
	return NewTable(schema, matrix)
}

// parsed holds the per-transaction inputs shared by several features.
type parsed struct {
	at       time.Time
	hasTime  bool
	merchant string
	hasMerch bool
	category string
	mcc      string
	hasMCC   bool
}

// Rows computes one Row per transaction, in input order.
func (d *Deriver) Rows(txns []*txn.Transaction, income decimal.Decimal) ([]Row, error) {
	rows := make([]Row, len(txns))
	inputs := make([]parsed, len(txns))

	merchantCount := make(map[string]int)
	categoryCount := make(map[string]int)

	for i, tx := range txns {
		in, err := parseInputs(i, tx)
		if err != nil {
			return nil, err
		}
		inputs[i] = in
		if in.hasMerch {
			merchantCount[in.merchant]++
		}
		categoryCount[in.category]++

		r := &rows[i]
		weekday := (int(in.at.Weekday()) + 6) % 7
		r.DayOfWeek = float64(weekday)
		r.IsWeekend = boolFeature(weekday == 5 || weekday == 6)
		r.IsHighRiskMerchant = boolFeature(in.hasMerch && d.IsHighRisk(in.merchant))

		amount, err := tx.Amount()
		if err != nil {
			return nil, &DerivationError{Index: i, Field: common.FieldAmount, Err: err}
		}
		balance, err := tx.BalanceAfter()
		if err != nil {
			return nil, &DerivationError{Index: i, Field: common.FieldBalanceAfter, Err: err}
		}
		r.AmountNormalized = amountNormalized(amount, income)
		r.BalanceBefore = Missing
		if balance.Valid && amount.Valid {
			r.BalanceBefore = balance.Decimal.Sub(amount.Decimal).InexactFloat64()
		}
	}

	for i, in := range inputs {
		r := &rows[i]
		r.MerchantFrequency = Missing
		if in.hasMerch {
			r.MerchantFrequency = float64(merchantCount[in.merchant])
		}
		r.CategoryFrequency = float64(categoryCount[in.category])
	}

	d.fillHours(rows, inputs)
	fillChronological(rows, inputs)

	return rows, nil
}

func parseInputs(i int, tx *txn.Transaction) (parsed, error) {
	raw, ok, err := tx.Date()
	if err != nil {
		return parsed{}, &DerivationError{Index: i, Field: common.FieldDate, Err: err}
	}
	if !ok {
		return parsed{}, &DerivationError{Index: i, Field: common.FieldDate, Err: fmt.Errorf("missing date")}
	}
	at, hasTime, err := parseDate(raw)
	if err != nil {
		return parsed{}, &DerivationError{Index: i, Field: common.FieldDate, Err: err}
	}

	in := parsed{at: at, hasTime: hasTime}
	if in.category, err = tx.Category(); err != nil {
		return parsed{}, &DerivationError{Index: i, Field: common.FieldCategory, Err: err}
	}
	if in.merchant, in.hasMerch, err = tx.Merchant(); err != nil {
		return parsed{}, &DerivationError{Index: i, Field: common.FieldMerchant, Err: err}
	}
	in.mcc, in.hasMCC = tx.MCC()
	return in, nil
}

func parseDate(s string) (time.Time, bool, error) {
	s = strings.TrimSpace(s)
	for _, l := range dateLayouts {
		if t, err := time.ParseInLocation(l.layout, s, time.UTC); err == nil {
			return t, l.hasTime, nil
		}
	}
	return time.Time{}, false, fmt.Errorf("unparsable date %q", s)
}

// amountNormalized is |amount| / income. Zero, absent and negative incomes
// all give 0.
func amountNormalized(amount decimal.NullDecimal, income decimal.Decimal) float64 {
	if !amount.Valid {
		return Missing
	}
	if income.Sign() <= 0 {
		return 0
	}
	return amount.Decimal.Abs().Div(income).InexactFloat64()
}

func (d *Deriver) fillHours(rows []Row, inputs []parsed) {
	var rng *rand.Rand
	for i, in := range inputs {
		switch {
		case in.hasTime:
			rows[i].TransactionHour = float64(in.at.Hour())
		case d.hourPolicy == common.HourPolicyRandom:
			if rng == nil {
				rng = rand.New(rand.NewPCG(d.hourSeed, uint64(len(inputs))))
			}
			rows[i].TransactionHour = float64(rng.IntN(24))
		default:
			rows[i].TransactionHour = Missing
		}
	}
}

// fillChronological computes delta_time_previous and mcc_encoded over a
// date-sorted view of the batch. Each sorted entry carries its input
// position, and results are written back through it.
func fillChronological(rows []Row, inputs []parsed) {
	order := make([]int, len(inputs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return inputs[order[a]].at.Before(inputs[order[b]].at)
	})

	codes := make(map[string]int)
	for k, idx := range order {
		in := inputs[idx]

		delta := 0.0
		if k > 0 {
			delta = in.at.Sub(inputs[order[k-1]].at).Hours()
		}
		rows[idx].DeltaTimePrevious = delta

		rows[idx].MCCEncoded = MissingMCC
		if in.hasMCC {
			code, ok := codes[in.mcc]
			if !ok {
				code = len(codes)
				codes[in.mcc] = code
			}
			rows[idx].MCCEncoded = float64(code)
		}
	}
}
