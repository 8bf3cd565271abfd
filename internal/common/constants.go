package common

// Document bucket keys, oldest first.
const (
	BucketOlder   = "transactions1"
	BucketMiddle  = "transactions2"
	BucketCurrent = "transactions3Current"
)

// Buckets lists the bucket keys in processing order.
var Buckets = []string{BucketOlder, BucketMiddle, BucketCurrent}

// Document field names
const (
	FieldMonthlyIncome = "monthly_income"
	FieldDate          = "date"
	FieldAmount        = "amount"
	FieldCategory      = "category"
	FieldMerchant      = "merchant"
	FieldDescription   = "description"
	FieldBalanceAfter  = "balance_after"
	FieldMCC           = "mcc"

	// PredictionField keeps the spelling existing consumers read.
	PredictionField = "is_spontanius_predicted"
)

// UncategorizedCategory is used when a transaction has no category.
const UncategorizedCategory = "Uncategorized"

// DefaultHighRiskMerchants is the merchant denylist behind is_high_risk_merchant.
var DefaultHighRiskMerchants = []string{"Netflix", "Spotify", "AliExpress", "Burger King"}

// Environment variable keys
const (
	EnvConfigFile        = "CONFIG_FILE"
	EnvBundlePath        = "BUNDLE_PATH"
	EnvInputPath         = "INPUT_PATH"
	EnvOutputPath        = "OUTPUT_PATH"
	EnvReportPath        = "REPORT_PATH"
	EnvLogLevel          = "LOG_LEVEL"
	EnvLogFormat         = "LOG_FORMAT"
	EnvHourPolicy        = "HOUR_POLICY"
	EnvHourSeed          = "HOUR_SEED"
	EnvHighRiskMerchants = "HIGH_RISK_MERCHANTS"
	EnvListenPort        = "LISTEN_PORT"
	EnvRequestsPerSecond = "REQUESTS_PER_SECOND"
	EnvRequestBurst      = "REQUEST_BURST"
	EnvRequestTimeout    = "REQUEST_TIMEOUT"
	EnvFetchTimeout      = "FETCH_TIMEOUT"
	EnvFetchMaxElapsed   = "FETCH_MAX_ELAPSED"
	EnvOTELEndpoint      = "OTEL_ENDPOINT"
	EnvServiceName       = "SERVICE_NAME"
)

// Hour policies for the transaction_hour feature
const (
	HourPolicyImpute = "impute"
	HourPolicyRandom = "random"
)

// Configuration defaults
const (
	DefaultBundlePath        = "models/spontaneous_bundle.json"
	DefaultInputPath         = "data/user_full_banking_data.json"
	DefaultOutputPath        = "data/user_full_banking_data_enriched.json"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "console"
	DefaultHourPolicy        = HourPolicyImpute
	DefaultListenPort        = 8000
	DefaultRequestsPerSecond = 20.0
	DefaultRequestBurst      = 40
	DefaultServiceName       = "txn-enricher"
)

// Validation constants
const (
	MinListenPort        = 1024
	MaxListenPort        = 65535
	MaxRequestsPerSecond = 10000.0
	MaxRequestBurst      = 100000
)
