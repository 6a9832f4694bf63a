package config

import (
	"os"
	"strconv"
	"time"
)

type BillingConfig struct {
	Currency              string // ISO 4217 code for wallets and Stripe charges
	DefaultRatePerMinute  int64  // minor units per billed minute
	MarkupMultiplier      float64
	UseMarkupPricing      bool
	RoundingMode          string // "ceil" or "floor" for partial minutes
	DefaultDebtLimit      int64
	AutoRechargeThreshold int64
	AutoRechargeAmount    int64
	ReconcileInterval     time.Duration
	ReconcileWindow       time.Duration
	MissingCallAlertRate  float64
	FlagOvercharges       bool
	EventRetention        time.Duration
	WorkerCount           int
	MaxAttempts           int
	RetryBaseDelay        time.Duration
	ProviderTimeout       time.Duration
	ProviderBaseURL       string
	ProviderAPIKey        string
	CallWebhookSecret     string
	StripeSecretKey       string
	StripeWebhookSecret   string
	CheckoutSuccessURL    string
	CheckoutCancelURL     string
}

func LoadBillingConfig() *BillingConfig {
	return &BillingConfig{
		Currency:              getEnv("BILLING_CURRENCY", "GBP"),
		DefaultRatePerMinute:  getEnvAsInt64("BILLING_RATE_PER_MINUTE", 15),
		MarkupMultiplier:      getEnvAsFloat("BILLING_MARKUP_MULTIPLIER", 1.25),
		UseMarkupPricing:      getEnvAsBool("BILLING_USE_MARKUP", false),
		RoundingMode:          getEnv("BILLING_ROUNDING", "ceil"),
		DefaultDebtLimit:      getEnvAsInt64("BILLING_DEFAULT_DEBT_LIMIT", 0),
		AutoRechargeThreshold: getEnvAsInt64("BILLING_RECHARGE_THRESHOLD", 500),
		AutoRechargeAmount:    getEnvAsInt64("BILLING_RECHARGE_AMOUNT", 2500),
		ReconcileInterval:     getEnvAsDuration("RECONCILE_INTERVAL", 24*time.Hour),
		ReconcileWindow:       getEnvAsDuration("RECONCILE_WINDOW", 48*time.Hour),
		MissingCallAlertRate:  getEnvAsFloat("RECONCILE_ALERT_RATE", 0.05),
		FlagOvercharges:       getEnvAsBool("RECONCILE_FLAG_OVERCHARGES", false),
		EventRetention:        getEnvAsDuration("WEBHOOK_EVENT_RETENTION", 30*24*time.Hour),
		WorkerCount:           getEnvAsInt("WEBHOOK_WORKER_COUNT", 4),
		MaxAttempts:           getEnvAsInt("WEBHOOK_MAX_ATTEMPTS", 3),
		RetryBaseDelay:        getEnvAsDuration("WEBHOOK_RETRY_BASE_DELAY", 2*time.Second),
		ProviderTimeout:       getEnvAsDuration("CALL_PROVIDER_TIMEOUT", 15*time.Second),
		ProviderBaseURL:       getEnv("CALL_PROVIDER_BASE_URL", "https://api.vapi.ai"),
		ProviderAPIKey:        getEnv("CALL_PROVIDER_API_KEY", ""),
		CallWebhookSecret:     getEnv("CALL_WEBHOOK_SECRET", ""),
		StripeSecretKey:       getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret:   getEnv("STRIPE_WEBHOOK_SECRET", ""),
		CheckoutSuccessURL:    getEnv("STRIPE_SUCCESS_URL", "https://app.voxanne.ai/billing/success"),
		CheckoutCancelURL:     getEnv("STRIPE_CANCEL_URL", "https://app.voxanne.ai/billing"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.ParseInt(val, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if floatVal, err := strconv.ParseFloat(val, 64); err == nil {
			return floatVal
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if boolVal, err := strconv.ParseBool(val); err == nil {
			return boolVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultVal
}
