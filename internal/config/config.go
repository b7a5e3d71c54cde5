package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr  string
	DBDSN     string
	JWTIssuer string
	JWTSecret string
	JWTTTL    time.Duration

	WebSocketOrigin string

	RedisAddr string

	NOWPaymentsBaseURL   string
	NOWPaymentsAPIKey    string
	NOWPaymentsIPNSecret string

	CryptomusBaseURL      string
	CryptomusMerchantID   string
	CryptomusPayoutSecret string

	CallbackBaseURL string
}

func Load() (Config, error) {
	_ = godotenv.Load()

	var c Config
	var missing []string

	c.HTTPAddr = os.Getenv("HTTP_ADDR")
	if c.HTTPAddr == "" {
		missing = append(missing, "HTTP_ADDR")
	}
	c.DBDSN = os.Getenv("DB_DSN")
	if c.DBDSN == "" {
		missing = append(missing, "DB_DSN")
	}
	c.JWTIssuer = os.Getenv("JWT_ISSUER")
	if c.JWTIssuer == "" {
		missing = append(missing, "JWT_ISSUER")
	}
	c.JWTSecret = os.Getenv("JWT_SECRET")
	if c.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	jwtTTL := os.Getenv("JWT_TTL")
	if jwtTTL == "" {
		c.JWTTTL = 24 * time.Hour
	} else {
		d, err := time.ParseDuration(jwtTTL)
		if err != nil {
			return c, fmt.Errorf("invalid JWT_TTL: %w", err)
		}
		c.JWTTTL = d
	}
	c.WebSocketOrigin = os.Getenv("WS_ORIGIN")
	if c.WebSocketOrigin == "" {
		missing = append(missing, "WS_ORIGIN")
	}
	c.CallbackBaseURL = os.Getenv("CALLBACK_BASE_URL")
	if c.CallbackBaseURL == "" {
		missing = append(missing, "CALLBACK_BASE_URL")
	}

	c.RedisAddr = os.Getenv("REDIS_ADDR")

	c.NOWPaymentsBaseURL = envDefault("NOWPAYMENTS_BASE_URL", "https://api.nowpayments.io/v1")
	c.NOWPaymentsAPIKey = os.Getenv("NOWPAYMENTS_API_KEY")
	c.NOWPaymentsIPNSecret = os.Getenv("NOWPAYMENTS_IPN_SECRET")

	c.CryptomusBaseURL = envDefault("CRYPTOMUS_BASE_URL", "https://api.cryptomus.com/v1")
	c.CryptomusMerchantID = os.Getenv("CRYPTOMUS_MERCHANT_ID")
	c.CryptomusPayoutSecret = os.Getenv("CRYPTOMUS_PAYOUT_SECRET")

	if len(missing) > 0 {
		return c, fmt.Errorf("missing required env: %s", strings.Join(missing, ", "))
	}
	return c, nil
}

func envDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
