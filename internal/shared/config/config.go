package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	EventStore   EventStoreConfig
	Auth         AuthConfig
	Signing      SigningConfig
	TSA          TSAConfig
	Trust        TrustConfig
	Notification NotificationConfig
	ObjectStore  ObjectStoreConfig
}

type ServerConfig struct {
	Port int
	Env  string
	// PublicBaseURL is prepended to signing links handed to signers.
	PublicBaseURL string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

// EventStoreConfig holds configuration for EventStoreDB.
type EventStoreConfig struct {
	Host     string
	Port     int
	Insecure bool
	Username string
	Password string
}

type AuthConfig struct {
	JWTSecret string
	// TokenTTL bounds session tokens issued to platform users.
	TokenTTL time.Duration
}

// SigningConfig drives the signing coordinator.
type SigningConfig struct {
	// LinkSecret keys the HMAC over signing-link tokens.
	LinkSecret string
	// LinkTTL is the validity window of a signing link.
	LinkTTL time.Duration
	// RouteBase is the public path segment of signing links, e.g. "sign".
	RouteBase string
	// DefaultProfile for new signature requests: B, T, LT or LTA.
	DefaultProfile string
	// DefaultFormat for new signature requests: cms, xml or pdf.
	DefaultFormat string
	// DefaultExpiry applied to documents sent without an explicit deadline.
	DefaultExpiry time.Duration
	// DeclinePolicy: "block_signer" marks only the declining signer,
	// "void_document" voids the whole document on any decline.
	DeclinePolicy string
}

// TSAAuthority describes one ranked timestamp authority.
type TSAAuthority struct {
	Name      string
	URL       string
	Priority  int
	Qualified bool
	Region    string
	HashAlgo  string
}

// TSAConfig holds configuration for timestamp acquisition.
type TSAConfig struct {
	// Authorities in priority order; the client fails over down the list.
	Authorities []TSAAuthority
	// LocalEnabled runs the in-process RFC 3161 responder (development).
	LocalEnabled bool
	// OrgName for the self-signed responder certificate.
	OrgName string
	CertPath string
	KeyPath  string
	// RequestTimeout bounds one authority round trip.
	RequestTimeout time.Duration
}

// TrustConfig drives trust list refresh and revocation checking.
type TrustConfig struct {
	// ListURLs maps territory code to trust list URL, e.g. "EU=https://...".
	ListURLs map[string]string
	RefreshInterval time.Duration
	// StaleAfter is the age past which a trust list is flagged stale.
	StaleAfter time.Duration
	// OCSPTimeout bounds a single OCSP round trip before CRL fallback.
	OCSPTimeout time.Duration
}

type NotificationConfig struct {
	Workers    int
	MaxRetries int
	// Provider: "log" or "smtp".
	Provider string
	SMTPHost string
	SMTPPort int
	SMTPFrom string
}

type ObjectStoreConfig struct {
	// Backend: "memory" or "postgres".
	Backend string
	// DownloadURLTTL bounds signed download URLs.
	DownloadURLTTL time.Duration
	// URLSecret keys the HMAC over signed download URLs.
	URLSecret string
}

func Load() (*Config, error) {
	return &Config{
		Server: ServerConfig{
			Port:          getEnvInt("SERVER_PORT", 8080),
			Env:           getEnv("ENV", "development"),
			PublicBaseURL: getEnv("PUBLIC_BASE_URL", "http://localhost:8080"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "signato"),
			Password: getEnv("DB_PASSWORD", "signato"),
			Database: getEnv("DB_NAME", "signato"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		EventStore: EventStoreConfig{
			Host:     getEnv("EVENTSTORE_HOST", "localhost"),
			Port:     getEnvInt("EVENTSTORE_PORT", 2113),
			Insecure: getEnvBool("EVENTSTORE_INSECURE", true),
			Username: getEnv("EVENTSTORE_USERNAME", ""),
			Password: getEnv("EVENTSTORE_PASSWORD", ""),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", "dev-secret-change-in-prod"),
			TokenTTL:  getEnvDuration("AUTH_TOKEN_TTL", 12*time.Hour),
		},
		Signing: SigningConfig{
			LinkSecret:     getEnv("SIGNING_LINK_SECRET", "dev-link-secret-change-in-prod"),
			LinkTTL:        getEnvDuration("SIGNING_LINK_TTL", 7*24*time.Hour),
			RouteBase:      getEnv("SIGNING_ROUTE_BASE", "sign"),
			DefaultProfile: getEnv("SIGNING_DEFAULT_PROFILE", "T"),
			DefaultFormat:  getEnv("SIGNING_DEFAULT_FORMAT", "cms"),
			DefaultExpiry:  getEnvDuration("SIGNING_DEFAULT_EXPIRY", 30*24*time.Hour),
			DeclinePolicy:  getEnv("SIGNING_DECLINE_POLICY", "block_signer"),
		},
		TSA: TSAConfig{
			Authorities:    parseAuthorities(getEnv("TSA_AUTHORITIES", "")),
			LocalEnabled:   getEnvBool("TSA_LOCAL_ENABLED", true),
			OrgName:        getEnv("TSA_ORG_NAME", "Signato Timestamp Service"),
			CertPath:       getEnv("TSA_CERT_PATH", ""),
			KeyPath:        getEnv("TSA_KEY_PATH", ""),
			RequestTimeout: getEnvDuration("TSA_REQUEST_TIMEOUT", 10*time.Second),
		},
		Trust: TrustConfig{
			ListURLs:        parseKeyValues(getEnv("TRUST_LIST_URLS", "")),
			RefreshInterval: getEnvDuration("TRUST_REFRESH_INTERVAL", 6*time.Hour),
			StaleAfter:      getEnvDuration("TRUST_STALE_AFTER", 7*24*time.Hour),
			OCSPTimeout:     getEnvDuration("TRUST_OCSP_TIMEOUT", 5*time.Second),
		},
		Notification: NotificationConfig{
			Workers:    getEnvInt("NOTIFICATION_WORKERS", 4),
			MaxRetries: getEnvInt("NOTIFICATION_MAX_RETRIES", 3),
			Provider:   getEnv("NOTIFICATION_PROVIDER", "log"),
			SMTPHost:   getEnv("SMTP_HOST", "localhost"),
			SMTPPort:   getEnvInt("SMTP_PORT", 25),
			SMTPFrom:   getEnv("SMTP_FROM", "noreply@signato.example"),
		},
		ObjectStore: ObjectStoreConfig{
			Backend:        getEnv("OBJECTSTORE_BACKEND", "postgres"),
			DownloadURLTTL: getEnvDuration("OBJECTSTORE_URL_TTL", 15*time.Minute),
			URLSecret:      getEnv("OBJECTSTORE_URL_SECRET", "dev-url-secret-change-in-prod"),
		},
	}, nil
}

// parseAuthorities parses "name|url|priority|qualified|region|hash" entries
// separated by commas. Malformed entries are skipped.
func parseAuthorities(s string) []TSAAuthority {
	var result []TSAAuthority
	for _, entry := range splitAndTrim(s, ",") {
		parts := strings.Split(entry, "|")
		if len(parts) < 2 {
			continue
		}
		a := TSAAuthority{
			Name:     parts[0],
			URL:      parts[1],
			HashAlgo: "SHA-256",
		}
		if len(parts) > 2 {
			if p, err := strconv.Atoi(parts[2]); err == nil {
				a.Priority = p
			}
		}
		if len(parts) > 3 {
			a.Qualified, _ = strconv.ParseBool(parts[3])
		}
		if len(parts) > 4 {
			a.Region = parts[4]
		}
		if len(parts) > 5 && parts[5] != "" {
			a.HashAlgo = parts[5]
		}
		result = append(result, a)
	}
	return result
}

// parseKeyValues parses "KEY=value" entries separated by commas.
func parseKeyValues(s string) map[string]string {
	result := make(map[string]string)
	for _, entry := range splitAndTrim(s, ",") {
		k, v, ok := strings.Cut(entry, "=")
		if !ok || k == "" || v == "" {
			continue
		}
		result[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return result
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitAndTrim(s, sep string) []string {
	var result []string
	for _, part := range strings.Split(s, sep) {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
