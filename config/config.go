package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreMemory    = "memory"
	StoreDynamoDB  = "dynamodb"
	StorePostgres  = "postgres"
	StoreFirestore = "firestore"
)

// TwilioWebhookDeadline is how long Twilio waits for a voice webhook
// before playing its own application error.
const TwilioWebhookDeadline = 15 * time.Second

const DefaultSystemPrompt = `You are a helpful voice AI assistant having a natural phone conversation.
Be conversational and engaging - respond naturally like a human would.
Keep responses under 80 words and sound natural for speech.
Don't always ask questions - sometimes just respond and let the conversation flow naturally.
Be friendly and helpful. Avoid sounding like a Q&A session or robotic assistant.`

type Config struct {
	Port     string
	BaseURL  string
	GinMode  string
	LogLevel string

	OpenAIKey         string
	OpenAIModel       string
	OpenAIBaseURL     string
	OpenAIMaxTokens   int
	OpenAITemperature float64
	OpenAITimeout     time.Duration
	SystemPrompt      string
	FallbackReply     string
	ShutdownGrace     time.Duration
	MonitorPingEvery  time.Duration

	Call CallConfig

	StoreBackend        string
	DynamoDBTable       string
	DynamoDBEndpoint    string
	AWSRegion           string
	PostgresDSN         string
	PostgresTable       string
	FirestoreCollection string
	FirebaseCredentials string
	GoogleCloudProject  string

	TwilioAccountSID        string
	TwilioAuthToken         string
	TwilioValidateSignature bool
	TwilioVoice             string
	TwilioLanguage          string
	TwilioSpeechModel       string

	AlertWebhookURL string
	BatchInterval   time.Duration
}

// CallConfig holds the call lifecycle settings.
type CallConfig struct {
	SilenceTimeout time.Duration
	// SilenceGrace is added to the server-side silence timer so Twilio's
	// own gather timeout normally ends a quiet call first.
	SilenceGrace   time.Duration
	ResponseBudget time.Duration
	FarewellTokens []string
	FarewellMatch  string
	StrictSessions bool
	EndedRetention time.Duration
	StoreTimeout   time.Duration
	SpoolDir       string
}

// Load reads the configuration from the environment. A .env file in the
// working directory is loaded first; variables already set win.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	var env envReader
	cfg := Config{
		Port:              envOr("PORT", "8080"),
		BaseURL:           strings.TrimRight(envOr("BASE_URL", "http://localhost:8080"), "/"),
		GinMode:           envOr("GIN_MODE", "release"),
		LogLevel:          envOr("LOG_LEVEL", "info"),
		OpenAIKey:         GetOpenAIKey(),
		OpenAIModel:       envOr("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL:     envOr("OPENAI_BASE_URL", ""),
		OpenAIMaxTokens:   env.intOr("OPENAI_MAX_TOKENS", 150),
		OpenAITemperature: env.floatOr("OPENAI_TEMPERATURE", 0.7),
		OpenAITimeout:     env.durationOr("OPENAI_TIMEOUT", 8*time.Second),
		SystemPrompt:      envOr("AGENT_SYSTEM_PROMPT", DefaultSystemPrompt),
		FallbackReply:     envOr("AGENT_FALLBACK_REPLY", "I'm having trouble processing that right now. Could you try asking something else?"),
		ShutdownGrace:     env.durationOr("SHUTDOWN_GRACE_PERIOD", 15*time.Second),
		MonitorPingEvery:  env.durationOr("MONITOR_PING_INTERVAL", 20*time.Second),
		Call: CallConfig{
			SilenceTimeout: env.durationOr("CALL_SILENCE_TIMEOUT", 15*time.Second),
			SilenceGrace:   env.durationOr("CALL_SILENCE_GRACE", 5*time.Second),
			ResponseBudget: env.durationOr("CALL_RESPONSE_BUDGET", 12*time.Second),
			FarewellTokens: envListOr("CALL_FAREWELL_TOKENS", []string{"bye", "goodbye", "that's all", "no thanks"}),
			FarewellMatch:  strings.ToLower(envOr("CALL_FAREWELL_MATCH", "substring")),
			StrictSessions: env.boolOr("CALL_STRICT_SESSIONS", false),
			EndedRetention: env.durationOr("CALL_ENDED_RETENTION", 10*time.Minute),
			StoreTimeout:   env.durationOr("CALL_STORE_TIMEOUT", 10*time.Second),
			SpoolDir:       envOr("CALL_SPOOL_DIR", ""),
		},
		StoreBackend:            strings.ToLower(envOr("STORE_BACKEND", StoreDynamoDB)),
		DynamoDBTable:           envOr("DYNAMODB_TABLE", "CallTranscripts"),
		DynamoDBEndpoint:        envOr("DYNAMODB_ENDPOINT", ""),
		AWSRegion:               envOr("AWS_REGION", "us-east-1"),
		PostgresDSN:             envOr("POSTGRES_DSN", ""),
		PostgresTable:           envOr("POSTGRES_TABLE", "call_transcripts"),
		FirestoreCollection:     envOr("FIRESTORE_COLLECTION", "conversations"),
		FirebaseCredentials:     envOr("FIREBASE_CREDENTIALS_FILE", ""),
		GoogleCloudProject:      envOr("GOOGLE_CLOUD_PROJECT", ""),
		TwilioAccountSID:        envOr("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:         envOr("TWILIO_AUTH_TOKEN", ""),
		TwilioValidateSignature: env.boolOr("TWILIO_VALIDATE_SIGNATURE", false),
		TwilioVoice:             envOr("TWILIO_VOICE", "Polly.Joanna"),
		TwilioLanguage:          envOr("TWILIO_LANGUAGE", "en-US"),
		TwilioSpeechModel:       envOr("TWILIO_SPEECH_MODEL", "experimental_conversations"),
		AlertWebhookURL:         envOr("ALERT_WEBHOOK_URL", ""),
		BatchInterval:           env.durationOr("BATCH_INTERVAL", 10*time.Minute),
	}

	if err := env.err(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values shared by every binary.
func (c Config) Validate() error {
	switch c.StoreBackend {
	case StoreMemory, StoreDynamoDB, StoreFirestore:
	case StorePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required when STORE_BACKEND=%s", StorePostgres)
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be one of memory|dynamodb|postgres|firestore, got %q", c.StoreBackend)
	}

	switch c.Call.FarewellMatch {
	case "substring", "word":
	default:
		return fmt.Errorf("CALL_FAREWELL_MATCH must be substring or word, got %q", c.Call.FarewellMatch)
	}
	if len(c.Call.FarewellTokens) == 0 {
		return errors.New("CALL_FAREWELL_TOKENS must name at least one token")
	}
	if c.Call.SilenceTimeout <= 0 {
		return errors.New("CALL_SILENCE_TIMEOUT must be positive")
	}
	if c.Call.SilenceGrace < 0 {
		return errors.New("CALL_SILENCE_GRACE must not be negative")
	}
	if c.Call.ResponseBudget <= 0 || c.Call.ResponseBudget >= TwilioWebhookDeadline {
		return fmt.Errorf("CALL_RESPONSE_BUDGET must be positive and below %s", TwilioWebhookDeadline)
	}
	if c.OpenAITimeout <= 0 || c.OpenAITimeout >= c.Call.ResponseBudget {
		return fmt.Errorf("OPENAI_TIMEOUT must be positive and below CALL_RESPONSE_BUDGET (%s)", c.Call.ResponseBudget)
	}
	if c.Call.StoreTimeout <= 0 {
		return errors.New("CALL_STORE_TIMEOUT must be positive")
	}
	if c.Call.EndedRetention < 0 {
		return errors.New("CALL_ENDED_RETENTION must not be negative")
	}
	if c.OpenAIMaxTokens <= 0 {
		return errors.New("OPENAI_MAX_TOKENS must be positive")
	}
	if c.OpenAITemperature < 0 || c.OpenAITemperature > 2 {
		return errors.New("OPENAI_TEMPERATURE must be between 0 and 2")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ValidateServer checks what the webhook server needs on top of Validate.
func (c Config) ValidateServer() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.OpenAIKey == "" {
		return errors.New("OPENAI_API_KEY is not set")
	}
	if c.TwilioValidateSignature && c.TwilioAuthToken == "" {
		return errors.New("TWILIO_AUTH_TOKEN is required when TWILIO_VALIDATE_SIGNATURE is enabled")
	}
	return nil
}

// TwilioRESTEnabled reports whether server-initiated hangups are possible.
func (c Config) TwilioRESTEnabled() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != ""
}

func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL must be debug|info|warn|error, got %q", s)
	}
}

func GetOpenAIKey() string {
	return os.Getenv("OPENAI_API_KEY")
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

// envReader parses typed variables and collects every malformed one.
type envReader struct {
	errs []error
}

func (r *envReader) fail(key, raw string, err error) {
	r.errs = append(r.errs, fmt.Errorf("%s=%q: %w", key, raw, err))
}

func (r *envReader) err() error {
	return errors.Join(r.errs...)
}

func (r *envReader) intOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		r.fail(key, raw, err)
		return def
	}
	return n
}

func (r *envReader) floatOr(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		r.fail(key, raw, err)
		return def
	}
	return f
}

func (r *envReader) boolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	switch strings.ToLower(raw) {
	case "":
		return def
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		r.fail(key, raw, errors.New("not a boolean"))
		return def
	}
}

// durationOr takes Go durations ("30s", "1m30s"). A bare number is
// rejected because its unit is ambiguous.
func (r *envReader) durationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		r.fail(key, raw, err)
		return def
	}
	return d
}

// envListOr splits a comma separated variable, dropping empty entries.
func envListOr(key string, def []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
