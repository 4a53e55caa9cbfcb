package config

import (
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress        string
	InterviewAPIBase   string
	ExchangeTimeout    time.Duration
	SpeechWSURL        string
	SpeechAPIKey       string
	SpeechLanguage     string
	CandidateContext   string
	DefaultCandidateID string
}

// Load reads environment variables and returns Config with sane defaults.
func Load(log logrus.FieldLogger) Config {
	if err := godotenv.Load(); err != nil {
		log.Info("no .env file found, using process environment")
	}

	addr := os.Getenv("HTTP_ADDRESS")
	if addr == "" {
		addr = ":8080"
	}

	apiBase := os.Getenv("INTERVIEW_API_BASE")
	if apiBase == "" {
		apiBase = "http://localhost:8000/api/v1"
	}

	timeout := 30 * time.Second
	if raw := os.Getenv("EXCHANGE_TIMEOUT"); raw != "" {
		if d, err := time.ParseDuration(raw); err != nil {
			log.WithField("value", raw).Warn("invalid EXCHANGE_TIMEOUT, keeping default")
		} else {
			timeout = d
		}
	}

	speechURL := os.Getenv("SPEECH_WS_URL")
	speechKey := os.Getenv("SPEECH_API_KEY")
	if speechURL == "" || speechKey == "" {
		log.Warn("SPEECH_WS_URL or SPEECH_API_KEY not set - speech capture will be unsupported")
	}

	lang := os.Getenv("SPEECH_LANGUAGE")
	if lang == "" {
		lang = "en-IN"
	}

	candidateCtx := os.Getenv("CANDIDATE_CONTEXT")
	if candidateCtx == "" {
		candidateCtx = "experience 4 years on react, nodejs, javascript, typescript"
	}

	candidateID := os.Getenv("DEFAULT_CANDIDATE_ID")
	if candidateID == "" {
		candidateID = uuid.NewString()
		log.WithField("candidate_id", candidateID).Info("DEFAULT_CANDIDATE_ID not set, generated one")
	}

	log.WithField("http_address", addr).Info("config loaded")
	return Config{
		HTTPAddress:        addr,
		InterviewAPIBase:   apiBase,
		ExchangeTimeout:    timeout,
		SpeechWSURL:        speechURL,
		SpeechAPIKey:       speechKey,
		SpeechLanguage:     lang,
		CandidateContext:   candidateCtx,
		DefaultCandidateID: candidateID,
	}
}
