package notify

import (
	"context"
	"os"
	"strconv"

	"go.uber.org/zap"
)

// Message is a plain-text email.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Sink delivers messages. Callers decide whether a failed delivery matters.
type Sink interface {
	Send(ctx context.Context, m Message) error
}

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

func ConfigFromEnv() Config {
	port, err := strconv.Atoi(os.Getenv("SMTP_PORT"))
	if err != nil || port == 0 {
		port = 587
	}
	from := os.Getenv("SMTP_FROM")
	if from == "" {
		from = os.Getenv("SMTP_USER")
	}
	return Config{
		Host:     os.Getenv("SMTP_HOST"),
		Port:     port,
		Username: os.Getenv("SMTP_USER"),
		Password: os.Getenv("SMTP_PASS"),
		From:     from,
	}
}

// New returns an SMTP sink, or a log-only sink when no SMTP host is configured.
func New(cfg Config, logger *zap.SugaredLogger) Sink {
	if cfg.Host == "" {
		logger.Warn("SMTP_HOST not set; outgoing mail is logged only")
		return NewLogSink(logger)
	}
	return NewSMTPSink(cfg)
}

// LogSink records that a message would have been sent. The body is not logged since it
// carries one-time codes.
type LogSink struct {
	logger *zap.SugaredLogger
}

func NewLogSink(logger *zap.SugaredLogger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Send(_ context.Context, m Message) error {
	s.logger.Infow("mail not delivered (log sink)", "to", m.To, "subject", m.Subject)
	return nil
}
