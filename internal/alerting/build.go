package alerting

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"flipwatch/internal/config"
)

// FromConfig builds the notifier for the configured channels. It returns
// nil when alerting is disabled.
func FromConfig(cfg config.AlertingConfig, logger zerolog.Logger) (Notifier, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	var out Multi
	telegram := false
	for _, ch := range cfg.Channels {
		switch strings.ToLower(strings.TrimSpace(ch)) {
		case "telegram":
			telegram = true
		case "log":
			out = append(out, NewLogNotifier(logger))
		case "":
		default:
			return nil, fmt.Errorf("unknown alerting channel %q", ch)
		}
	}
	if telegram || cfg.Telegram.Enabled {
		t := cfg.Telegram
		if t.BotToken == "" || t.ChatID == "" {
			return nil, fmt.Errorf("telegram channel requires bot_token and chat_id")
		}
		out = append(out, NewTelegramNotifier(t.BotToken, t.ChatID, t.APIBase, 10*time.Second, logger))
	}
	if len(out) == 0 {
		out = append(out, NewLogNotifier(logger))
	}
	return out, nil
}
