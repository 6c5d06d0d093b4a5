package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"flipwatch/internal/catalog"
	"flipwatch/internal/fee"
	"flipwatch/internal/pipeline"
)

// Notification is the alert context for one profitable listing.
type Notification struct {
	DecisionID     uuid.UUID
	ListingID      string
	Item           string
	Offer          fee.Amount
	ReferencePrice fee.Amount
	NetProceeds    fee.Amount
	Margin         fee.Amount
	MarginPct      decimal.Decimal
	ThresholdPct   decimal.Decimal
	Market         catalog.Market
	DecidedAt      time.Time
	Channels       []string
	AdditionalMsg  string
}

// NotificationFor builds the notification for a decision.
func NotificationFor(d pipeline.Decision, threshold decimal.Decimal, channels []string) Notification {
	return Notification{
		DecisionID:     d.ID,
		ListingID:      d.ListingID,
		Item:           string(d.Item),
		Offer:          d.Offer,
		ReferencePrice: d.ReferencePrice,
		NetProceeds:    d.NetProceeds,
		Margin:         d.Margin,
		MarginPct:      d.MarginPct(),
		ThresholdPct:   threshold,
		Market:         d.Market,
		DecidedAt:      d.DecidedAt,
		Channels:       channels,
	}
}

// Notifier defines the alert delivery interface.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier pushes messages through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify calls the sendMessage API.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]any{
		"chat_id":                  n.chatID,
		"text":                     renderMessage(note),
		"disable_web_page_preview": true,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false: %s", result.Description)
		}
	}

	n.logger.Info().Str("item", note.Item).
		Str("listing_id", note.ListingID).
		Str("margin_pct", note.MarginPct.StringFixed(2)).
		Msg("alert sent (telegram)")
	return nil
}

// LogNotifier writes alerts to the log; it backs the "log" channel.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier constructs a log-only notifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify logs the alert.
func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	n.logger.Info().
		Str("item", note.Item).
		Str("listing_id", note.ListingID).
		Str("offer", note.Offer.USD()).
		Str("net_proceeds", note.NetProceeds.USD()).
		Str("margin_pct", note.MarginPct.StringFixed(2)).
		Bool("stable", note.Market.Stable).
		Int64("sold_per_week", note.Market.SoldPerWeek).
		Msg("profitable listing")
	return nil
}

// Multi fans a notification out to several notifiers. Every notifier is
// tried; the errors are joined.
type Multi []Notifier

// Notify delivers to every notifier.
func (m Multi) Notify(ctx context.Context, note Notification) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("[flipwatch] profitable listing\n")
	builder.WriteString(fmt.Sprintf("Item: %s\n", note.Item))
	builder.WriteString(fmt.Sprintf("Listing: %s\n", note.ListingID))
	builder.WriteString(fmt.Sprintf("Offer: $%s\n", note.Offer.USD()))
	builder.WriteString(fmt.Sprintf("Reference: $%s (net $%s after fees)\n", note.ReferencePrice.USD(), note.NetProceeds.USD()))
	builder.WriteString(fmt.Sprintf("Margin: $%s / %s%% (threshold %s%%)\n", note.Margin.USD(), note.MarginPct.StringFixed(2), note.ThresholdPct.StringFixed(2)))
	if m := note.Market; m.Analyzed() {
		state := "volatile"
		if m.Stable {
			state = "stable"
		}
		builder.WriteString(fmt.Sprintf("Market: %s, RSD %.2f%%, %d sold/week\n", state, m.Volatility*100, m.SoldPerWeek))
	}
	if !note.DecidedAt.IsZero() {
		builder.WriteString(fmt.Sprintf("Decided: %s UTC\n", note.DecidedAt.UTC().Format(time.RFC3339)))
	}
	if len(note.Channels) > 0 {
		builder.WriteString(fmt.Sprintf("Channels: %s\n", strings.Join(note.Channels, ",")))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = Multi(nil)
)
