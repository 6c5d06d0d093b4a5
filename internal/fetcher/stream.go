package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// StreamOptions parameterise the websocket listing stream.
type StreamOptions struct {
	URL         string
	ReadTimeout time.Duration
	UserAgent   string
	APIKey      string
	Filter      Filter
	Now         func() time.Time
}

// streamMessage is one frame. Frames carrying a single listing use "data";
// batch frames use "listings".
type streamMessage struct {
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data"`
	Listings []apiListing    `json:"listings"`
}

// Stream consumes listing events over a websocket, reconnecting with
// exponential backoff.
type Stream struct {
	opts   StreamOptions
	logger zerolog.Logger
	dialer websocket.Dialer
	ingest ingest
}

// NewStream constructs a stream submitting into out. tracker may be nil.
func NewStream(opts StreamOptions, dedup *Dedup, out Submitter, tracker ItemTracker, logger zerolog.Logger) *Stream {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if dedup == nil {
		dedup = NewDedup(0)
	}
	logger = logger.With().Str("component", "listing_stream").Logger()
	return &Stream{
		opts:   opts,
		logger: logger,
		dialer: websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		ingest: ingest{
			filter:  opts.Filter,
			dedup:   dedup,
			out:     out,
			tracker: tracker,
			now:     opts.Now,
			logger:  logger,
		},
	}
}

// Run connects and consumes frames until ctx is cancelled.
func (s *Stream) Run(ctx context.Context) error {
	retry := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, err := s.connect(ctx)
		if err != nil {
			delay := backoff(retry)
			retry++
			s.logger.Warn().Err(err).Int("retry", retry).Dur("delay", delay).Msg("stream connect failed")
			if err := sleepCtx(ctx, delay); err != nil {
				return err
			}
			continue
		}

		retry = 0
		s.logger.Info().Str("url", s.opts.URL).Msg("stream connected")
		if err := s.consume(ctx, conn); err != nil && ctx.Err() == nil {
			s.logger.Warn().Err(err).Msg("stream read failed; reconnecting")
		}
	}
}

func (s *Stream) connect(ctx context.Context) (*websocket.Conn, error) {
	header := make(http.Header)
	ua := s.opts.UserAgent
	if ua == "" {
		ua = "flipwatch/1.0"
	}
	header.Set("User-Agent", ua)
	if s.opts.APIKey != "" {
		header.Set("Authorization", s.opts.APIKey)
	}

	conn, _, err := s.dialer.DialContext(ctx, s.opts.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.opts.URL, err)
	}
	return conn, nil
}

func (s *Stream) consume(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-done:
			conn.Close()
		}
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	})

	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout)); err != nil {
			return err
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		if err := s.handleFrame(ctx, msg); err != nil {
			s.logger.Warn().Err(err).Int("bytes", len(msg)).Msg("malformed stream frame")
		}
	}
}

func (s *Stream) handleFrame(ctx context.Context, msg []byte) error {
	var frame streamMessage
	if err := json.Unmarshal(msg, &frame); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}

	switch frame.Type {
	case "ping", "heartbeat":
		return nil
	case "", "listing", "listing_update":
	default:
		return fmt.Errorf("unknown frame type %q", frame.Type)
	}

	if len(frame.Listings) > 0 {
		for _, l := range frame.Listings {
			s.ingest.handle(ctx, l)
		}
		return nil
	}
	if len(frame.Data) == 0 {
		return errors.New("frame without listing")
	}
	var l apiListing
	if err := json.Unmarshal(frame.Data, &l); err != nil {
		return fmt.Errorf("decode listing: %w", err)
	}
	s.ingest.handle(ctx, l)
	return nil
}
