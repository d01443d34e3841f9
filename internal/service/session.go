package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chartfeed/internal/datafeed"
	"chartfeed/internal/model"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var errMalformedRequest = errors.New("malformed request")

// session is one connected chart. Requests are handled sequentially on the read
// goroutine; every outgoing frame goes through send to the single writer.
type session struct {
	id       string
	conn     *websocket.Conn
	feed     Datafeed
	cfg      Config
	validate *validator.Validate

	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	logger zerolog.Logger
}

func newSession(id string, conn *websocket.Conn, feed Datafeed, cfg Config, validate *validator.Validate) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		id:       id,
		conn:     conn,
		feed:     feed,
		cfg:      cfg,
		validate: validate,
		send:     make(chan []byte, cfg.SendBuffer),
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.With().Str("component", "chart-session").Str("session", id).Logger(),
	}
}

// close releases the session's subscriptions and the connection. Safe to call
// more than once and from any goroutine.
func (s *session) close() {
	s.once.Do(func() {
		s.cancel()
		s.feed.Close()
		if err := s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		); err != nil {
			s.logger.Debug().Err(err).Msg("error sending close message")
		}
		if err := s.conn.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("error closing websocket connection")
		}
	})
}

func (s *session) readPump() {
	s.conn.SetReadLimit(s.cfg.ReadLimit)
	if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.PingPeriod * 2)); err != nil {
		s.logger.Debug().Err(err).Msg("error setting read deadline")
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.PingPeriod * 2))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn().Err(err).Msg("unexpected websocket closure")
			}
			return
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			s.logger.Warn().Err(err).Msg("cannot decode request")
			s.replyError(0, errMalformedRequest.Error())
			continue
		}
		if s.ctx.Err() != nil {
			return
		}
		s.handle(req)
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-s.send:
			if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				s.logger.Debug().Err(err).Msg("error setting write deadline")
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.logger.Warn().Err(err).Msg("write failed")
				s.close()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				s.logger.Warn().Err(err).Msg("ping failed")
				s.close()
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// handle dispatches one request. A panic while serving it is reported as an
// error on that request and leaves the session usable.
func (s *session) handle(req Request) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Any("recover", r).Str("method", req.Method).Msg("panic while handling request")
			s.replyError(req.ID, fmt.Sprintf("internal error: %v", r))
		}
	}()

	switch req.Method {
	case MethodOnReady:
		s.feed.OnReady(func(cfg datafeed.Configuration) {
			s.reply(req.ID, cfg)
		})

	case MethodSearchSymbols:
		var p SearchSymbolsParams
		if !s.decode(req, &p) {
			return
		}
		s.feed.SearchSymbols(p.Query, p.Exchange, func(results []datafeed.SearchResult) {
			s.reply(req.ID, results)
		})

	case MethodResolveSymbol:
		var p ResolveSymbolParams
		if !s.decode(req, &p) {
			return
		}
		s.feed.ResolveSymbol(p.Symbol,
			func(info datafeed.SymbolInfo) { s.reply(req.ID, info) },
			func(msg string) { s.replyError(req.ID, msg) },
		)

	case MethodGetBars:
		var p GetBarsParams
		if !s.decode(req, &p) {
			return
		}
		s.feed.GetBars(s.ctx, p.SymbolInfo, p.Resolution, p.PeriodParams,
			func(bars []model.Bar, meta datafeed.HistoryMeta) {
				if bars == nil {
					bars = []model.Bar{}
				}
				s.reply(req.ID, GetBarsResult{Bars: bars, Meta: meta})
			},
			func(msg string) { s.replyError(req.ID, msg) },
		)

	case MethodSubscribeBars:
		var p SubscribeBarsParams
		if !s.decode(req, &p) {
			return
		}
		uid := p.SubscriberUID
		s.feed.SubscribeBars(p.SymbolInfo, p.Resolution, func(bar model.Bar) {
			s.push(Push{Method: MethodBar, Params: BarUpdate{SubscriberUID: uid, Bar: bar}})
		}, uid, func() {})
		s.reply(req.ID, Ack{OK: true})

	case MethodUnsubscribeBars:
		var p UnsubscribeBarsParams
		if !s.decode(req, &p) {
			return
		}
		s.feed.UnsubscribeBars(p.SubscriberUID)
		s.reply(req.ID, Ack{OK: true})

	default:
		s.replyError(req.ID, fmt.Sprintf("unknown method %q", req.Method))
	}
}

// decode unmarshals and validates the params of req, replying with an error when
// they are unusable.
func (s *session) decode(req Request, params any) bool {
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, params); err != nil {
			s.replyError(req.ID, fmt.Sprintf("invalid params: %v", err))
			return false
		}
	}
	if err := s.validate.Struct(params); err != nil {
		s.replyError(req.ID, fmt.Sprintf("invalid params: %v", err))
		return false
	}
	return true
}

func (s *session) reply(id uint64, result any) {
	s.push(Response{ID: id, Result: result})
}

func (s *session) replyError(id uint64, msg string) {
	s.push(Response{ID: id, Error: msg})
}

// push queues v for the writer. It blocks while the queue is full and gives up
// once the session is closed.
func (s *session) push(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error().Err(err).Msg("cannot encode message")
		return
	}
	select {
	case s.send <- data:
	case <-s.ctx.Done():
	}
}
