// Package server exposes the relay over HTTP: the device websocket, health
// and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/matt0x6f/cascade-relay/internal/constants"
	"github.com/matt0x6f/cascade-relay/internal/fanout"
	"github.com/matt0x6f/cascade-relay/internal/logger"
	"github.com/matt0x6f/cascade-relay/internal/metrics"
	"github.com/matt0x6f/cascade-relay/internal/relay"
	"github.com/rs/zerolog"
)

const (
	authWait        = 10 * time.Second
	shutdownTimeout = 10 * time.Second
)

// Authenticator resolves login credentials to a relay user.
type Authenticator interface {
	Authenticate(name, password string) (*relay.User, error)
}

// Options configures the HTTP surface.
type Options struct {
	Metrics    bool
	CORSOrigin string
}

// Server serves attached devices.
type Server struct {
	auth     Authenticator
	opts     Options
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// New creates a server backed by auth.
func New(auth Authenticator, opts Options) *Server {
	if opts.CORSOrigin == "" {
		opts.CORSOrigin = "*"
	}
	s := &Server{
		auth: auth,
		opts: opts,
		log:  logger.With("http"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if s.opts.CORSOrigin == "*" {
				return true
			}
			return r.Header.Get("Origin") == s.opts.CORSOrigin
		},
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{s.opts.CORSOrigin},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.opts.Metrics {
		r.Handle("/metrics", metrics.Handler())
	}
	r.Get("/ws", s.serveWS)
	return r
}

// Run listens on addr until ctx is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// websocket clients manage their own write deadlines
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("Listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// serveWS attaches a device. Credentials come from basic auth or, for
// browsers that cannot set headers, from a first {"type":"auth"} message.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	if name, password, ok := r.BasicAuth(); ok {
		user, err := s.auth.Authenticate(name, password)
		if err != nil {
			metrics.AuthFailures.Inc()
			w.Header().Set("WWW-Authenticate", `Basic realm="relay"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
			return
		}
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.attach(conn, user)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	user, err := s.authFromFirstMessage(conn)
	if err != nil {
		metrics.AuthFailures.Inc()
		s.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("Websocket authentication failed")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "auth required"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	s.attach(conn, user)
}

type authMessage struct {
	Type     string `json:"type"`
	User     string `json:"user"`
	Password string `json:"password"`
}

func (s *Server) authFromFirstMessage(conn *websocket.Conn) (*relay.User, error) {
	_ = conn.SetReadDeadline(time.Now().Add(authWait))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var msg authMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	if msg.Type != "auth" || msg.User == "" {
		return nil, errors.New("expected an auth message")
	}
	_ = conn.SetReadDeadline(time.Time{})
	return s.auth.Authenticate(msg.User, msg.Password)
}

func (s *Server) attach(conn *websocket.Conn, user *relay.User) {
	att := fanout.NewAttachment(constants.AttachmentBufferSize)
	count := user.Attach(att)
	s.log.Info().Str("user", user.Name()).Str("attachment", att.ID()).Int("clients", count).Msg("Client attached")
	fanout.NewClient(conn, user.Hub(), att, user).Run()
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Msg("Request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
