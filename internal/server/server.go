// Package server exposes the synthesis service over HTTP: a one-shot
// POST /tts endpoint and a websocket /stream endpoint where text token
// spans and audio chunks alternate.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/example/go-streamtts/internal/audio"
	"github.com/example/go-streamtts/internal/config"
	"github.com/example/go-streamtts/internal/tts"
)

// ParseLogLevel converts a case-insensitive level string to slog.Level.
// An empty string returns slog.LevelInfo. Unknown strings return an error.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (want debug|info|warn|error)", s)
	}
}

type options struct {
	maxTextTokens  int
	sessions       int
	requestTimeout time.Duration
	logger         *slog.Logger
}

func defaultOptions() options {
	return options{
		maxTextTokens:  300,
		sessions:       8,
		requestTimeout: 120 * time.Second,
		logger:         slog.Default(),
	}
}

// Option configures the HTTP handler.
type Option func(*options)

// WithMaxTextTokens caps the text tokens accepted per request.
func WithMaxTextTokens(n int) Option {
	return func(o *options) { o.maxTextTokens = n }
}

// WithSessions caps concurrent synthesis work, streaming included.
func WithSessions(n int) Option {
	return func(o *options) { o.sessions = n }
}

// WithRequestTimeout sets the per-request synthesis deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithLogger sets the slog.Logger used for request logging.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

type handler struct {
	svc      *tts.Service
	opts     options
	sem      chan struct{}
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// NewHandler returns an http.Handler serving /health, /voices, POST /tts
// and the websocket /stream endpoint.
func NewHandler(svc *tts.Service, optFns ...Option) http.Handler {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	h := &handler{
		svc:  svc,
		opts: opts,
		log:  opts.logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	if opts.sessions > 0 {
		h.sem = make(chan struct{}, opts.sessions)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/voices", h.handleVoices)
	mux.HandleFunc("/tts", h.handleTTS)
	mux.HandleFunc("/stream", h.handleStream)
	return mux
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": buildVersion(),
	})
}

func (h *handler) handleVoices(w http.ResponseWriter, _ *http.Request) {
	voices := []tts.Voice{}
	if vm := h.svc.Voices(); vm != nil {
		voices = vm.ListVoices()
	}
	writeJSON(w, http.StatusOK, voices)
}

type ttsRequest struct {
	Tokens []int64 `json:"tokens"`
	Voice  string  `json:"voice"`
	Stream bool    `json:"stream"`
}

// acquire takes a session slot, honouring cancellation while waiting.
func (h *handler) acquire(ctx context.Context) (func(), bool) {
	if h.sem == nil {
		return func() {}, true
	}
	select {
	case h.sem <- struct{}{}:
		return func() { <-h.sem }, true
	case <-ctx.Done():
		return nil, false
	}
}

func (h *handler) handleTTS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if r.Body == nil {
		writeError(w, http.StatusBadRequest, "request body is required")
		return
	}

	var req ttsRequest
	if err := sonic.ConfigDefault.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if len(req.Tokens) == 0 {
		writeError(w, http.StatusBadRequest, "tokens field is required")
		return
	}
	if len(req.Tokens) > h.opts.maxTextTokens {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("request exceeds maximum of %d text tokens", h.opts.maxTextTokens))
		return
	}
	if !h.svc.HasVocoder() {
		writeError(w, http.StatusNotImplemented, "no vocoder configured, use /stream for audio codes")
		return
	}

	release, ok := h.acquire(r.Context())
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "request cancelled while waiting for a session slot")
		return
	}
	defer release()

	ctx, cancel := context.WithTimeout(r.Context(), h.opts.requestTimeout)
	defer cancel()

	if req.Stream {
		h.streamTTS(ctx, w, req)
		return
	}

	start := time.Now()
	samples, err := h.svc.Synthesize(ctx, req.Tokens, req.Voice)
	durationMS := time.Since(start).Milliseconds()

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			h.log.WarnContext(r.Context(), "synthesis timed out",
				slog.String("voice", req.Voice),
				slog.Int("tokens", len(req.Tokens)),
				slog.Int64("duration_ms", durationMS),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusGatewayTimeout, "synthesis timed out")
			return
		}
		h.log.ErrorContext(r.Context(), "synthesis failed",
			slog.String("voice", req.Voice),
			slog.Int("tokens", len(req.Tokens)),
			slog.Int64("duration_ms", durationMS),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	wav, err := audio.EncodeWAVPCM16(samples, h.svc.SampleRate())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.log.InfoContext(r.Context(), "synthesis complete",
		slog.String("voice", req.Voice),
		slog.Int("tokens", len(req.Tokens)),
		slog.Int64("duration_ms", durationMS),
		slog.Int("wav_bytes", len(wav)),
	)

	w.Header().Set("Content-Type", "audio/wav")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(wav)
}

// streamTTS writes a chunked WAV response: an unknown-length header
// followed by PCM for each audio chunk as it is generated.
func (h *handler) streamTTS(ctx context.Context, w http.ResponseWriter, req ttsRequest) {
	session, err := h.svc.NewSession(req.Voice)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := session.WriteText(req.Tokens); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	session.CloseText()

	w.Header().Set("Content-Type", "audio/wav")
	w.WriteHeader(http.StatusOK)
	if _, err := audio.WriteWAVHeaderStreaming(w, h.svc.SampleRate()); err != nil {
		return
	}
	flusher, _ := w.(http.Flusher)

	sc := h.svc.SpeechConfig()
	chunk := h.svc.Config().Decoder.ChunkSize
	if chunk <= 0 {
		chunk = int(sc.StreamingAudioChunkSize)
	}
	budget := int(sc.MaxPositionEmbeddings - sc.ConditionLength())
	for generated := 0; generated < budget; {
		if ctx.Err() != nil {
			return
		}
		res, err := session.GenerateChunk(chunk)
		if err != nil {
			h.log.ErrorContext(ctx, "streaming synthesis failed", slog.String("error", err.Error()))
			return
		}
		if len(res.Rows) > 0 {
			mel, err := h.svc.DecodeRows(res.Rows)
			if err != nil {
				h.log.ErrorContext(ctx, "codec decode failed", slog.String("error", err.Error()))
				return
			}
			samples, err := h.svc.Waveform(ctx, mel)
			if err != nil {
				h.log.ErrorContext(ctx, "vocoder failed", slog.String("error", err.Error()))
				return
			}
			if _, err := audio.WritePCM16Samples(w, samples); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		generated += len(res.Rows)
		if res.Finished {
			return
		}
		// GenerateChunk yields an empty chunk only on the finishing call.
		// An empty unfinished chunk would loop forever, so bail out.
		if len(res.Rows) == 0 {
			h.log.ErrorContext(ctx, "generation stalled", slog.Int("rows", generated))
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = sonic.ConfigDefault.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Server wires the handler into a net/http.Server with graceful shutdown.
type Server struct {
	cfg             config.Config
	svc             *tts.Service
	logger          *slog.Logger
	shutdownTimeout time.Duration
}

func New(cfg config.Config, svc *tts.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:             cfg,
		svc:             svc,
		logger:          logger,
		shutdownTimeout: 30 * time.Second,
	}
}

// WithShutdownTimeout overrides the graceful-shutdown drain period.
func (s *Server) WithShutdownTimeout(d time.Duration) *Server {
	s.shutdownTimeout = d
	return s
}

func (s *Server) Start(ctx context.Context) error {
	svc := s.svc
	if svc == nil {
		var err error
		svc, err = tts.NewService(s.cfg, s.logger)
		if err != nil {
			return fmt.Errorf("initialize service: %w", err)
		}
	}

	h := NewHandler(svc,
		WithMaxTextTokens(s.cfg.Server.MaxTextTokens),
		WithSessions(s.cfg.Server.Sessions),
		WithRequestTimeout(time.Duration(s.cfg.Server.RequestTimeout)*time.Second),
		WithLogger(s.logger),
	)

	httpServer := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("http listen: %w", err)
	}
}

func ProbeHTTP(addr string) error {
	resp, err := http.Get("http://" + addr + "/health") //nolint:noctx
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected health status: %s", resp.Status)
	}
	return nil
}
