package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dialvox/dialvox/internal/dialer"
	"github.com/dialvox/dialvox/internal/health"
	"github.com/dialvox/dialvox/internal/observe"
	"github.com/dialvox/dialvox/internal/queue"
	"github.com/dialvox/dialvox/internal/session"
	"github.com/dialvox/dialvox/pkg/media"
	"github.com/dialvox/dialvox/pkg/media/browser"
	"github.com/dialvox/dialvox/pkg/media/sip"
	"github.com/dialvox/dialvox/pkg/media/telephony"
)

// DialerControl starts and stops the dialer worker pool. Start and Stop
// report whether the call changed anything (false means already in that
// state).
type DialerControl interface {
	Start() bool
	Stop() bool
	Running() bool
}

// StatusSink receives telephony status callbacks and routes them to the
// originating call. Returns false for unknown call IDs.
type StatusSink interface {
	DeliverStatus(providerCallID, rawStatus string) bool
}

// QueueInspector exposes queue state for the status endpoint.
type QueueInspector interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

// SessionInspector exposes live-session state for the status endpoint.
type SessionInspector interface {
	Stats() map[session.State]int
}

// Enqueuer accepts new dialer jobs submitted over the HTTP surface.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *dialer.Job) error
}

// RecorderSource supplies the inbound recording sink attached to a call's
// media gateway. May return nil when recording is disabled for the call.
type RecorderSource interface {
	For(callID string) media.Recorder
}

// Config wires the server's collaborators. Dialer, Status, Queue, and
// Sessions are required; Recorders and Checkers are optional.
type Config struct {
	Dialer   DialerControl
	Status   StatusSink
	Queue    QueueInspector
	Sessions SessionInspector

	// Jobs accepts job submissions on POST /jobs. Nil disables the route.
	Jobs Enqueuer

	// Recorders supplies per-call recording sinks for media streams.
	Recorders RecorderSource

	// Checkers are evaluated by /readyz in addition to the liveness probe.
	Checkers []health.Checker
}

// Server is the Dialvox HTTP control surface.
type Server struct {
	cfg Config
	hub *Hub
	log *slog.Logger
	met *observe.Metrics
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMetrics sets the metrics recorder used by the observe middleware.
func WithMetrics(met *observe.Metrics) Option {
	return func(s *Server) { s.met = met }
}

// NewServer creates the control server and its media hub.
func NewServer(cfg Config, opts ...Option) *Server {
	s := &Server{
		cfg: cfg,
		hub: NewHub(),
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Hub returns the media hub workers await gateways on.
func (s *Server) Hub() *Hub { return s.hub }

// Handler builds the full route table. When metrics are configured every
// route except /metrics is wrapped in the observe middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	health.New(s.cfg.Checkers...).Register(mux)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /dialer/start", s.handleDialerStart)
	mux.HandleFunc("POST /dialer/stop", s.handleDialerStop)
	mux.HandleFunc("POST /telephony/status", s.handleTelephonyStatus)
	mux.HandleFunc("GET /media", s.handleMedia)
	mux.HandleFunc("POST /media/sip", s.handleSIPMedia)
	if s.cfg.Jobs != nil {
		mux.HandleFunc("POST /jobs", s.handleEnqueueJob)
	}

	var inner http.Handler = mux
	if s.met != nil {
		inner = observe.Middleware(s.met)(mux)
	}

	// /metrics stays outside the middleware so scrapes do not generate
	// spans and request metrics of their own.
	outer := http.NewServeMux()
	outer.Handle("GET /metrics", promhttp.Handler())
	outer.Handle("/", inner)
	return outer
}

// statusResponse is the JSON body of GET /status.
type statusResponse struct {
	DialerRunning bool           `json:"dialer_running"`
	PendingMedia  int            `json:"pending_media"`
	Queue         queueStatus    `json:"queue"`
	Sessions      map[string]int `json:"sessions"`
}

type queueStatus struct {
	PriorityDepth  int64            `json:"priority_depth"`
	ScheduledCount int64            `json:"scheduled_count"`
	ProcessingSize int64            `json:"processing_size"`
	Counters       map[string]int64 `json:"counters,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	qs, err := s.cfg.Queue.Stats(r.Context())
	if err != nil {
		s.log.Error("status: queue stats failed", "err", err)
		http.Error(w, `{"error":"queue unavailable"}`, http.StatusServiceUnavailable)
		return
	}

	sessions := make(map[string]int)
	for state, n := range s.cfg.Sessions.Stats() {
		sessions[string(state)] = n
	}

	writeJSON(w, http.StatusOK, statusResponse{
		DialerRunning: s.cfg.Dialer.Running(),
		PendingMedia:  s.hub.Pending(),
		Queue: queueStatus{
			PriorityDepth:  qs.PriorityDepth,
			ScheduledCount: qs.ScheduledCount,
			ProcessingSize: qs.ProcessingSize,
			Counters:       qs.Counters,
		},
		Sessions: sessions,
	})
}

func (s *Server) handleDialerStart(w http.ResponseWriter, _ *http.Request) {
	changed := s.cfg.Dialer.Start()
	s.log.Info("dialer start requested", "changed", changed)
	writeJSON(w, http.StatusOK, map[string]bool{"running": true, "changed": changed})
}

func (s *Server) handleDialerStop(w http.ResponseWriter, _ *http.Request) {
	changed := s.cfg.Dialer.Stop()
	s.log.Info("dialer stop requested", "changed", changed)
	writeJSON(w, http.StatusOK, map[string]bool{"running": false, "changed": changed})
}

// handleEnqueueJob accepts a JSON job body, fills in the server-assigned
// fields, and pushes it onto the dial queue.
func (s *Server) handleEnqueueJob(w http.ResponseWriter, r *http.Request) {
	var job dialer.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		http.Error(w, "invalid job body", http.StatusBadRequest)
		return
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Priority == 0 {
		job.Priority = 5
	}
	if job.AttemptNumber == 0 {
		job.AttemptNumber = 1
	}
	job.Status = dialer.StatusPending
	job.CreatedAt = time.Now().UTC()
	if job.ScheduledAt.IsZero() {
		job.ScheduledAt = job.CreatedAt
	}

	if err := job.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.cfg.Jobs.Enqueue(r.Context(), &job); err != nil {
		s.log.Error("job enqueue failed", "job_id", job.ID, "err", err)
		http.Error(w, `{"error":"enqueue failed"}`, http.StatusServiceUnavailable)
		return
	}

	s.log.Info("job enqueued",
		"job_id", job.ID, "tenant_id", job.TenantID, "priority", job.Priority)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.ID,
		"status": string(job.Status),
	})
}

// handleTelephonyStatus accepts the carrier's form-encoded status callback.
// Unknown call IDs are acknowledged anyway: the carrier retries on non-2xx
// and a call that already settled has nothing left to deliver to.
func (s *Server) handleTelephonyStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	callSID := r.PostFormValue("CallSid")
	status := r.PostFormValue("CallStatus")
	if callSID == "" || status == "" {
		http.Error(w, "CallSid and CallStatus are required", http.StatusBadRequest)
		return
	}

	delivered := s.cfg.Status.DeliverStatus(callSID, status)
	if !delivered {
		s.log.Warn("status callback for unknown call", "call_sid", callSID, "status", status)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMedia upgrades the connection to a websocket, wraps it in the media
// gateway matching the requested transport, and hands it to the awaiting
// worker through the hub.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	callID := r.URL.Query().Get("call_id")
	if callID == "" {
		http.Error(w, "call_id is required", http.StatusBadRequest)
		return
	}
	transport := r.URL.Query().Get("transport")
	if transport == "" {
		transport = "telephony"
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("media websocket accept failed", "call_id", callID, "err", err)
		return
	}

	var rec media.Recorder
	if s.cfg.Recorders != nil {
		rec = s.cfg.Recorders.For(callID)
	}

	var gw media.Gateway
	switch transport {
	case "telephony":
		var opts []telephony.Option
		if rec != nil {
			opts = append(opts, telephony.WithRecorder(rec))
		}
		gw = telephony.New(conn, callID, opts...)
	case "browser":
		var opts []browser.Option
		if rec != nil {
			opts = append(opts, browser.WithRecorder(rec))
		}
		gw = browser.New(conn, callID, opts...)
	default:
		conn.Close(websocket.StatusPolicyViolation, "unknown transport")
		return
	}

	if err := s.hub.Register(callID, gw); err != nil {
		s.log.Warn("duplicate media stream", "call_id", callID, "transport", transport)
		gw.Close()
		return
	}
	s.log.Info("media stream connected", "call_id", callID, "transport", transport)
}

// sipMediaRequest is the body of POST /media/sip, sent by the SIP bridge
// after SDP negotiation: the call this media leg belongs to and the remote
// RTP endpoint from the peer's SDP.
type sipMediaRequest struct {
	CallID     string `json:"call_id"`
	RemoteAddr string `json:"remote_addr"`
}

// handleSIPMedia attaches a bridge-negotiated SIP media leg. The server binds
// a local RTP socket, hands the gateway to the awaiting worker through the
// hub, and returns the bound port for the bridge to advertise in its SDP
// answer. Signaling stays with the bridge; only media flows here.
func (s *Server) handleSIPMedia(w http.ResponseWriter, r *http.Request) {
	var req sipMediaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CallID == "" || req.RemoteAddr == "" {
		http.Error(w, "call_id and remote_addr are required", http.StatusBadRequest)
		return
	}
	remote, err := net.ResolveUDPAddr("udp", req.RemoteAddr)
	if err != nil {
		http.Error(w, "invalid remote_addr", http.StatusBadRequest)
		return
	}

	conn, err := bindRTPSocket()
	if err != nil {
		s.log.Error("sip media: no free rtp port", "call_id", req.CallID, "err", err)
		http.Error(w, `{"error":"no media port available"}`, http.StatusServiceUnavailable)
		return
	}

	var opts []sip.Option
	if s.cfg.Recorders != nil {
		if rec := s.cfg.Recorders.For(req.CallID); rec != nil {
			opts = append(opts, sip.WithRecorder(rec))
		}
	}
	gw := sip.New(conn, remote, req.CallID, opts...)
	if err := s.hub.Register(req.CallID, gw); err != nil {
		s.log.Warn("duplicate media stream", "call_id", req.CallID, "transport", "sip")
		gw.Close()
		http.Error(w, `{"error":"duplicate call_id"}`, http.StatusConflict)
		return
	}

	port := conn.LocalAddr().(*net.UDPAddr).Port
	s.log.Info("media stream connected",
		"call_id", req.CallID, "transport", "sip", "rtp_port", port)
	writeJSON(w, http.StatusOK, map[string]int{"rtp_port": port})
}

// bindRTPSocket binds a UDP socket on an even port in the 10000-20000 media
// range. Even ports only, per the RTP convention that the odd neighbour is
// reserved for RTCP.
func bindRTPSocket() (*net.UDPConn, error) {
	for range 32 {
		port := 10000 + 2*rand.IntN(5000)
		conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
		if err == nil {
			return conn, nil
		}
	}
	return nil, errors.New("control: no free rtp port in media range")
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}
