// Copyright 2024-2026 Aiku AI

package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/skip2/go-qrcode"
	"go.mau.fi/util/jsontime"
	"go.mau.fi/util/ptr"
)

// sessionController is the slice of the connection manager the HTTP
// handlers need. Tests inject a stub.
type sessionController interface {
	ForceReconnect() error
	Logout(ctx context.Context) error
	SendText(ctx context.Context, to, text string) (string, error)
}

// Server exposes the gateway's HTTP surface: health, send, connection
// status, QR pairing, reconnect, and logout. The original dashboard
// consumer uses a /wa prefix, so those routes are registered under both.
type Server struct {
	state   *StateStore
	control sessionController
	log     zerolog.Logger
	router  *mux.Router
}

func NewServer(state *StateStore, control sessionController, log zerolog.Logger) *Server {
	s := &Server{
		state:   state,
		control: control,
		log:     log.With().Str("component", "http").Logger(),
	}
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/send", s.handleSend).Methods(http.MethodPost)
	for _, prefix := range []string{"", "/wa"} {
		r.HandleFunc(prefix+"/status", s.handleStatus).Methods(http.MethodGet)
		r.HandleFunc(prefix+"/qr", s.handleQR).Methods(http.MethodGet)
		r.HandleFunc(prefix+"/reconnect", s.handleReconnect).Methods(http.MethodPost)
		r.HandleFunc(prefix+"/logout", s.handleLogout).Methods(http.MethodPost)
	}
	s.router = r
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	Status      Status              `json:"status"`
	User        *DeviceUser         `json:"user"`
	HasQR       bool                `json:"hasQR"`
	QRTimestamp *jsontime.UnixMilli `json:"qrTimestamp"`
	LastError   *string             `json:"lastError"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := s.state.Snapshot()
	resp := statusResponse{
		Status: st.Status,
		User:   st.User,
		HasQR:  st.QRCode != "",
	}
	if !st.QRTimestamp.IsZero() {
		resp.QRTimestamp = ptr.Ptr(jsontime.UM(st.QRTimestamp))
	}
	if st.LastError != "" {
		resp.LastError = ptr.Ptr(st.LastError)
	}
	s.writeJSON(w, http.StatusOK, &resp)
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	st := s.state.Snapshot()
	if st.QRCode == "" {
		msg := "Waiting for QR code generation"
		if st.Status == StatusConnected {
			msg = "Already connected to WhatsApp"
		}
		s.writeJSON(w, http.StatusNotFound, map[string]any{
			"error":   "QR code not available",
			"status":  st.Status,
			"message": msg,
		})
		return
	}

	png, err := qrcode.Encode(st.QRCode, qrcode.Medium, 256)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if r.URL.Query().Get("format") == "png" {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"qrCode":    st.QRCode,
		"qrImage":   base64.StdEncoding.EncodeToString(png),
		"timestamp": st.QRTimestamp.UnixMilli(),
		"expiresIn": qrExpiry.Milliseconds(),
	})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To   string `json:"to"`
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if req.To == "" || req.Text == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "to and text required"})
		return
	}
	id, err := s.control.SendText(r.Context(), req.To, req.Text)
	if err != nil {
		s.log.Error().Err(err).Str("to", req.To).Msg("Send failed")
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "sent", "id": id})
}

func (s *Server) handleReconnect(w http.ResponseWriter, _ *http.Request) {
	if err := s.control.ForceReconnect(); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Reconnecting, fetch /qr for a fresh pairing code",
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.control.Logout(r.Context()); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Logged out, reconnect to pair a new device",
	})
}
