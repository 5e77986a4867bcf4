package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/cocoon/pkg/identity"
	"github.com/cuemby/cocoon/pkg/log"
	"github.com/cuemby/cocoon/pkg/protocol"
	"github.com/cuemby/cocoon/pkg/transport"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// DefaultRegistrationTimeout bounds the wait for the first frame
	DefaultRegistrationTimeout = 15 * time.Second

	subscriberBuffer = 1024
	maxInjectedFrame = 1 << 20
)

// ErrDeviceNotConnected is returned when sending to a device that has no
// live connection
var ErrDeviceNotConnected = errors.New("device not connected")

// Config configures the coordinator
type Config struct {
	// Salt keys device id derivation. Changing it orphans every device.
	Salt []byte

	// SetupTokens maps accepted setup tokens to owner ids. When nil any
	// setup token is accepted without an owner.
	SetupTokens map[string]string

	RegistrationTimeout time.Duration
	Conn                transport.ConnOptions
}

// DeviceInfo describes a connected device
type DeviceInfo struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	Version     string    `json:"version,omitempty"`
	OwnerID     string    `json:"owner_id,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

type device struct {
	info DeviceInfo
	conn *transport.Conn
}

// Server is a minimal signaling coordinator: it verifies device identities,
// tracks connected devices and relays frames to and from them
type Server struct {
	cfg      Config
	deriver  *identity.Deriver
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	devices map[string]*device
	subs    map[string][]chan []byte

	logger zerolog.Logger
}

// NewServer creates a coordinator
func NewServer(cfg Config) *Server {
	if cfg.RegistrationTimeout <= 0 {
		cfg.RegistrationTimeout = DefaultRegistrationTimeout
	}
	return &Server{
		cfg:     cfg,
		deriver: identity.NewDeriver(cfg.Salt),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return r.Header.Get("Origin") == ""
			},
		},
		devices: make(map[string]*device),
		subs:    make(map[string][]chan []byte),
		logger:  log.WithComponent("signaling"),
	}
}

// Handler returns the coordinator's HTTP routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.ServeWS)
	mux.HandleFunc("GET /api/devices", s.listDevicesHandler)
	mux.HandleFunc("POST /api/devices/{id}/frames", s.sendFrameHandler)
	return mux
}

// ServeWS upgrades a worker connection and serves it until it ends
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Websocket upgrade failed")
		return
	}
	conn := transport.NewConn(ws, s.cfg.Conn)
	defer conn.Close()

	dev, err := s.register(r.Context(), conn)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Registration failed")
		return
	}
	defer s.remove(dev)

	s.serveDevice(r.Context(), dev)
}

// register runs the server side of the handshake on a fresh connection
func (s *Server) register(ctx context.Context, conn *transport.Conn) (*device, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RegistrationTimeout)
	defer cancel()

	raw, err := conn.Receive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to receive registration: %w", err)
	}
	env, err := protocol.Peek(raw)
	if err != nil {
		return nil, err
	}

	var (
		info    DeviceInfo
		verr    error
		claimed string
	)
	switch env.Type {
	case protocol.TypeRegister:
		var req protocol.Register
		if err := protocol.Decode(raw, &req); err != nil {
			return nil, err
		}
		claimed = req.DeviceID
		info.Name, info.Version = req.Name, req.Version
		info.ID, verr = s.deriver.Verify(req.Secret, req.DeviceID)

	case protocol.TypeRegisterWithSetupToken:
		var req protocol.RegisterWithSetupToken
		if err := protocol.Decode(raw, &req); err != nil {
			return nil, err
		}
		info.Name, info.Version = req.Name, req.Version
		owner, ok := s.ownerFor(req.SetupToken)
		if !ok {
			verr = fmt.Errorf("invalid setup token")
			break
		}
		info.OwnerID = owner
		info.ID, verr = s.deriver.Verify(req.Secret, "")

	default:
		_ = conn.Send(ctx, protocol.Error{Code: protocol.CodeInvalidRequest, Message: "registration required"})
		_ = conn.Flush(ctx)
		return nil, fmt.Errorf("unexpected %s frame before registration", env.Type)
	}

	if verr != nil {
		reason := verr.Error()
		if errors.Is(verr, identity.ErrDeviceMismatch) {
			reason = "device id does not match secret"
		}
		_ = conn.Send(ctx, protocol.RegistrationResult{Accepted: false, Reason: reason})
		_ = conn.Flush(ctx)
		s.logger.Warn().Str("claimed_device_id", claimed).Str("reason", reason).Msg("Registration rejected")
		return nil, fmt.Errorf("registration rejected: %w", verr)
	}

	info.ConnectedAt = time.Now()
	dev := &device{info: info, conn: conn}
	s.add(dev)

	if err := conn.Send(ctx, protocol.RegistrationResult{
		Accepted: true,
		DeviceID: info.ID,
		OwnerID:  info.OwnerID,
		Name:     info.Name,
	}); err != nil {
		s.remove(dev)
		return nil, fmt.Errorf("failed to send registration result: %w", err)
	}

	s.logger.Info().
		Str("device_id", info.ID).
		Str("name", info.Name).
		Bool("first_registration", claimed == "").
		Msg("Device registered")
	return dev, nil
}

func (s *Server) serveDevice(ctx context.Context, dev *device) {
	logger := log.WithDeviceID(dev.info.ID)
	for {
		raw, err := dev.conn.Receive(ctx)
		if err != nil {
			logger.Info().Err(err).Msg("Device disconnected")
			return
		}

		env, err := protocol.Peek(raw)
		if err != nil {
			logger.Warn().Err(err).Msg("Dropping malformed frame from device")
			continue
		}

		if env.Type == protocol.TypeDeregister {
			_ = dev.conn.Send(ctx, protocol.Deregistered{DeviceID: dev.info.ID})
			_ = dev.conn.Flush(ctx)
			logger.Info().Msg("Device deregistered")
			return
		}

		s.fanOut(dev.info.ID, raw)
	}
}

// Send delivers a frame to a connected device
func (s *Server) Send(ctx context.Context, deviceID string, frame protocol.Frame) error {
	s.mu.RLock()
	dev, ok := s.devices[deviceID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotConnected, deviceID)
	}
	return dev.conn.Send(ctx, frame)
}

// Subscribe returns the frames a device sends after registration. The
// subscription outlives reconnections and ends when cancel is called.
func (s *Server) Subscribe(deviceID string) (<-chan []byte, func()) {
	ch := make(chan []byte, subscriberBuffer)

	s.mu.Lock()
	s.subs[deviceID] = append(s.subs[deviceID], ch)
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			list := s.subs[deviceID]
			for i, c := range list {
				if c == ch {
					s.subs[deviceID] = append(list[:i], list[i+1:]...)
					break
				}
			}
			if len(s.subs[deviceID]) == 0 {
				delete(s.subs, deviceID)
			}
			close(ch)
		})
	}
	return ch, cancel
}

// Devices lists connected devices sorted by id
func (s *Server) Devices() []DeviceInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]DeviceInfo, 0, len(s.devices))
	for _, dev := range s.devices {
		list = append(list, dev.info)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// Close disconnects every device
func (s *Server) Close() {
	s.mu.RLock()
	conns := make([]*transport.Conn, 0, len(s.devices))
	for _, dev := range s.devices {
		conns = append(conns, dev.conn)
	}
	s.mu.RUnlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}

// add tracks dev, replacing and closing any older connection for the
// same device
func (s *Server) add(dev *device) {
	s.mu.Lock()
	old, exists := s.devices[dev.info.ID]
	s.devices[dev.info.ID] = dev
	s.mu.Unlock()

	if exists {
		s.logger.Info().Str("device_id", dev.info.ID).Msg("Replacing previous connection")
		_ = old.conn.Close()
	}
}

func (s *Server) remove(dev *device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.devices[dev.info.ID]; ok && cur == dev {
		delete(s.devices, dev.info.ID)
	}
}

func (s *Server) fanOut(deviceID string, raw []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs[deviceID] {
		select {
		case ch <- raw:
		default:
			s.logger.Warn().Str("device_id", deviceID).Msg("Subscriber full, dropping frame")
		}
	}
}

func (s *Server) ownerFor(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	if s.cfg.SetupTokens == nil {
		return "", true
	}
	owner, ok := s.cfg.SetupTokens[token]
	return owner, ok
}

func (s *Server) listDevicesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"devices": s.Devices(),
	})
}

func (s *Server) sendFrameHandler(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxInjectedFrame))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	frame, err := ParseRawFrame(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if err := s.Send(r.Context(), deviceID, frame); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, ErrDeviceNotConnected) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "type": frame.FrameType()})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
