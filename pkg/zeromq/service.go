package zeromq

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	customlog "github.com/open-teleop/blobtracker/pkg/log"
	"github.com/pebbe/zmq4"
)

// Common errors
var (
	ErrServiceClosed      = errors.New("zeromq service is closed")
	ErrInvalidMessage     = errors.New("invalid message format")
	ErrUnknownMessageType = errors.New("unknown message type")
)

// Message types
const (
	MsgTypeGetCalibration     = "GET_CALIBRATION"
	MsgTypeSetColorRange      = "SET_COLOR_RANGE"
	MsgTypeSetParams          = "SET_PARAMS"
	MsgTypeCalibration        = "CALIBRATION"
	MsgTypeCalibrationChanged = "CALIBRATION_CHANGED"
	MsgTypeError              = "ERROR"
)

const (
	pollInterval  = 250 * time.Millisecond
	socketTimeout = time.Second
)

// ZeroMQMessage represents a generic message structure for ZeroMQ communication
type ZeroMQMessage struct {
	Type      string      `json:"type"`
	Timestamp float64     `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// ErrorResponse represents an error response message
type ErrorResponse struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// MessageHandler defines the interface for handlers that process specific message types
type MessageHandler interface {
	HandleMessage(data []byte) ([]byte, error)
}

// Settings are the bind addresses of the two sockets.
type Settings struct {
	PublishAddress string
	RequestAddress string
}

// MessageReceiver serves the REP socket
type MessageReceiver struct {
	socket     *zmq4.Socket
	dispatcher *MessageDispatcher
	poller     *zmq4.Poller
	address    string
	logger     customlog.Logger
	started    atomic.Bool
	running    atomic.Bool
	wg         *sync.WaitGroup
}

func newMessageReceiver(ctx *zmq4.Context, address string, dispatcher *MessageDispatcher, logger customlog.Logger, wg *sync.WaitGroup) (*MessageReceiver, error) {
	socket, err := ctx.NewSocket(zmq4.REP)
	if err != nil {
		return nil, fmt.Errorf("failed to create REP socket: %w", err)
	}

	if err := socket.SetLinger(0); err != nil {
		socket.Close()
		return nil, fmt.Errorf("failed to set linger option: %w", err)
	}
	if err := socket.SetSndtimeo(socketTimeout); err != nil {
		socket.Close()
		return nil, fmt.Errorf("failed to set send timeout: %w", err)
	}
	if err := socket.Bind(address); err != nil {
		socket.Close()
		return nil, fmt.Errorf("failed to bind to %s: %w", address, err)
	}

	poller := zmq4.NewPoller()
	poller.Add(socket, zmq4.POLLIN)

	logger.Infof("Calibration request socket bound on %s", address)

	return &MessageReceiver{
		socket:     socket,
		dispatcher: dispatcher,
		poller:     poller,
		address:    address,
		logger:     logger,
		wg:         wg,
	}, nil
}

// Start begins the request loop. The loop owns the socket and closes it on exit.
func (r *MessageReceiver) Start() {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	r.running.Store(true)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.socket.Close()
		r.logger.Debugf("MessageReceiver started")

		for r.running.Load() {
			sockets, err := r.poller.Poll(pollInterval)
			if err != nil {
				if r.running.Load() {
					r.logger.Warnf("Error polling socket: %v", err)
				}
				continue
			}
			if len(sockets) == 0 {
				continue
			}

			msg, err := r.socket.RecvBytes(0)
			if err != nil {
				if r.running.Load() {
					r.logger.Warnf("Error receiving message: %v", err)
				}
				continue
			}

			r.logger.Debugf("Received request (%d bytes)", len(msg))

			// REP sockets must answer every request before the next recv.
			response, err := r.dispatcher.Dispatch(msg)
			if err != nil {
				r.logger.Warnf("Request failed: %v", err)
				response = errorReply(err, time.Now())
			}
			if _, err := r.socket.SendBytes(response, 0); err != nil && r.running.Load() {
				r.logger.Warnf("Error sending response: %v", err)
			}
		}
		r.logger.Debugf("MessageReceiver stopped")
	}()
}

// Stop asks the loop to exit; it returns before the socket is closed.
func (r *MessageReceiver) Stop() {
	r.running.Store(false)
}

// MessageSender handles sending messages to ZeroMQ sockets
type MessageSender struct {
	socket  *zmq4.Socket
	logger  customlog.Logger
	running bool
	mu      sync.Mutex
}

func newMessageSender(ctx *zmq4.Context, address string, logger customlog.Logger) (*MessageSender, error) {
	socket, err := ctx.NewSocket(zmq4.PUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create PUB socket: %w", err)
	}

	if err := socket.SetLinger(0); err != nil {
		socket.Close()
		return nil, fmt.Errorf("failed to set linger option: %w", err)
	}
	if err := socket.Bind(address); err != nil {
		socket.Close()
		return nil, fmt.Errorf("failed to bind to %s: %w", address, err)
	}

	logger.Infof("Telemetry publisher bound on %s", address)

	return &MessageSender{
		socket:  socket,
		logger:  logger,
		running: true,
	}, nil
}

// PublishMessage sends a message with the given topic
func (s *MessageSender) PublishMessage(topic string, message []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return ErrServiceClosed
	}

	// Topic frame first so subscribers can filter on it.
	if _, err := s.socket.Send(topic, zmq4.SNDMORE); err != nil {
		return fmt.Errorf("failed to send topic: %w", err)
	}
	if _, err := s.socket.SendBytes(message, 0); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Close cleans up resources
func (s *MessageSender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.running = false
	if s.socket != nil {
		s.socket.Close()
		s.socket = nil
	}
}

// MessageDispatcher routes messages to the appropriate handlers
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	logger   customlog.Logger
	mu       sync.RWMutex
}

// NewMessageDispatcher creates a new message dispatcher
func NewMessageDispatcher(logger customlog.Logger) *MessageDispatcher {
	if logger == nil {
		logger = customlog.NewDiscardLogger()
	}
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		logger:   logger,
	}
}

// RegisterHandler adds a handler for a specific message type
func (d *MessageDispatcher) RegisterHandler(messageType string, handler MessageHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.handlers[messageType] = handler
	d.logger.Debugf("Registered handler for message type: %s", messageType)
}

// Dispatch decodes the envelope and routes it by type.
func (d *MessageDispatcher) Dispatch(data []byte) ([]byte, error) {
	var msg ZeroMQMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}

	d.mu.RLock()
	handler, exists := d.handlers[msg.Type]
	d.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessageType, msg.Type)
	}

	d.logger.Debugf("Dispatching message of type: %s", msg.Type)
	return handler.HandleMessage(data)
}

// ZeroMQService owns the ZeroMQ context, the telemetry PUB socket and the
// calibration REP socket.
type ZeroMQService struct {
	ctx        *zmq4.Context
	receiver   *MessageReceiver
	sender     *MessageSender
	dispatcher *MessageDispatcher
	logger     customlog.Logger
	running    atomic.Bool
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// NewZeroMQService binds both sockets. Nothing is served until Start.
func NewZeroMQService(settings Settings, logger customlog.Logger) (*ZeroMQService, error) {
	if logger == nil {
		logger = customlog.NewDiscardLogger()
	}
	logger = logger.WithField("component", "zeromq")

	ctx, err := zmq4.NewContext()
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ context: %w", err)
	}

	s := &ZeroMQService{
		ctx:        ctx,
		dispatcher: NewMessageDispatcher(logger),
		logger:     logger,
	}

	s.receiver, err = newMessageReceiver(ctx, settings.RequestAddress, s.dispatcher, logger, &s.wg)
	if err != nil {
		ctx.Term()
		return nil, err
	}

	s.sender, err = newMessageSender(ctx, settings.PublishAddress, logger)
	if err != nil {
		s.receiver.socket.Close()
		ctx.Term()
		return nil, err
	}

	return s, nil
}

// RegisterHandler adds a handler for a specific message type
func (s *ZeroMQService) RegisterHandler(messageType string, handler MessageHandler) {
	s.dispatcher.RegisterHandler(messageType, handler)
}

// Start begins serving requests.
func (s *ZeroMQService) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Infof("Starting ZeroMQ service")
	s.receiver.Start()
	return nil
}

// Stop closes both sockets and terminates the context. It is safe to call
// more than once.
func (s *ZeroMQService) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Infof("Stopping ZeroMQ service")
		s.running.Store(false)

		s.receiver.Stop()
		s.sender.Close()
		s.wg.Wait()

		// The loop never started, so nobody else will close the REP socket.
		if !s.receiver.started.Load() {
			s.receiver.socket.Close()
		}

		if err := s.ctx.Term(); err != nil {
			s.logger.Warnf("Error terminating ZMQ context: %v", err)
		}
		s.logger.Infof("ZeroMQ service stopped")
	})
}

// PublishMessage sends a message with the given topic
func (s *ZeroMQService) PublishMessage(topic string, message []byte) error {
	if !s.running.Load() {
		return ErrServiceClosed
	}
	return s.sender.PublishMessage(topic, message)
}

// PublishJSON wraps data in the message envelope and publishes it.
func (s *ZeroMQService) PublishJSON(topic, msgType string, data interface{}) error {
	payload, err := json.Marshal(ZeroMQMessage{
		Type:      msgType,
		Timestamp: unixSeconds(time.Now()),
		Data:      data,
	})
	if err != nil {
		return fmt.Errorf("failed to serialize %s message: %w", msgType, err)
	}
	return s.PublishMessage(topic, payload)
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
