// Copyright 2021 - 2022 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/matrixorigin/moexchange/pkg/common/memory"
	"github.com/matrixorigin/moexchange/pkg/common/moerr"
	"github.com/matrixorigin/moexchange/pkg/common/stopper"
	"github.com/matrixorigin/moexchange/pkg/exchange/buffer"
	"github.com/matrixorigin/moexchange/pkg/exchange/event"
	"github.com/matrixorigin/moexchange/pkg/exchange/partition"
	v2 "github.com/matrixorigin/moexchange/pkg/util/metric/v2"
)

// WebsocketConnectionManager carries sessions over websocket connections,
// one connection per session. It serves the partitions of registry when a
// listen address is given and opens sessions to remote producers.
type WebsocketConnectionManager struct {
	address  string
	registry *partition.Registry
	opts     options
	logger   *zap.Logger
	stopper  *stopper.Stopper
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer

	mu struct {
		sync.Mutex
		closed   bool
		listener net.Listener
		server   *http.Server
		sessions map[io.Closer]struct{}
	}
}

var _ ConnectionManager = (*WebsocketConnectionManager)(nil)

// NewWebsocketConnectionManager creates a manager. An empty address
// disables the server side.
func NewWebsocketConnectionManager(
	address string,
	registry *partition.Registry,
	opts ...Option,
) *WebsocketConnectionManager {
	m := &WebsocketConnectionManager{address: address, registry: registry}
	for _, opt := range opts {
		opt(&m.opts)
	}
	m.opts.adjust("websocket-transport")
	m.logger = m.opts.logger
	m.stopper = stopper.NewStopper("websocket-transport", stopper.WithLogger(m.logger))
	m.upgrader = websocket.Upgrader{HandshakeTimeout: m.opts.handshakeTimeout}
	m.dialer = &websocket.Dialer{HandshakeTimeout: m.opts.handshakeTimeout}
	m.mu.sessions = make(map[io.Closer]struct{})
	return m
}

// Start listens on the configured address.
func (m *WebsocketConnectionManager) Start() error {
	if m.address == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mu.closed {
		return moerr.NewShutdown("websocket transport")
	}
	if m.mu.server != nil {
		return nil
	}
	l, err := net.Listen("tcp", m.address)
	if err != nil {
		return moerr.NewRemoteTransport(m.address, "listen: %v", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc(m.opts.path, m.handle)
	server := &http.Server{Handler: mux, ReadHeaderTimeout: m.opts.handshakeTimeout}
	if err := m.stopper.RunNamedTask("websocket-server", func(context.Context) {
		if err := server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("websocket server stopped", zap.Error(err))
		}
	}); err != nil {
		_ = l.Close()
		return err
	}
	m.mu.listener = l
	m.mu.server = server
	m.logger.Info("websocket transport started", zap.String("address", l.Addr().String()))
	return nil
}

// Addr returns the address the server listens on, or "" before Start.
func (m *WebsocketConnectionManager) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mu.listener == nil {
		return ""
	}
	return m.mu.listener.Addr().String()
}

// Close stops the server and closes every session.
func (m *WebsocketConnectionManager) Close() error {
	m.mu.Lock()
	if m.mu.closed {
		m.mu.Unlock()
		return nil
	}
	m.mu.closed = true
	server := m.mu.server
	sessions := make([]io.Closer, 0, len(m.mu.sessions))
	for s := range m.mu.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	var err error
	if server != nil {
		err = server.Close()
	}
	for _, s := range sessions {
		_ = s.Close()
	}
	m.stopper.Stop()
	return err
}

func (m *WebsocketConnectionManager) track(s io.Closer) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mu.closed {
		return false
	}
	m.mu.sessions[s] = struct{}{}
	return true
}

func (m *WebsocketConnectionManager) untrack(s io.Closer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.mu.sessions, s)
}

func (m *WebsocketConnectionManager) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("failed to upgrade connection",
			zap.String("remote", r.RemoteAddr),
			zap.Error(err))
		return
	}
	s := &serverSession{manager: m, conn: conn, logger: m.logger.With(zap.String("remote", r.RemoteAddr))}
	if m.opts.compress {
		s.compressor = newCompressor()
	}
	if !m.track(s) {
		_ = conn.Close()
		return
	}
	defer m.untrack(s)
	v2.TransportServerSessionGauge.Inc()
	defer v2.TransportServerSessionGauge.Dec()
	defer s.Close()
	s.serve()
}

type serverSession struct {
	manager    *WebsocketConnectionManager
	conn       *websocket.Conn
	logger     *zap.Logger
	compressor *compressor
	writeMu    sync.Mutex
	closed     atomic.Bool

	mu struct {
		sync.Mutex
		pump *pump
	}
}

func (s *serverSession) serve() {
	m := s.manager
	_ = s.conn.SetReadDeadline(time.Now().Add(m.opts.handshakeTimeout))
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		s.logger.Warn("failed to read session request", zap.Error(err))
		return
	}
	h, payload, err := decodeFrame(data)
	if err == nil && h.typ != frameRequest {
		err = moerr.NewInvalidArg("frame type", h.typ)
	}
	var req Request
	if err == nil {
		req, err = decodeRequest(payload)
	}
	if err != nil {
		s.writeError(err)
		return
	}

	p, ok := m.registry.Lookup(req.PartitionID)
	if !ok {
		s.writeError(moerr.NewPartitionNotFound(req.PartitionID))
		return
	}
	pp := newPump(req.PartitionID, p.Type().IsCreditBased(), req.InitialCredit)
	if err := pp.attach(m.registry, req.SubpartitionIndex); err != nil {
		s.writeError(err)
		return
	}
	s.mu.Lock()
	s.mu.pump = pp
	s.mu.Unlock()
	if s.closed.Load() {
		pp.close()
	}

	_ = s.conn.SetReadDeadline(time.Time{})
	ack, err := encodeFrame(frameHeader{typ: frameAck}, nil)
	if err == nil {
		err = s.write(ack)
	}
	if err != nil {
		pp.view.ReleaseAllResources()
		s.logger.Warn("failed to acknowledge session", zap.Error(err))
		return
	}
	logger := s.logger.With(
		zap.String("partition", req.PartitionID.String()),
		zap.Int("subpartition", req.SubpartitionIndex))
	logger.Debug("server session opened")

	if err := m.stopper.RunNamedTask("websocket-session-reader", func(context.Context) {
		s.readLoop(req.PartitionID, pp)
	}); err != nil {
		pp.view.ReleaseAllResources()
		return
	}
	if err := pp.run(context.Background(), s.sendBuffer); err != nil && !s.closed.Load() {
		logger.Warn("server session failed", zap.Error(err))
		s.writeError(err)
		return
	}
	s.writeClose()
	logger.Debug("server session finished")
}

// readLoop handles the frames a consumer sends after the handshake. It
// closes the pump once the connection goes away.
func (s *serverSession) readLoop(id partition.ResultPartitionID, pp *pump) {
	defer pp.close()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		h, payload, err := decodeFrame(data)
		if err != nil {
			s.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		switch h.typ {
		case frameCredit:
			n, err := decodeCredit(payload)
			if err != nil {
				s.logger.Warn("dropping malformed credit", zap.Error(err))
				continue
			}
			pp.addCredit(n)
		case frameTaskEvent:
			ev, err := event.Unmarshal(memory.NewInputView(memory.Wrap(payload), len(payload)))
			if err != nil {
				s.logger.Warn("dropping malformed task event", zap.Error(err))
				continue
			}
			d := s.manager.opts.taskEvents
			if d == nil || !d.Publish(id, ev) {
				s.logger.Warn("no producer for task event", zap.String("partition", id.String()))
			}
		default:
			s.logger.Warn("unexpected frame", zap.Uint8("type", uint8(h.typ)))
		}
	}
}

func (s *serverSession) sendBuffer(buf *buffer.Buffer, seq uint64, backlog int) error {
	defer func() { _ = buf.Release() }()
	data, err := buf.Bytes()
	if err != nil {
		return err
	}
	h := frameHeader{typ: frameBuffer, seq: seq, backlog: int32(backlog)}
	payload := data
	if !buf.IsData() {
		h.flags |= flagEvent
	} else if s.compressor != nil {
		if c, ok := s.compressor.compress(data); ok {
			payload = c
			h.flags |= flagCompressed
		}
	}
	frame, err := encodeFrame(h, payload)
	if err != nil {
		return err
	}
	if err := s.write(frame); err != nil {
		return moerr.NewRemoteTransport(s.conn.RemoteAddr().String(), "%v", err)
	}
	v2.TransportRawBytesCounter.Add(float64(len(data)))
	v2.TransportCompressedBytesCounter.Add(float64(len(payload)))
	return nil
}

func (s *serverSession) write(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.manager.opts.writeTimeout))
	return s.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (s *serverSession) writeError(err error) {
	frame, ferr := encodeError(err)
	if ferr == nil {
		ferr = s.write(frame)
	}
	if ferr != nil {
		s.logger.Warn("failed to send error frame", zap.Error(ferr))
	}
}

func (s *serverSession) writeClose() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.manager.opts.writeTimeout))
}

func (s *serverSession) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	pp := s.mu.pump
	s.mu.Unlock()
	if pp != nil {
		pp.close()
	}
	return s.conn.Close()
}

// Open dials the producer at req.Address and performs the session
// handshake. ctx bounds the handshake only.
func (m *WebsocketConnectionManager) Open(ctx context.Context, req Request, recv Receiver) (Session, error) {
	if req.Address == "" {
		return nil, moerr.NewInvalidArg("producer address", req.Address)
	}
	u := url.URL{Scheme: "ws", Host: req.Address, Path: m.opts.path}
	conn, _, err := m.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, moerr.NewCancelled(context.Cause(ctx))
		}
		return nil, moerr.NewRemoteTransport(req.Address, "dial: %v", err)
	}
	if err := m.handshake(ctx, conn, req); err != nil {
		_ = conn.Close()
		return nil, err
	}

	s := &clientSession{
		manager: m,
		conn:    conn,
		req:     req,
		recv:    recv,
		logger: m.logger.With(
			zap.String("address", req.Address),
			zap.String("partition", req.PartitionID.String()),
			zap.Int("subpartition", req.SubpartitionIndex)),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	if !m.track(s) {
		s.cancel()
		_ = conn.Close()
		return nil, moerr.NewShutdown("websocket transport")
	}
	if err := m.stopper.RunNamedTask("websocket-session", s.readLoop); err != nil {
		m.untrack(s)
		s.cancel()
		_ = conn.Close()
		return nil, err
	}
	s.logger.Debug("client session opened")
	return s, nil
}

func (m *WebsocketConnectionManager) handshake(ctx context.Context, conn *websocket.Conn, req Request) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(m.opts.handshakeTimeout)
	}
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	frame, err := encodeRequest(req)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return moerr.NewRemoteTransport(req.Address, "send request: %v", err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return moerr.NewCancelled(context.Cause(ctx))
		}
		return moerr.NewRemoteTransport(req.Address, "read response: %v", err)
	}
	h, payload, err := decodeFrame(data)
	if err != nil {
		return err
	}
	switch h.typ {
	case frameAck:
		_ = conn.SetReadDeadline(time.Time{})
		return nil
	case frameError:
		return decodeError(payload)
	default:
		return moerr.NewRemoteTransport(req.Address, "unexpected frame type %d", h.typ)
	}
}

type clientSession struct {
	manager *WebsocketConnectionManager
	conn    *websocket.Conn
	req     Request
	recv    Receiver
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	writeMu sync.Mutex
	closed  atomic.Bool
}

func (s *clientSession) readLoop(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()
	v2.TransportClientSessionGauge.Inc()
	defer v2.TransportClientSessionGauge.Dec()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.fail(moerr.NewRemoteTransport(s.req.Address, "%v", err))
			return
		}
		h, payload, err := decodeFrame(data)
		if err != nil {
			s.fail(err)
			return
		}
		switch h.typ {
		case frameBuffer:
			eop, err := s.deliver(h, payload)
			if err != nil {
				s.fail(err)
				return
			}
			if eop {
				return
			}
		case frameError:
			s.fail(decodeError(payload))
			return
		default:
			s.fail(moerr.NewRemoteTransport(s.req.Address, "unexpected frame type %d", h.typ))
			return
		}
	}
}

// deliver copies payload into a buffer and hands it to the receiver. It
// reports whether the buffer ends the partition.
func (s *clientSession) deliver(h frameHeader, payload []byte) (bool, error) {
	if h.flags&flagCompressed != 0 {
		raw, err := decompress(payload)
		if err != nil {
			return false, err
		}
		payload = raw
	}

	var buf *buffer.Buffer
	if h.flags&flagEvent != 0 {
		buf = buffer.NewEvent(memory.AllocateUnpooled(len(payload), memory.NoOwner), buffer.FreeingRecycler)
	} else {
		var err error
		if buf, err = s.recv.RequestBuffer(s.ctx); err != nil {
			return false, err
		}
	}
	if len(payload) > buf.Capacity() {
		_ = buf.Release()
		return false, moerr.NewInvalidSize(len(payload), buf.Capacity())
	}
	if err := buf.Region().PutBytes(0, payload); err != nil {
		_ = buf.Release()
		return false, err
	}
	if err := buf.SetSize(len(payload)); err != nil {
		_ = buf.Release()
		return false, err
	}

	eop := false
	if !buf.IsData() {
		if ev, err := event.FromBuffer(buf); err == nil {
			eop = event.IsEndOfPartition(ev)
		}
	}
	return eop, s.recv.OnBuffer(buf, h.seq, int(h.backlog))
}

func (s *clientSession) fail(err error) {
	if s.closed.Load() {
		return
	}
	s.logger.Warn("client session failed", zap.Error(err))
	s.recv.OnError(err)
}

func (s *clientSession) write(frame []byte) error {
	if s.closed.Load() {
		return moerr.NewShutdown("websocket session")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.manager.opts.writeTimeout))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return moerr.NewRemoteTransport(s.req.Address, "%v", err)
	}
	return nil
}

func (s *clientSession) AnnounceCredit(n int) error {
	frame, err := encodeCredit(n)
	if err != nil {
		return err
	}
	return s.write(frame)
}

func (s *clientSession) SendTaskEvent(ev event.Event) error {
	buf, err := event.ToBuffer(ev)
	if err != nil {
		return err
	}
	defer func() { _ = buf.Release() }()
	data, err := buf.Bytes()
	if err != nil {
		return err
	}
	frame, err := encodeFrame(frameHeader{typ: frameTaskEvent}, data)
	if err != nil {
		return err
	}
	return s.write(frame)
}

func (s *clientSession) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	s.manager.untrack(s)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return s.conn.Close()
}
