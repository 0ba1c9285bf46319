// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package taskmanager

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"git.arvados.org/dataflow.git/lib/iogate"
	"git.arvados.org/dataflow.git/sdk/go/ctxlog"
	"git.arvados.org/dataflow.git/sdk/go/dataflow"
	"github.com/hashicorp/yamux"
	"github.com/sirupsen/logrus"
)

// Network channels are multiplexed over one yamux session per pair
// of task managers. Each channel is a stream that starts with a
// header (uvarint length, then the consumer's input channel ID). The
// receiving side answers with one byte, then the producer sends
// iogate frames.
const (
	streamAccepted byte = 1
	streamRejected byte = 0

	maxChannelIDLength = 1024
	handshakeTimeout   = 10 * time.Second
)

func yamuxConfig(logger logrus.FieldLogger) *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.LogOutput = ctxlog.LogWriter(logger.WithField("Component", "yamux").Warn)
	return cfg
}

// dataServer accepts network channel streams from other task
// managers and delivers their records to local input channels.
type dataServer struct {
	tm     *TaskManager
	ln     net.Listener
	logger logrus.FieldLogger

	mtx      sync.Mutex
	sessions map[*yamux.Session]bool
	closed   bool
}

func newDataServer(tm *TaskManager, ln net.Listener) *dataServer {
	return &dataServer{
		tm:       tm,
		ln:       ln,
		logger:   tm.logger.WithField("DataAddress", ln.Addr().String()),
		sessions: map[*yamux.Session]bool{},
	}
}

func (s *dataServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.mtx.Lock()
			closed := s.closed
			s.mtx.Unlock()
			if !closed {
				s.logger.WithError(err).Error("accept failed, no longer accepting data connections")
			}
			return
		}
		go s.serveConn(conn)
	}
}

func (s *dataServer) serveConn(conn net.Conn) {
	logger := s.logger.WithField("RemoteAddr", conn.RemoteAddr().String())
	sess, err := yamux.Server(conn, yamuxConfig(logger))
	if err != nil {
		logger.WithError(err).Warn("cannot start session")
		conn.Close()
		return
	}
	s.mtx.Lock()
	if s.closed {
		s.mtx.Unlock()
		sess.Close()
		return
	}
	s.sessions[sess] = true
	s.mtx.Unlock()
	defer func() {
		s.mtx.Lock()
		delete(s.sessions, sess)
		s.mtx.Unlock()
		sess.Close()
	}()
	for {
		stream, err := sess.AcceptStream()
		if err != nil {
			if !sess.IsClosed() {
				logger.WithError(err).Debug("session ended")
			}
			return
		}
		go s.serveStream(logger, stream)
	}
}

func (s *dataServer) serveStream(logger logrus.FieldLogger, stream *yamux.Stream) {
	defer stream.Close()
	stream.SetDeadline(time.Now().Add(handshakeTimeout))
	br := bufio.NewReader(stream)
	id, err := readStreamHeader(br)
	if err != nil {
		logger.WithError(err).Warn("bad stream header")
		return
	}
	logger = logger.WithField("ChannelID", id)
	ch := s.tm.inputChannel(id)
	if ch == nil {
		logger.Warn("rejecting stream for unknown channel")
		stream.Write([]byte{streamRejected})
		return
	}
	if _, err := stream.Write([]byte{streamAccepted}); err != nil {
		ch.Fail(err)
		return
	}
	stream.SetDeadline(time.Time{})
	s.tm.mStreams.Inc()
	fr := iogate.NewFrameReader(br)
	for {
		rec, err := fr.ReadRecord()
		if err == nil {
			ch.Deliver(rec)
			continue
		}
		if errors.Is(err, io.EOF) {
			ch.DeliverEOF()
		} else {
			logger.WithError(err).Debug("stream broken")
			ch.Fail(err)
		}
		return
	}
}

// Close stops accepting connections and closes all sessions.
func (s *dataServer) Close() {
	s.mtx.Lock()
	s.closed = true
	sessions := s.sessions
	s.sessions = map[*yamux.Session]bool{}
	s.mtx.Unlock()
	s.ln.Close()
	for sess := range sessions {
		sess.Close()
	}
}

func writeStreamHeader(w io.Writer, id dataflow.ChannelID) error {
	buf := binary.AppendUvarint(nil, uint64(len(id)))
	buf = append(buf, id...)
	_, err := w.Write(buf)
	return err
}

func readStreamHeader(r *bufio.Reader) (dataflow.ChannelID, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return "", err
	}
	if n == 0 || n > maxChannelIDLength {
		return "", fmt.Errorf("invalid channel ID length %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return dataflow.ChannelID(buf), nil
}

// dialer opens network channel streams to other task managers,
// reusing one session per data address.
type dialer struct {
	logger logrus.FieldLogger

	mtx      sync.Mutex
	sessions map[string]*yamux.Session
	closed   bool
}

func newDialer(logger logrus.FieldLogger) *dialer {
	return &dialer{
		logger:   logger,
		sessions: map[string]*yamux.Session{},
	}
}

func (d *dialer) session(ctx context.Context, addr string) (*yamux.Session, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.closed {
		return nil, ErrStopped
	}
	if sess := d.sessions[addr]; sess != nil && !sess.IsClosed() {
		return sess, nil
	}
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	logger := d.logger.WithField("DataAddress", addr)
	sess, err := yamux.Client(conn, yamuxConfig(logger))
	if err != nil {
		conn.Close()
		return nil, err
	}
	d.sessions[addr] = sess
	go func() {
		<-sess.CloseChan()
		d.mtx.Lock()
		if d.sessions[addr] == sess {
			delete(d.sessions, addr)
		}
		d.mtx.Unlock()
	}()
	logger.Debug("data session established")
	return sess, nil
}

// open returns a stream that delivers to the input channel with the
// given ID on the task manager at addr.
func (d *dialer) open(ctx context.Context, addr string, id dataflow.ChannelID) (net.Conn, error) {
	sess, err := d.session(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to %s: %w", addr, err)
	}
	stream, err := sess.OpenStream()
	if err != nil {
		return nil, fmt.Errorf("cannot open stream to %s: %w", addr, err)
	}
	deadline := time.Now().Add(handshakeTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	stream.SetDeadline(deadline)
	if err := writeStreamHeader(stream, id); err != nil {
		stream.Close()
		return nil, err
	}
	var ack [1]byte
	if _, err := io.ReadFull(stream, ack[:]); err != nil {
		stream.Close()
		return nil, fmt.Errorf("stream handshake with %s failed: %w", addr, err)
	}
	if ack[0] != streamAccepted {
		stream.Close()
		return nil, fmt.Errorf("%w: %s rejected stream for channel %s", ErrChannelNotFound, addr, id)
	}
	stream.SetDeadline(time.Time{})
	return stream, nil
}

// Close closes all sessions. Open streams fail.
func (d *dialer) Close() {
	d.mtx.Lock()
	d.closed = true
	sessions := d.sessions
	d.sessions = map[string]*yamux.Session{}
	d.mtx.Unlock()
	for _, sess := range sessions {
		sess.Close()
	}
}
