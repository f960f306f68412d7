// SPDX-FileCopyrightText: © 2025 The ledgerchat authors
// SPDX-License-Identifier: AGPL-3.0-only

package memoracle

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/core/worker"
	"gopkg.in/op/go-logging.v1"

	"github.com/ledgerchat/ledgerchat/keyring"
	"github.com/ledgerchat/ledgerchat/log"
	"github.com/ledgerchat/ledgerchat/oracle"
)

func wrappedFromRequest(req *oracle.UnwrapRequest) keyring.WrappedKey {
	return keyring.WrappedKey{
		KeyCiphertext: req.KeyCiphertext,
		Nonce:         req.WrapNonce,
	}
}

// Server exposes an Oracle over the oracle wire protocol, CBOR over a UNIX
// domain socket.
type Server struct {
	worker.Worker

	log      *logging.Logger
	oracle   *Oracle
	listener net.Listener

	connsLock sync.Mutex
	conns     map[net.Conn]bool
}

// NewServer starts serving the given Oracle on socketFile.
func NewServer(o *Oracle, socketFile string, logBackend *log.Backend) (*Server, error) {
	listener, err := net.Listen("unix", socketFile)
	if err != nil {
		return nil, err
	}

	s := &Server{
		log:      logBackend.GetLogger("memoracle/server"),
		oracle:   o,
		listener: listener,
		conns:    make(map[net.Conn]bool),
	}
	s.Go(s.acceptLoop)
	return s, nil
}

// Halt stops accepting connections, tears down established ones, and waits
// for the handlers to return.
func (s *Server) Halt() {
	s.listener.Close()
	s.connsLock.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connsLock.Unlock()
	s.Worker.Halt()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.HaltCh():
			default:
				s.log.Errorf("accept failure: %v", err)
			}
			return
		}

		s.connsLock.Lock()
		s.conns[conn] = true
		s.connsLock.Unlock()

		s.Go(func() {
			defer func() {
				conn.Close()
				s.connsLock.Lock()
				delete(s.conns, conn)
				s.connsLock.Unlock()
			}()
			s.handleConn(conn)
		})
	}
}

func (s *Server) handleConn(conn net.Conn) {
	dec := cbor.NewDecoder(conn)
	enc := cbor.NewEncoder(conn)

	for {
		req := new(oracle.UnwrapRequest)
		if err := dec.Decode(req); err != nil {
			select {
			case <-s.HaltCh():
			default:
				s.log.Debugf("connection closed: %v", err)
			}
			return
		}

		resp := s.unwrap(req)
		if err := enc.Encode(resp); err != nil {
			s.log.Errorf("connection write failure: %v", err)
			return
		}
	}
}

func (s *Server) unwrap(req *oracle.UnwrapRequest) *oracle.UnwrapResponse {
	resp := &oracle.UnwrapResponse{
		QueryID:    req.QueryID,
		KeyVersion: req.KeyVersion,
	}

	wrapped := wrappedFromRequest(req)
	key, err := s.oracle.Unwrap(context.Background(), wrapped, req.ChannelID, req.KeyVersion, req.CapabilityID)
	switch {
	case errors.Is(err, oracle.ErrCapabilityInvalid):
		resp.ErrorCode = oracle.UnwrapErrCapabilityInvalid
	case err != nil:
		s.log.Errorf("unwrap failure for channel %q: %v", req.ChannelID, err)
		resp.ErrorCode = oracle.UnwrapErrInternal
	default:
		resp.ErrorCode = oracle.UnwrapSuccess
		resp.KeyBytes = key.Bytes
	}
	return resp
}
