// SPDX-FileCopyrightText: © 2025 The ledgerchat authors
// SPDX-License-Identifier: AGPL-3.0-only

package oracle

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/core/worker"
	"gopkg.in/op/go-logging.v1"

	"github.com/ledgerchat/ledgerchat/envelope"
	"github.com/ledgerchat/ledgerchat/keyring"
	"github.com/ledgerchat/ledgerchat/log"
)

// SocketClient speaks the oracle wire protocol, CBOR over a UNIX domain
// socket.  Requests are multiplexed over one connection and correlated by
// QueryID.  The client performs no retries; a transport failure surfaces as
// ErrOracleUnavailable and the retry policy is the caller's.
type SocketClient struct {
	worker.Worker

	log  *logging.Logger
	conn net.Conn

	writeLock sync.Mutex
	enc       *cbor.Encoder

	pendingLock sync.Mutex
	pending     map[uint64]chan *UnwrapResponse

	queryID atomic.Uint64
}

// DialSocket connects to the oracle endpoint at the given UNIX domain
// socket path.
func DialSocket(socketFile string, logBackend *log.Backend) (*SocketClient, error) {
	conn, err := net.Dial("unix", socketFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}

	c := &SocketClient{
		log:     logBackend.GetLogger("oracle/client"),
		conn:    conn,
		enc:     cbor.NewEncoder(conn),
		pending: make(map[uint64]chan *UnwrapResponse),
	}
	c.Go(c.reader)
	return c, nil
}

// Halt tears down the connection and stops the reader.  Pending Unwrap
// calls fail with ErrOracleUnavailable.
func (c *SocketClient) Halt() {
	c.conn.Close()
	c.Worker.Halt()
}

func (c *SocketClient) reader() {
	dec := cbor.NewDecoder(c.conn)
	defer c.failPending()

	for {
		resp := new(UnwrapResponse)
		if err := dec.Decode(resp); err != nil {
			select {
			case <-c.HaltCh():
			default:
				c.log.Errorf("connection read failure: %v", err)
			}
			return
		}

		c.pendingLock.Lock()
		ch, ok := c.pending[resp.QueryID]
		delete(c.pending, resp.QueryID)
		c.pendingLock.Unlock()
		if !ok {
			c.log.Warningf("response for unknown query %d", resp.QueryID)
			continue
		}
		ch <- resp
	}
}

func (c *SocketClient) failPending() {
	c.pendingLock.Lock()
	defer c.pendingLock.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// Unwrap implements the Client interface.
func (c *SocketClient) Unwrap(ctx context.Context, wrapped keyring.WrappedKey, channelID string, keyVersion uint32, capabilityID string) (*envelope.SymmetricKey, error) {
	req := &UnwrapRequest{
		QueryID:       c.queryID.Add(1),
		KeyCiphertext: wrapped.KeyCiphertext,
		WrapNonce:     wrapped.Nonce,
		ChannelID:     channelID,
		KeyVersion:    keyVersion,
		CapabilityID:  capabilityID,
	}

	ch := make(chan *UnwrapResponse, 1)
	c.pendingLock.Lock()
	c.pending[req.QueryID] = ch
	c.pendingLock.Unlock()

	c.writeLock.Lock()
	err := c.enc.Encode(req)
	c.writeLock.Unlock()
	if err != nil {
		c.abandon(req.QueryID)
		return nil, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}

	select {
	case <-ctx.Done():
		c.abandon(req.QueryID)
		return nil, ctx.Err()
	case <-c.HaltCh():
		return nil, ErrOracleUnavailable
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrOracleUnavailable
		}
		return responseKey(resp, channelID)
	}
}

func (c *SocketClient) abandon(queryID uint64) {
	c.pendingLock.Lock()
	delete(c.pending, queryID)
	c.pendingLock.Unlock()
}

func responseKey(resp *UnwrapResponse, channelID string) (*envelope.SymmetricKey, error) {
	switch resp.ErrorCode {
	case UnwrapSuccess:
	case UnwrapErrCapabilityInvalid:
		return nil, fmt.Errorf("%w: %s", ErrCapabilityInvalid, channelID)
	default:
		return nil, fmt.Errorf("%w: oracle error code %d", ErrOracleUnavailable, resp.ErrorCode)
	}
	if len(resp.KeyBytes) != envelope.KeySize {
		return nil, fmt.Errorf("%w: malformed key of %d bytes", ErrOracleUnavailable, len(resp.KeyBytes))
	}
	return &envelope.SymmetricKey{Bytes: resp.KeyBytes, Version: resp.KeyVersion}, nil
}
