// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"
)

// dialTimeout bounds the connect phase of a call.
const dialTimeout = 5 * time.Second

// Client calls a broker over its Unix socket. Each call opens its own
// connection, so a Client is safe for concurrent use.
type Client struct {
	socketPath string
	nextID     atomic.Uint64
}

// NewClient returns a client for the socket at socketPath. No
// connection is made until the first call.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Call invokes method and decodes the result into result, which may be
// nil to discard it. A JSON-RPC error response is returned as an
// [*Error]; transport failures are returned as plain errors.
func (c *Client) Call(ctx context.Context, method string, params any, result any) error {
	raw, err := c.CallRaw(ctx, method, params)
	if err != nil {
		return err
	}
	if result == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("decoding %s result: %w", method, err)
	}
	return nil
}

// CallRaw invokes method and returns the undecoded result.
func (c *Client) CallRaw(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	line, err := encodeRequest(strconv.FormatUint(id, 10), method, params)
	if err != nil {
		return nil, err
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	if _, err := conn.Write(line); err != nil {
		return nil, c.transportError(ctx, "writing request", err)
	}

	reader := bufio.NewReaderSize(conn, 64<<10)
	responseLine, err := readLine(reader, maxLineSize)
	if err != nil {
		return nil, c.transportError(ctx, "reading response", err)
	}
	var response Response
	if err := json.Unmarshal(responseLine, &response); err != nil {
		return nil, fmt.Errorf("decoding response from %s: %w", c.socketPath, err)
	}
	if response.Error != nil {
		return nil, response.Error
	}
	return response.Result, nil
}

// Notify sends method as a notification. The server sends no response,
// so Notify returns once the line has been written.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	line, err := encodeRequest("", method, params)
	if err != nil {
		return err
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := conn.Write(line); err != nil {
		return c.transportError(ctx, "writing notification", err)
	}
	return nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, c.transportError(ctx, "connecting", err)
	}
	return conn, nil
}

func (c *Client) transportError(ctx context.Context, action string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s on %s: %w", action, c.socketPath, ctx.Err())
	}
	return fmt.Errorf("%s on %s: %w", action, c.socketPath, err)
}

// encodeRequest builds one newline-terminated request. An empty id
// makes a notification.
func encodeRequest(id, method string, params any) ([]byte, error) {
	request := Request{JSONRPC: Version, Method: method}
	if id != "" {
		request.ID = json.RawMessage(id)
	}
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encoding %s params: %w", method, err)
		}
		request.Params = encoded
	}
	line, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", method, err)
	}
	return append(line, '\n'), nil
}

var errLineTooLong = errors.New("response line too long")

// readLine reads one newline-terminated line of at most limit bytes.
func readLine(reader *bufio.Reader, limit int) ([]byte, error) {
	var line []byte
	for {
		chunk, err := reader.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > limit {
			return nil, errLineTooLong
		}
		switch {
		case err == nil:
			return line[:len(line)-1], nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return nil, err
		}
	}
}
