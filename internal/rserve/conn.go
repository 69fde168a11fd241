package rserve

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// Conn is one QAP1 connection. Rserve serves each connection from its own
// forked R process, so a Conn is also one R session. Calls are serialised.
type Conn struct {
	nc      net.Conn
	version string

	mu     sync.Mutex
	broken bool
	closed bool
}

// Dial connects to addr and performs the QAP1 handshake.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c, err := NewConn(ctx, nc)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

// NewConn performs the QAP1 handshake on an established connection.
func NewConn(ctx context.Context, nc net.Conn) (*Conn, error) {
	c := &Conn{nc: nc}
	stop := c.watch(ctx)
	defer stop()

	var id [idStringSize]byte
	if _, err := io.ReadFull(nc, id[:]); err != nil {
		return nil, c.ioError(ctx, fmt.Errorf("read id string: %w", err))
	}
	if !bytes.Equal(id[0:4], []byte("Rsrv")) || !bytes.Equal(id[8:12], []byte("QAP1")) {
		return nil, fmt.Errorf("%w: unexpected id string %q", ErrProtocol, id[:12])
	}
	for i := 12; i+4 <= idStringSize; i += 4 {
		attr := string(id[i : i+4])
		if attr == "ARpt" || attr == "ARuc" {
			return nil, ErrAuthRequired
		}
	}
	c.version = string(id[4:8])
	return c, nil
}

// Version returns the protocol version announced by the server.
func (c *Conn) Version() string { return c.version }

// RemoteAddr returns the server address.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// Connected reports whether the connection can still be used.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && !c.broken
}

// Close closes the connection. The R session on the server ends with it.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.nc.Close()
}

// Eval evaluates expr and returns its value.
func (c *Conn) Eval(ctx context.Context, expr string) (Value, error) {
	resp, err := c.request(ctx, CmdEval, stringParam(expr))
	if err != nil {
		return nil, err
	}
	params, err := ParseParams(resp)
	if err != nil {
		return nil, c.markBroken(err)
	}
	if len(params) == 0 {
		return &Null{}, nil
	}
	if params[0].Type != DTSEXP {
		return nil, c.markBroken(fmt.Errorf("%w: eval returned parameter type %d", ErrProtocol, params[0].Type))
	}
	v, err := Decode(params[0].Data)
	if err != nil {
		return nil, c.markBroken(err)
	}
	return v, nil
}

// VoidEval evaluates expr and discards the value.
func (c *Conn) VoidEval(ctx context.Context, expr string) error {
	_, err := c.request(ctx, CmdVoidEval, stringParam(expr))
	return err
}

// Assign binds name to v in the session's global environment.
func (c *Conn) Assign(ctx context.Context, name string, v Value) error {
	data, err := Encode(v)
	if err != nil {
		return err
	}
	body := stringParam(name)
	body = AppendParam(body, DTSEXP, data)
	_, err = c.request(ctx, CmdSetSEXP, body)
	return err
}

// Shutdown asks the server to shut down. Older servers honour it without
// control access.
func (c *Conn) Shutdown(ctx context.Context) error {
	_, err := c.request(ctx, CmdShutdown, nil)
	return err
}

// ServerShutdown shuts the whole server down through the control channel.
// The server must run with --RS-enable-control.
func (c *Conn) ServerShutdown(ctx context.Context) error {
	_, err := c.request(ctx, CmdCtrlShutdown, nil)
	return err
}

// request sends one command and returns the response body.
func (c *Conn) request(ctx context.Context, cmd int, body []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.broken {
		return nil, ErrClosed
	}

	stop := c.watch(ctx)
	defer stop()

	if err := WriteMessage(c.nc, Message{Cmd: cmd, Body: body}); err != nil {
		c.broken = true
		return nil, c.ioError(ctx, err)
	}
	resp, err := ReadMessage(c.nc)
	if err != nil {
		c.broken = true
		return nil, c.ioError(ctx, err)
	}
	if resp.Cmd&cmdOOB != 0 {
		c.broken = true
		return nil, fmt.Errorf("%w: out-of-band message 0x%x", ErrProtocol, resp.Cmd)
	}

	switch resp.Cmd & respMask {
	case respOK:
		return resp.Body, nil
	case respErr:
		return nil, &ServerError{Cmd: cmd, Status: (resp.Cmd >> respStatusShift) & 0x7f}
	}
	c.broken = true
	return nil, fmt.Errorf("%w: unexpected response 0x%x", ErrProtocol, resp.Cmd)
}

// watch arms the connection deadline from ctx and interrupts blocked I/O
// when ctx is cancelled. Once stop returns the interrupt can no longer
// land on a later request.
func (c *Conn) watch(ctx context.Context) (stop func()) {
	if dl, ok := ctx.Deadline(); ok {
		c.nc.SetDeadline(dl)
	} else {
		c.nc.SetDeadline(time.Time{})
	}
	fired := make(chan struct{})
	cancel := context.AfterFunc(ctx, func() {
		defer close(fired)
		c.nc.SetDeadline(time.Unix(1, 0))
	})
	return func() {
		if !cancel() {
			<-fired
		}
	}
}

// ioError reports ctx's error when it caused the failure.
func (c *Conn) ioError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("rserve: %w", ctxErr)
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("rserve: %w", context.DeadlineExceeded)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return fmt.Errorf("rserve: %w", err)
}

func (c *Conn) markBroken(err error) error {
	c.mu.Lock()
	c.broken = true
	c.mu.Unlock()
	return err
}
