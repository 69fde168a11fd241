// Package rservetest provides an in-process QAP1 server for tests.
package rservetest

import (
	"bytes"
	"errors"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/randomizedcoder/go-rserve-pool/internal/rserve"
)

const idString = "Rsrv0103QAP1\r\n\r\n--------------\r\n"

// EvalFunc overrides evaluation of expressions the server does not know.
// Returning a *rserve.ServerError replies with RESP_ERR and that status.
type EvalFunc func(s *Session, expr string) (rserve.Value, error)

// Session is the state of one connection, standing in for a forked R
// process.
type Session struct {
	PID int

	mu    sync.Mutex
	vars  map[string]rserve.Value
	evals []string
}

// Vars returns a copy of the session's bound variables.
func (s *Session) Vars() map[string]rserve.Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]rserve.Value, len(s.vars))
	for k, v := range s.vars {
		out[k] = v
	}
	return out
}

// Evals returns every expression received, in order.
func (s *Session) Evals() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.evals...)
}

// Set binds a variable as if an expression had assigned it.
func (s *Session) Set(name string, v rserve.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vars[name] = v
}

// Server is a QAP1 server understanding the expressions the pool itself
// sends (Sys.getpid, library, remove, assignment of evaluated results).
type Server struct {
	ln   net.Listener
	eval EvalFunc

	mu          sync.Mutex
	nextPID     int
	sessions    []*Session
	conns       map[net.Conn]struct{}
	missingLibs map[string]bool
	shutdowns   int

	wg sync.WaitGroup
}

// NewServer listens on a loopback port. Session pids start at basePID.
func NewServer(basePID int, eval EvalFunc) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		ln:          ln,
		eval:        eval,
		nextPID:     basePID,
		conns:       make(map[net.Conn]struct{}),
		missingLibs: make(map[string]bool),
	}
	s.wg.Add(1)
	go s.serve()
	return s, nil
}

// Addr returns host:port.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Port returns the listening port.
func (s *Server) Port() int { return s.ln.Addr().(*net.TCPAddr).Port }

// MissingLibrary makes library(name) report failure.
func (s *Server) MissingLibrary(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missingLibs[name] = true
}

// Sessions returns every session opened so far.
func (s *Server) Sessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Session(nil), s.sessions...)
}

// Shutdowns counts shutdown commands received.
func (s *Server) Shutdowns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdowns
}

// Close stops the listener and drops every connection.
func (s *Server) Close() error {
	err := s.ln.Close()
	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		sess := &Session{PID: s.nextPID, vars: make(map[string]rserve.Value)}
		s.nextPID++
		s.sessions = append(s.sessions, sess)
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handle(c, sess)
	}
}

func (s *Server) handle(c net.Conn, sess *Session) {
	defer s.wg.Done()
	defer func() {
		c.Close()
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()

	if _, err := c.Write([]byte(idString)); err != nil {
		return
	}
	for {
		req, err := rserve.ReadMessage(c)
		if err != nil {
			return
		}
		params, err := rserve.ParseParams(req.Body)
		if err != nil {
			reply(c, nil, &rserve.ServerError{Status: rserve.StatusInvalidPar})
			continue
		}

		switch req.Cmd {
		case rserve.CmdEval, rserve.CmdVoidEval:
			v, err := s.evaluate(sess, paramString(params, 0))
			if req.Cmd == rserve.CmdVoidEval {
				v = nil
			}
			reply(c, v, err)

		case rserve.CmdSetSEXP:
			if len(params) < 2 {
				reply(c, nil, &rserve.ServerError{Status: rserve.StatusInvalidPar})
				continue
			}
			v, err := rserve.Decode(params[1].Data)
			if err != nil {
				reply(c, nil, &rserve.ServerError{Status: rserve.StatusInvalidPar})
				continue
			}
			sess.Set(paramString(params, 0), v)
			reply(c, nil, nil)

		case rserve.CmdShutdown, rserve.CmdCtrlShutdown:
			s.mu.Lock()
			s.shutdowns++
			s.mu.Unlock()
			reply(c, nil, nil)
			return

		default:
			reply(c, nil, &rserve.ServerError{Status: rserve.StatusUnknownCmd})
		}
	}
}

// reply writes RESP_OK with v, or RESP_ERR when err is a ServerError.
func reply(c net.Conn, v rserve.Value, err error) {
	var se *rserve.ServerError
	if errors.As(err, &se) {
		rserve.WriteMessage(c, rserve.Message{Cmd: 0x10002 | se.Status<<24})
		return
	}
	if err != nil {
		rserve.WriteMessage(c, rserve.Message{Cmd: 0x10002 | rserve.StatusRError<<24})
		return
	}
	var body []byte
	if v != nil {
		data, err := rserve.Encode(v)
		if err != nil {
			rserve.WriteMessage(c, rserve.Message{Cmd: 0x10002 | rserve.StatusRError<<24})
			return
		}
		body = rserve.AppendParam(nil, rserve.DTSEXP, data)
	}
	rserve.WriteMessage(c, rserve.Message{Cmd: 0x10001, Body: body})
}

func paramString(params []rserve.Param, i int) string {
	if i >= len(params) {
		return ""
	}
	data := params[i].Data
	if j := bytes.IndexByte(data, 0); j >= 0 {
		data = data[:j]
	}
	return string(data)
}

var (
	tryRe     = regexp.MustCompile(`(?s)^try\((.*), silent=TRUE\)$`)
	libraryRe = regexp.MustCompile(`^library\(([^,]+), logical\.return=TRUE, quietly=TRUE\)$`)
	removeRe  = regexp.MustCompile(`^suppressWarnings\(remove\(list=c\((.*)\)\)\)$`)
	assignRe  = regexp.MustCompile(`(?s)^\{?([A-Za-z.][A-Za-z0-9._]*) <- (.*?)(; invisible\(TRUE\)\})?$`)
)

func (s *Server) evaluate(sess *Session, expr string) (rserve.Value, error) {
	sess.mu.Lock()
	sess.evals = append(sess.evals, expr)
	sess.mu.Unlock()

	inner := expr
	if m := tryRe.FindStringSubmatch(expr); m != nil {
		inner = m[1]
	}

	switch {
	case inner == "Sys.getpid()":
		return &rserve.Ints{V: []int32{int32(sess.PID)}}, nil

	case libraryRe.MatchString(inner):
		lib := libraryRe.FindStringSubmatch(inner)[1]
		s.mu.Lock()
		missing := s.missingLibs[lib]
		s.mu.Unlock()
		if missing {
			return &rserve.Logicals{V: []rserve.Logical{rserve.False}}, nil
		}
		return &rserve.Logicals{V: []rserve.Logical{rserve.True}}, nil

	case removeRe.MatchString(inner):
		sess.mu.Lock()
		for _, q := range strings.Split(removeRe.FindStringSubmatch(inner)[1], ",") {
			if name, err := strconv.Unquote(strings.TrimSpace(q)); err == nil {
				delete(sess.vars, name)
			}
		}
		sess.mu.Unlock()
		return &rserve.Null{}, nil
	}

	if m := assignRe.FindStringSubmatch(inner); m != nil {
		v, err := s.evalPlain(sess, m[2])
		if err != nil || rserve.Inherits(v, "try-error") {
			return v, err
		}
		sess.Set(m[1], v)
		if m[3] != "" {
			return &rserve.Logicals{V: []rserve.Logical{rserve.True}}, nil
		}
		return v, nil
	}
	return s.evalPlain(sess, inner)
}

func (s *Server) evalPlain(sess *Session, expr string) (rserve.Value, error) {
	if s.eval != nil {
		return s.eval(sess, expr)
	}
	if v, ok := sess.Vars()[expr]; ok {
		return v, nil
	}
	if f, err := strconv.ParseFloat(expr, 64); err == nil {
		return &rserve.Doubles{V: []float64{f}}, nil
	}
	return TryError("Error : object '" + expr + "' not found\n"), nil
}

// TryError builds the value try() returns for a failed expression.
func TryError(msg string) rserve.Value {
	v := rserve.NewStrings(msg)
	a := &rserve.List{
		Values: []rserve.Value{rserve.NewStrings("try-error")},
		Names:  []string{"class"},
	}
	return rserve.SetAttributes(v, a)
}
