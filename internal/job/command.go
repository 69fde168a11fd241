// Package job runs ordered command sequences against an engine session.
package job

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/randomizedcoder/go-rserve-pool/internal/rserve"
)

// ErrInvalidCommand is returned when a command cannot be added to a
// sequence.
var ErrInvalidCommand = errors.New("invalid command")

// Op is the kind of a Command.
type Op int

const (
	OpEval Op = iota
	OpAssign
)

func (o Op) String() string {
	switch o {
	case OpEval:
		return "eval"
	case OpAssign:
		return "assign"
	default:
		return "unknown"
	}
}

// Command is one step of a Sequence. Expressions are opaque engine text.
type Command struct {
	Op Op

	// Expr is evaluated for OpEval.
	Expr string

	// Var names the session variable the step binds. Required for
	// OpAssign, optional for OpEval.
	Var string

	// Value is bound to Var for OpAssign.
	Value rserve.Value

	// Retrieve asks for the value of an OpEval that binds Var. Without it
	// only success or failure comes back.
	Retrieve bool
}

// Eval returns a command evaluating expr and returning its value.
func Eval(expr string) Command {
	return Command{Op: OpEval, Expr: expr, Retrieve: true}
}

// EvalInto returns a command binding the result of expr to name.
func EvalInto(name, expr string, retrieve bool) Command {
	return Command{Op: OpEval, Expr: expr, Var: name, Retrieve: retrieve}
}

// Assign returns a command binding v to name.
func Assign(name string, v rserve.Value) Command {
	return Command{Op: OpAssign, Var: name, Value: v}
}

// expression returns the text sent to the engine for an OpEval.
func (c Command) expression() string {
	switch {
	case c.Var == "":
		return "try(" + c.Expr + ", silent=TRUE)"
	case c.Retrieve:
		return "try(" + c.Var + " <- " + c.Expr + ", silent=TRUE)"
	default:
		return "try({" + c.Var + " <- " + c.Expr + "; invisible(TRUE)}, silent=TRUE)"
	}
}

// String renders the command for logs.
func (c Command) String() string {
	switch c.Op {
	case OpAssign:
		return fmt.Sprintf("%s <- <%T>", c.Var, c.Value)
	case OpEval:
		if c.Var != "" {
			return c.Var + " <- " + c.Expr
		}
		return c.Expr
	}
	return "<unknown>"
}

var identRe = regexp.MustCompile(`^[A-Za-z.][A-Za-z0-9._]*$`)

func (c Command) validate() error {
	if c.Var != "" && !identRe.MatchString(c.Var) {
		return fmt.Errorf("%w: variable name %q", ErrInvalidCommand, c.Var)
	}
	switch c.Op {
	case OpEval:
		if strings.TrimSpace(c.Expr) == "" {
			return fmt.Errorf("%w: empty expression", ErrInvalidCommand)
		}
	case OpAssign:
		if c.Var == "" {
			return fmt.Errorf("%w: assign without a variable name", ErrInvalidCommand)
		}
	default:
		return fmt.Errorf("%w: op %d", ErrInvalidCommand, c.Op)
	}
	return nil
}

// Sequence is an ordered list of commands. Later steps may use variables
// bound by earlier ones, so steps are never reordered.
type Sequence struct {
	cmds []Command
	vars []string
	seen map[string]bool
}

// NewSequence builds a sequence from cmds.
func NewSequence(cmds ...Command) (*Sequence, error) {
	s := &Sequence{}
	for _, c := range cmds {
		if err := s.Add(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add appends c.
func (s *Sequence) Add(c Command) error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("step %d: %w", len(s.cmds), err)
	}
	s.cmds = append(s.cmds, c)
	if c.Var != "" && !s.seen[c.Var] {
		if s.seen == nil {
			s.seen = make(map[string]bool)
		}
		s.seen[c.Var] = true
		s.vars = append(s.vars, c.Var)
	}
	return nil
}

// Len returns the number of commands.
func (s *Sequence) Len() int { return len(s.cmds) }

// Commands returns the commands in order.
func (s *Sequence) Commands() []Command { return append([]Command(nil), s.cmds...) }

// Vars returns every variable the sequence binds, in first-use order.
func (s *Sequence) Vars() []string { return append([]string(nil), s.vars...) }
