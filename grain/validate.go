package grain

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/talepreter/talepreter"
)

// check accumulates identity and precondition validations for one actor
// call. The first violation wins, later steps become no-ops.
type check struct {
	id  string
	op  string
	err error
}

func validate(id, op string) *check {
	return &check{id: id, op: op}
}

func (c *check) tale(id uuid.UUID) *check {
	if c.err == nil && id == uuid.Nil {
		c.err = talepreter.InvalidIdentity("tale id is empty")
	}
	return c
}

func (c *check) version(id uuid.UUID) *check {
	if c.err == nil && id == uuid.Nil {
		c.err = talepreter.InvalidIdentity("tale version id is empty")
	}
	return c
}

func (c *check) chapter(n int) *check {
	if c.err == nil && n < 0 {
		c.err = talepreter.InvalidIdentity(fmt.Sprintf("chapter %d is negative", n))
	}
	return c
}

func (c *check) page(n int) *check {
	if c.err == nil && n < 0 {
		c.err = talepreter.InvalidIdentity(fmt.Sprintf("page %d is negative", n))
	}
	return c
}

// healthy requires the current status to be one of the allowed statuses.
func (c *check) healthy(s talepreter.Status, allowed ...talepreter.Status) *check {
	if c.err != nil {
		return c
	}
	for _, a := range allowed {
		if s == a {
			return c
		}
	}
	c.err = talepreter.GrainOperation(c.id, c.op, fmt.Sprintf("operation is not allowed in status %s", s))
	return c
}

// require fails the call with a precondition message when ok is false.
func (c *check) require(ok bool, msg string) *check {
	if c.err == nil && !ok {
		c.err = talepreter.GrainOperation(c.id, c.op, msg)
	}
	return c
}

func (c *check) Err() error { return c.err }
