// Package closer collects cleanup functions run in reverse order.
package closer

import (
	"io"

	"github.com/hashicorp/go-multierror"
)

// Stack closes resources in the reverse order they were added, like
// deferred calls.
type Stack struct {
	closers []func() error
}

func (c *Stack) AddWithError(closer func() error) {
	c.closers = append(c.closers, closer)
}

func (c *Stack) AddCloser(closer io.Closer) {
	if closer != nil {
		c.closers = append(c.closers, closer.Close)
	}
}

// AddIfCloser adds v when it implements io.Closer and reports whether it
// did. Gateways holding connections or processes implement it.
func (c *Stack) AddIfCloser(v any) bool {
	closer, ok := v.(io.Closer)
	if ok {
		c.AddCloser(closer)
	}
	return ok
}

func (c *Stack) AddWithoutError(closer func()) {
	c.closers = append(c.closers, func() error {
		closer()
		return nil
	})
}

// Len returns the number of registered closers.
func (c *Stack) Len() int { return len(c.closers) }

// Close runs every closer once, even when some fail, and returns their
// combined errors.
func (c *Stack) Close() error {
	var err error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if closerErr := c.closers[i](); closerErr != nil {
			err = multierror.Append(err, closerErr)
		}
	}
	c.closers = nil
	return err
}

// CloseIfError closes the stack when err is set, for constructors unwinding
// a partial build.
func (c *Stack) CloseIfError(err error) error {
	if err != nil {
		return c.Close()
	}
	return nil
}
