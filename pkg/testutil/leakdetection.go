package testutil

import (
	"go.uber.org/goleak"
)

// GoLeakIgnores returns the goroutines outliving tests by design: idle
// keep-alive connections of http clients talking to test servers.
func GoLeakIgnores() []goleak.Option {
	return []goleak.Option{
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	}
}
