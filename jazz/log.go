package jazz

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `jazz` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) initialization data that is useful for monitoring
//     this includes:
//     - connect failures and dropped connections
//     - frames that could not be decoded
//     - reconnect attempts
// Error:
//     unrecoverable crash details
//     this includes:
//     - panics raised by application callbacks, even if handled and suppressed
// Debug (V(2)):
//     key events for trace debugging
//     this includes:
//     - each send, receive, and deferred flush, tagged with the store or connection id

const LogLevelDebug = 2

type LogFunction func(string, ...any)

func LogFn(level glog.Level, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(level) {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("%s: %s", tag, m))
		}
	}
}
