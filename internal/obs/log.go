// Package obs holds the tunnel's ambient observability surface:
// structured JSON logging and Prometheus metrics. Log call sites across
// this repo follow a "component.event" naming convention for msg (e.g.
// "session.start", "client.data.dial_local") so a log aggregator can
// filter by component without parsing Fields.
package obs

import (
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"
)

var (
	once         sync.Once
	base         = log.New(os.Stdout, "", 0)
	debugEnabled bool
)

// EnableDebug globally enables debug-level logs.
func EnableDebug(v bool) { debugEnabled = v }

// Fields carries structured key/value context alongside a log message.
type Fields map[string]any

func logWith(level, msg string, f Fields) {
	once.Do(func() { base.SetFlags(0) })
	if f == nil {
		f = Fields{}
	}
	f["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	f["level"] = level
	f["msg"] = msg
	b, err := json.Marshal(f)
	if err != nil {
		base.Printf("{\"level\":\"error\",\"msg\":\"log marshal failure\",\"err\":%q}", err.Error())
		return
	}
	base.Println(string(b))
}

func Info(msg string, f Fields) { logWith("info", msg, f) }

// Warn marks a recoverable, often peer-caused condition: a bad secret, a
// rejected rate-limited connection. Distinct from Error so a log
// aggregator doesn't page on things a hostile client can trigger at will.
func Warn(msg string, f Fields)  { logWith("warn", msg, f) }
func Error(msg string, f Fields) { logWith("error", msg, f) }
func Debug(msg string, f Fields) {
	if debugEnabled {
		logWith("debug", msg, f)
	}
}
