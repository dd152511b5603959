// Package verboselog points the engine's VerboseLogger sink (pkg/edl
// SummaryLogger/VerboseLogger, spec.md §6) at a file so a flashing session
// can be replayed afterward for support purposes. Lines are still plain
// log.Printf-style messages, just JSON-wrapped with a timestamp and
// written with the standard library's encoding/json — no structured
// logging library, matching the teacher's stdlib-`log` idiom.
package verboselog

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"qdl/pkg/edl"
)

type line struct {
	Time string `json:"time"`
	Msg  string `json:"msg"`
}

// Open creates or truncates path and returns a VerboseLogger that appends
// one JSON object per call, plus the file so the caller can close it on
// shutdown. Every call to the returned logger is synchronized since
// connection.Engine and firehose.Engine call it from whatever goroutine
// currently owns the transport.
func Open(path string) (edl.VerboseLogger, *os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("verboselog: open %s: %w", path, err)
	}
	enc := json.NewEncoder(f)
	var mu sync.Mutex
	logger := func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		_ = enc.Encode(line{Time: time.Now().UTC().Format(time.RFC3339Nano), Msg: fmt.Sprintf(format, args...)})
	}
	return logger, f, nil
}
