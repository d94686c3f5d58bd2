package device

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakePort answers each write with whatever respond returns. Reads with
// nothing pending return 0 bytes, like a serial read timeout.
type fakePort struct {
	mu      sync.Mutex
	rx      bytes.Buffer
	writes  [][]byte
	respond func(w []byte) []byte
	closed  bool
}

func (f *fakePort) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rx.Len() == 0 {
		return 0, nil
	}
	return f.rx.Read(p)
}

func (f *fakePort) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, append([]byte(nil), p...))
	if f.respond != nil {
		f.rx.Write(f.respond(p))
	}
	return len(p), nil
}

func (f *fakePort) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePort) SetReadTimeout(time.Duration) error { return nil }
func (f *fakePort) ResetInputBuffer() error            { return nil }

func (f *fakePort) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func withPort(t *testing.T, fp *fakePort) {
	t.Helper()
	old := openPort
	openPort = func(string, int) (port, error) { return fp, nil }
	t.Cleanup(func() { openPort = old })
}

// elmPort scripts an ELM327: each command maps to its reply text.
// Unknown commands print "?".
func elmPort(script map[string]string) *fakePort {
	fp := &fakePort{}
	fp.respond = func(w []byte) []byte {
		cmd := strings.TrimSuffix(string(w), "\r")
		reply, ok := script[cmd]
		if !ok {
			reply = "?"
		}
		return []byte(reply + "\r\r>")
	}
	return fp
}

func (f *fakePort) sentLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, w := range f.writes {
		out = append(out, strings.TrimSuffix(string(w), "\r"))
	}
	return out
}

// envPort scripts an envelope device: each command byte maps to the
// reply data. Unknown commands are rejected with envError.
type envPort struct {
	*fakePort
	replies map[byte][]byte
	args    map[byte][]byte
}

func newEnvPort(replies map[byte][]byte) *envPort {
	e := &envPort{fakePort: &fakePort{}, replies: replies, args: make(map[byte][]byte)}
	e.respond = func(w []byte) []byte {
		payload := w[2 : len(w)-4]
		cmd := payload[0]
		e.args[cmd] = append([]byte{}, payload[1:]...)
		data, ok := e.replies[cmd]
		if !ok {
			return wrapEnvelope([]byte{cmd, envError})
		}
		return wrapEnvelope(append([]byte{cmd, envOK}, data...))
	}
	return e
}

func (e *envPort) argsOf(cmd byte) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.args[cmd]
}
