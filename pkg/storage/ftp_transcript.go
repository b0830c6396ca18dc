package storage

import (
	"bytes"
	"slices"
	"strings"
	"sync"
)

// transcript collects FTP control channel reply lines. It receives the raw
// traffic of both directions and keeps only what the server said.
type transcript struct {
	mu      sync.Mutex
	partial bytes.Buffer
	lines   []string
	// multiline is the "ddd" code of an open multi-line reply.
	multiline string
}

func newTranscript() *transcript {
	return &transcript{}
}

func (t *transcript) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.partial.Write(p)
	for {
		data := t.partial.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(data[:i]), "\r")
		t.partial.Next(i + 1)
		t.consume(line)
	}
	return len(p), nil
}

func (t *transcript) consume(line string) {
	if t.multiline != "" {
		t.lines = append(t.lines, line)
		if strings.HasPrefix(line, t.multiline+" ") {
			t.multiline = ""
		}
		return
	}

	if !isReplyLine(line) {
		return
	}

	t.lines = append(t.lines, line)
	if len(line) > 3 && line[3] == '-' {
		t.multiline = line[:3]
	}
}

// isReplyLine matches "ddd text" and "ddd-text". Commands we send are
// alphabetic verbs, so they never match.
func isReplyLine(line string) bool {
	if len(line) < 3 {
		return false
	}
	for i := 0; i < 3; i++ {
		if line[i] < '0' || line[i] > '9' {
			return false
		}
	}
	return len(line) == 3 || line[3] == ' ' || line[3] == '-'
}

// Lines returns a copy of the reply lines seen so far.
func (t *transcript) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.lines)
}
