package engine

import (
	"io"
	"os"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// RequestLogEntry is one JSON line of the request log.
type RequestLogEntry struct {
	Kind       string     `json:"kind"` // "request" or "response"
	Time       time.Time  `json:"time"`
	ID         SequenceID `json:"id"`
	PromptLen  int        `json:"prompt_len,omitempty"`
	MaxTokens  int        `json:"max_tokens,omitempty"`
	Priority   int        `json:"priority,omitempty"`
	Adapter    string     `json:"adapter,omitempty"`
	State      string     `json:"state,omitempty"`
	StopReason StopReason `json:"stop_reason,omitempty"`
	Tokens     []int      `json:"tokens,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// RequestLog appends one JSON line per accepted request and per terminal response.
// It is safe for concurrent use. A nil *RequestLog discards everything.
type RequestLog struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	enc    *json.Encoder
}

// NewRequestLog writes entries to w.
func NewRequestLog(w io.Writer) *RequestLog {
	l := &RequestLog{w: w, enc: json.NewEncoder(w)}
	if c, ok := w.(io.Closer); ok {
		l.closer = c
	}
	return l
}

// OpenRequestLog opens path for appending, creating it if needed.
func OpenRequestLog(path string) (*RequestLog, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening request log %s", path)
	}
	return NewRequestLog(f), nil
}

func (l *RequestLog) write(entry RequestLogEntry) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return errors.Wrap(l.enc.Encode(entry), "writing request log")
}

// LogRequest records an accepted request.
func (l *RequestLog) LogRequest(id SequenceID, req Request, at time.Time) error {
	adapter := ""
	if req.Adapter != nil {
		adapter = req.Adapter.AdapterName()
	}
	return l.write(RequestLogEntry{
		Kind:      "request",
		Time:      at,
		ID:        id,
		PromptLen: len(req.Prompt),
		MaxTokens: req.Sampling.MaxTokens,
		Priority:  req.Priority,
		Adapter:   adapter,
	})
}

// LogResponse records the terminal outcome of a sequence.
func (l *RequestLog) LogResponse(seq *Sequence, at time.Time) error {
	entry := RequestLogEntry{
		Kind:       "response",
		Time:       at,
		ID:         seq.ID,
		State:      string(seq.state),
		StopReason: seq.stopReason,
		Tokens:     append([]int(nil), seq.tokens[seq.promptLen:]...),
	}
	if seq.err != nil {
		entry.Error = seq.err.Error()
	}
	return l.write(entry)
}

// Close closes the underlying writer if it is closable.
func (l *RequestLog) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closer.Close()
}
