// Package transport carries manager/worker frames over a direct websocket
// connection or a redis-backed durable queue.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"yqhp/build-engine/pkg/utils"
)

var (
	// ErrTimeout is returned by Receive when nothing arrived in time.
	ErrTimeout = errors.New("transport: receive timed out")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport: closed")
	// ErrUnknownPeer is returned when sending to an identity that is not connected.
	ErrUnknownPeer = errors.New("transport: unknown peer")
	// ErrMalformedFrame is returned for frames that match no message kind.
	ErrMalformedFrame = errors.New("transport: malformed frame")
)

// Kind is the message type carried by a frame.
type Kind string

const (
	KindReady Kind = "READY"
	KindPing  Kind = "PING"
	KindError Kind = "ERROR"
	KindExit  Kind = "EXIT"
	// KindWork carries a JSON builder payload.
	KindWork Kind = "WORK"
)

// Message is a decoded frame. Identity is the sending (or receiving) peer as
// seen by the manager.
type Message struct {
	Identity string
	Kind     Kind
	// Body is the hostname of READY, the identity of PING and the text of ERROR.
	Body    string
	Payload []byte
}

func Ready(hostname string) Message { return Message{Kind: KindReady, Body: hostname} }
func Ping(identity string) Message  { return Message{Kind: KindPing, Body: identity} }
func Error(text string) Message     { return Message{Kind: KindError, Body: text} }
func Exit() Message                 { return Message{Kind: KindExit} }
func Work(payload []byte) Message   { return Message{Kind: KindWork, Payload: payload} }

// Encode renders m as a wire frame.
func Encode(m Message) []byte {
	switch m.Kind {
	case KindReady, KindPing, KindError:
		return []byte(string(m.Kind) + "_" + m.Body)
	case KindExit:
		return []byte(KindExit)
	}
	return m.Payload
}

// Decode parses a wire frame.
func Decode(frame []byte) (Message, error) {
	if trimmed := bytes.TrimSpace(frame); len(trimmed) > 0 && trimmed[0] == '{' {
		if !utils.Valid(trimmed) {
			return Message{}, fmt.Errorf("%w: payload is not valid JSON", ErrMalformedFrame)
		}
		return Work(frame), nil
	}
	s := string(frame)
	if s == string(KindExit) {
		return Exit(), nil
	}
	for _, k := range []Kind{KindReady, KindPing, KindError} {
		if body, ok := strings.CutPrefix(s, string(k)+"_"); ok {
			return Message{Kind: k, Body: body}, nil
		}
	}
	return Message{}, fmt.Errorf("%w: %.40q", ErrMalformedFrame, s)
}

// Server is the manager side: one endpoint, many workers.
type Server interface {
	// Receive waits at most timeout for the next message and returns
	// ErrTimeout when none arrived.
	Receive(ctx context.Context, timeout time.Duration) (Message, error)
	Send(ctx context.Context, identity string, m Message) error
	Broadcast(ctx context.Context, identities []string, m Message) error
	Close() error
}

// Client is the worker side of one connection.
type Client interface {
	Identity() string
	Send(ctx context.Context, m Message) error
	Receive(ctx context.Context, timeout time.Duration) (Message, error)
	Close() error
}

func broadcast(ctx context.Context, s Server, identities []string, m Message) error {
	var errs []error
	for _, id := range identities {
		if err := s.Send(ctx, id, m); err != nil {
			errs = append(errs, fmt.Errorf("send to %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// wait returns a channel that fires after timeout, or never when timeout <= 0.
func wait(timeout time.Duration) (<-chan time.Time, func()) {
	if timeout <= 0 {
		return nil, func() {}
	}
	t := time.NewTimer(timeout)
	return t.C, func() { t.Stop() }
}
