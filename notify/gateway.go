// Package notify delivers task notifications: WhatsApp messages and media through the
// Node gateway, and plain calls to external API endpoints.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Kind string

const (
	KindAPI     Kind = "API"
	KindMessage Kind = "MESSAGE"
)

// Recipient says where a notification goes.
type Recipient struct {
	Kind     Kind
	Endpoint string
	Phones   []string
	Groups   []string
}

// Payload is what is sent.
type Payload struct {
	TaskID   int64
	TaskName string
	Slot     time.Time
	Message  string
	ImageURL string
}

// Gateway sends one notification. Errors are returned, never panicked; wrap errors
// that retrying cannot fix with Permanent.
type Gateway interface {
	Send(ctx context.Context, to Recipient, p Payload) error
}

// GatewayFunc adapts a function to Gateway.
type GatewayFunc func(ctx context.Context, to Recipient, p Payload) error

func (f GatewayFunc) Send(ctx context.Context, to Recipient, p Payload) error { return f(ctx, to, p) }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }
