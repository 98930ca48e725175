// Package push delivers single-device push messages. Providers are opaque to
// the rest of the system; callers only see Notifier.
package push

import (
	"context"
	"errors"
)

// Message is one push to one device token.
type Message struct {
	Token string
	Title string
	Body  string
	Data  map[string]string
	Badge *int
}

// Notifier sends a message to a device. A returned error means this
// recipient was not reached; it never says anything about other recipients.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// ErrTokenRejected means the provider considers the token invalid or
// unregistered.
var ErrTokenRejected = errors.New("push token rejected by provider")

// Router sends Expo-format tokens through expo and everything else through fcm.
// Either side may be nil when that provider is not configured.
type Router struct {
	fcm  Notifier
	expo Notifier
}

func NewRouter(fcm, expo Notifier) *Router {
	return &Router{fcm: fcm, expo: expo}
}

func (r *Router) Send(ctx context.Context, msg Message) error {
	target := r.fcm
	if IsExpoToken(msg.Token) {
		target = r.expo
	}
	if target == nil {
		return ErrNoProvider
	}
	return target.Send(ctx, msg)
}

// ErrNoProvider means no configured provider accepts the token format.
var ErrNoProvider = errors.New("no push provider for token")
