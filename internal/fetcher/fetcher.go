// Package fetcher models every external capability (channel statistics, video
// intelligence, affiliate search, chat completion) behind one contract and
// classifies upstream failures as transient or permanent.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/nadmax/creatorq/internal/task"
)

type Fetcher interface {
	Fetch(ctx context.Context, input task.Payload) (task.Payload, error)
}

type FetcherFunc func(ctx context.Context, input task.Payload) (task.Payload, error)

func (f FetcherFunc) Fetch(ctx context.Context, input task.Payload) (task.Payload, error) {
	return f(ctx, input)
}

type Kind string

const (
	KindTransient Kind = "transient"
	KindPermanent Kind = "permanent"
)

type FetchError struct {
	Kind       Kind
	Op         string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s failure (status %d): %v", e.Op, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s failure: %v", e.Op, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func Transient(op string, err error) error {
	return &FetchError{Kind: KindTransient, Op: op, Err: err}
}

func Permanent(op string, err error) error {
	return &FetchError{Kind: KindPermanent, Op: op, Err: err}
}

// FromStatus classifies an upstream HTTP-like status: timeouts, throttling and
// server errors are transient, every other failure status is permanent.
func FromStatus(op string, statusCode int, err error) error {
	kind := KindPermanent
	if retryableStatus(statusCode) {
		kind = KindTransient
	}
	return &FetchError{Kind: kind, Op: op, StatusCode: statusCode, Err: err}
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}

// Classify returns the kind of err. Deadline and network timeouts are transient;
// errors that carry no classification are permanent.
func Classify(err error) Kind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}

	return KindPermanent
}

func IsTransient(err error) bool {
	return Classify(err) == KindTransient
}
