// Package provider holds the typed result shared by the auxiliary data
// providers (weather, astronomy picture, image search).
package provider

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/stupiduntilnot/skychat/internal/fault"
)

// Kind classifies a provider outcome.
type Kind int

const (
	Success Kind = iota
	NotFound
	TransientError
	FormatError
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case NotFound:
		return "not_found"
	case TransientError:
		return "transient_error"
	case FormatError:
		return "format_error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the result of one provider call. Value is meaningful only
// when Kind is Success; Err is set for every other kind.
type Outcome[T any] struct {
	Kind  Kind
	Value T
	Err   error
}

func Ok[T any](v T) Outcome[T] {
	return Outcome[T]{Kind: Success, Value: v}
}

func Missing[T any](err error) Outcome[T] {
	return Outcome[T]{Kind: NotFound, Err: err}
}

func Transient[T any](err error) Outcome[T] {
	return Outcome[T]{Kind: TransientError, Err: err}
}

func Malformed[T any](err error) Outcome[T] {
	return Outcome[T]{Kind: FormatError, Err: err}
}

// OK reports whether the call succeeded.
func (o Outcome[T]) OK() bool {
	return o.Kind == Success
}

// Fault returns the failure as an external fault, or nil on success.
func (o Outcome[T]) Fault(op string) error {
	if o.Kind == Success {
		return nil
	}
	err := o.Err
	if err == nil {
		err = fmt.Errorf("provider %s", o.Kind)
	}
	return fault.External(op, err)
}

// FetchJSON performs req and decodes a 200 response body into T.
// 404 maps to NotFound, any other status or network failure to
// TransientError, and an undecodable body to FormatError.
func FetchJSON[T any](client *http.Client, req *http.Request) Outcome[T] {
	resp, err := client.Do(req)
	if err != nil {
		return Transient[T](fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Transient[T](fmt.Errorf("read %s response: %w", req.URL.Path, err))
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Missing[T](fmt.Errorf("%s: not found: %s", req.URL.Path, truncate(string(body), 200)))
	case resp.StatusCode != http.StatusOK:
		return Transient[T](fmt.Errorf("%s: status %d: %s", req.URL.Path, resp.StatusCode, truncate(string(body), 200)))
	}

	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		return Malformed[T](fmt.Errorf("decode %s response: %w", req.URL.Path, err))
	}
	return Ok(v)
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars]) + "..."
}
