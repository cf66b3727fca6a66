package mercadolibre

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrMalformedJSON is wrapped by FetchError when a 2xx body is not valid JSON.
var ErrMalformedJSON = errors.New("malformed JSON response")

// FetchError describes a failed marketplace request. StatusCode is zero when
// the request never produced a response.
type FetchError struct {
	Op         string
	URL        string
	StatusCode int
	Body       string
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("mercadolibre: %s %s: status %d: %v", e.Op, e.URL, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("mercadolibre: %s %s: status %d: %s", e.Op, e.URL, e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("mercadolibre: %s %s: %v", e.Op, e.URL, e.Err)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// Temporary reports whether retrying the same request could succeed:
// transport failures, throttling and server errors.
func (e *FetchError) Temporary() bool {
	if errors.Is(e.Err, ErrMalformedJSON) {
		return false
	}
	if e.StatusCode == 0 {
		return true
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func isTemporary(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Temporary()
	}
	return false
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
