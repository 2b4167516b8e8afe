package stages

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/sgbilod/docpipe/internal/job"
)

// classifyHTTPError maps a transport error or response status to the error
// taxonomy: rate limits, server errors and timeouts are transient; other
// client errors are permanent. On a status error it takes ownership of the
// response body, draining and closing it so the keep-alive connection is
// released; on a nil return the body stays open for the caller.
func classifyHTTPError(op string, resp *http.Response, err error) error {
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return job.Transient(fmt.Errorf("%s timed out: %w", op, err))
		}
		return job.Transient(fmt.Errorf("%s request failed: %w", op, err))
	}

	var cerr error
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		cerr = job.Transient(fmt.Errorf("%s rate limited (429)", op))
	case resp.StatusCode >= 500:
		cerr = job.Transient(fmt.Errorf("%s upstream error (%d)", op, resp.StatusCode))
	case resp.StatusCode >= 400:
		cerr = fmt.Errorf("%s rejected (%d)", op, resp.StatusCode)
	}
	if cerr != nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
	}
	return cerr
}
