package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const panicStackSize = 4 << 10

// panicBody is the 500 body sent for a recovered panic. It carries nothing
// from the panic value; the request id ties it to the log line.
type panicBody struct {
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Recovery turns a handler panic into an opaque 500 and logs the stack.
// http.ErrAbortHandler is re-raised so net/http can drop the connection.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if e, ok := r.(error); ok && errors.Is(e, http.ErrAbortHandler) {
					panic(r)
				}

				stack := make([]byte, panicStackSize)
				stack = stack[:runtime.Stack(stack, false)]
				rid := requestID(c)
				committed := c.Response().Committed
				logger.Error().
					Str("request_id", rid).
					Str("method", c.Request().Method).
					Str("path", c.Request().URL.Path).
					Str("panic", fmt.Sprintf("%v", r)).
					Bool("committed", committed).
					Bytes("stack", stack).
					Msg("panic recovered")

				if committed {
					// Headers are out; the client sees a truncated body.
					err = nil
					return
				}
				err = c.JSON(http.StatusInternalServerError, panicBody{
					Message:   http.StatusText(http.StatusInternalServerError),
					RequestID: rid,
				})
			}()
			return next(c)
		}
	}
}
