package middleware

import "net/http"

// Chain composes middleware outermost-first: Chain(A, B)(h) runs A, then B,
// then h.
func Chain(mws ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(mws) - 1; i >= 0; i-- {
			final = mws[i](final)
		}
		return final
	}
}
