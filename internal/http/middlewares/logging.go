package middlewares

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/dropDatabas3/veil/internal/metrics"
	"github.com/dropDatabas3/veil/internal/observability/logger"
)

// RequestLogger injects a request-scoped logger into the context and logs
// one line per request on the way out.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := middleware.GetReqID(r.Context())

		log := logger.L().With(
			logger.RequestID(reqID),
			logger.Method(r.Method),
			logger.Path(r.URL.Path),
		)
		ctx := logger.ToContext(r.Context(), log)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		elapsed := time.Since(start)
		metrics.RequestDuration.
			WithLabelValues(r.URL.Path, statusClass(ww.Status())).
			Observe(elapsed.Seconds())
		log.Info("request",
			logger.Status(ww.Status()),
			logger.Duration(elapsed),
		)
	})
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
