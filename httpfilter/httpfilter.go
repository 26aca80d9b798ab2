// Package httpfilter is a reference adapter wiring scclient.Client into an
// HTTP edge: it resolves an inbound request to a CheckRequest, calls Check,
// and rejects with the status table from spec §6 on a negative response
// (other than the fail-open codes). It uses github.com/gorilla/mux for routing and
// github.com/gorilla/handlers for access logging, the same pair the teacher
// uses for its own admin HTTP surface.
package httpfilter

import (
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/google/servicecontrol-agg-go/scclient"
	"github.com/google/servicecontrol-agg-go/servicecontrol"
)

// statusByCode is spec §6's check-error-code -> HTTP status mapping. The
// fail-open group is not listed here but in failOpenCodes below; any other
// code absent from this map is unrecognized and answered with 500.
var statusByCode = map[servicecontrol.CheckErrorCode]int{
	servicecontrol.NotFound:         http.StatusBadRequest,
	servicecontrol.ProjectInvalid:   http.StatusBadRequest,
	servicecontrol.VisibilityDenied: http.StatusBadRequest,
	servicecontrol.BillingDisabled:  http.StatusBadRequest,

	servicecontrol.APIKeyNotFound: http.StatusBadRequest,
	servicecontrol.APIKeyExpired:  http.StatusBadRequest,
	servicecontrol.APIKeyInvalid:  http.StatusBadRequest,

	servicecontrol.ServiceNotActive:  http.StatusForbidden,
	servicecontrol.PermissionDenied:  http.StatusForbidden,
	servicecontrol.IPAddressBlocked:  http.StatusForbidden,
	servicecontrol.ClientAppBlocked:  http.StatusForbidden,
	servicecontrol.ProjectDeleted:    http.StatusForbidden,
}

// failOpenCodes are backend-unavailable errors (spec §6): the request must
// proceed despite the non-empty error code rather than be rejected.
var failOpenCodes = map[servicecontrol.CheckErrorCode]bool{
	servicecontrol.NamespaceLookupUnavailable: true,
	servicecontrol.ServiceStatusUnavailable:   true,
	servicecontrol.BillingStatusUnavailable:   true,
	servicecontrol.QuotaCheckUnavailable:      true,
}

// OperationBuilder extracts the Operation identity and consumer a request
// maps to. Callers supply this since the identity scheme (API key header,
// JWT claim, path segment, ...) is deployment-specific.
type OperationBuilder func(r *http.Request) servicecontrol.Operation

// Filter is the HTTP middleware: it runs Check before the wrapped handler
// and responds with the spec §6 status on a negative result. On any
// transport failure the underlying client fails open (spec §7) and the
// request proceeds.
type Filter struct {
	Client      *scclient.Client
	ServiceName string
	BuildOp     OperationBuilder
	Log         logrus.FieldLogger
}

// Middleware adapts Filter to mux's MiddlewareFunc signature.
func (f *Filter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := &servicecontrol.CheckRequest{
			ServiceName: f.ServiceName,
			Operation:   f.BuildOp(r),
		}
		resp, err := f.Client.Check(r.Context(), req)
		if err != nil {
			// A *scclient.Error here is a programmer error (bad wiring),
			// not a caller-facing denial; surface it as 500 rather than
			// guessing at a check-error mapping.
			f.logger().WithError(err).Error("httpfilter: check call misconfigured")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if resp != nil {
			if code := resp.FirstErrorCode(); code != "" && !failOpenCodes[code] {
				status, ok := statusByCode[code]
				if !ok {
					status = http.StatusInternalServerError
				}
				http.Error(w, string(code), status)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (f *Filter) logger() logrus.FieldLogger {
	if f.Log != nil {
		return f.Log
	}
	return logrus.StandardLogger()
}

// NewRouter builds a *mux.Router with the filter installed ahead of
// handler, and request logging via gorilla/handlers.CombinedLoggingHandler,
// mirroring the teacher's own HTTP admin surface wiring.
func NewRouter(f *Filter, handler http.Handler, accessLog interface {
	Write([]byte) (int, error)
}) *mux.Router {
	r := mux.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, 30*time.Second, "timeout")
	})
	r.Use(f.Middleware)
	r.PathPrefix("/").Handler(handlers.CombinedLoggingHandler(accessLog, handler))
	return r
}
