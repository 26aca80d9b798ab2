package main

import (
	"net/http"
	"net/http/httputil"
	"net/url"
)

// newReverseProxyHandler fronts the given backend URL. A malformed
// backendAddr is a startup-time configuration error.
func newReverseProxyHandler(backendAddr string) http.Handler {
	target, err := url.Parse(backendAddr)
	if err != nil {
		panic("servicecontrol-sidecar: invalid -backend-addr: " + err.Error())
	}
	return httputil.NewSingleHostReverseProxy(target)
}
