// Package grpc is a reference scclient.Transport backed by
// google.golang.org/grpc, authenticated via golang.org/x/oauth2's Google
// default credentials and retried with github.com/jpillora/backoff — the
// same retry library the teacher uses for its own upstream-destination
// reconnect loop, generalized here to a per-call retry instead of a
// reconnect loop.
package grpc

import (
	"context"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/oauth"
	"google.golang.org/grpc/encoding"

	"github.com/google/servicecontrol-agg-go/servicecontrol"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

const (
	checkMethod    = "/google.api.servicecontrol.v1.ServiceController/Check"
	allocateMethod = "/google.api.servicecontrol.v1.ServiceController/AllocateQuota"
	reportMethod   = "/google.api.servicecontrol.v1.ServiceController/Report"
)

// Options configures the transport.
type Options struct {
	// Target is the gRPC dial target, e.g. "servicecontrol.googleapis.com:443".
	Target string
	// TLS is the transport credentials; nil uses an insecure connection,
	// which is only appropriate against a local test double.
	TLS credentials.TransportCredentials
	// TokenSource supplies per-call OAuth2 bearer tokens; nil disables
	// per-call auth (again, only appropriate in tests).
	TokenSource oauth2.TokenSource
	// MaxRetries bounds the retry loop for failed calls (every error is
	// retried, whatever its code); 0 disables retrying.
	MaxRetries int
}

// Transport implements scclient.Transport over a single gRPC connection.
type Transport struct {
	conn *grpc.ClientConn
	opts Options
}

// Dial establishes the connection and returns a ready Transport.
func Dial(ctx context.Context, opts Options) (*Transport, error) {
	callOpts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodec{}.Name())),
	}
	if opts.TLS != nil {
		callOpts = append(callOpts, grpc.WithTransportCredentials(opts.TLS))
	} else {
		callOpts = append(callOpts, grpc.WithInsecure()) //nolint:staticcheck // test-only path
	}
	if opts.TokenSource != nil {
		callOpts = append(callOpts, grpc.WithPerRPCCredentials(oauth.TokenSource{TokenSource: opts.TokenSource}))
	}

	conn, err := grpc.DialContext(ctx, opts.Target, callOpts...)
	if err != nil {
		return nil, fmt.Errorf("transport/grpc: dial %s: %w", opts.Target, err)
	}
	return &Transport{conn: conn, opts: opts}, nil
}

// DialWithApplicationDefaultCredentials is a convenience wrapper using
// Google's application default credentials for the given OAuth2 scope.
func DialWithApplicationDefaultCredentials(ctx context.Context, target, scope string) (*Transport, error) {
	creds, err := google.FindDefaultCredentials(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("transport/grpc: default credentials: %w", err)
	}
	return Dial(ctx, Options{
		Target:      target,
		TLS:         credentials.NewTLS(nil),
		TokenSource: creds.TokenSource,
		MaxRetries:  3,
	})
}

func (t *Transport) Close() error { return t.conn.Close() }

func (t *Transport) Check(ctx context.Context, req *servicecontrol.CheckRequest) (*servicecontrol.CheckResponse, error) {
	resp := new(servicecontrol.CheckResponse)
	if err := t.invoke(ctx, checkMethod, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (t *Transport) AllocateQuota(ctx context.Context, req *servicecontrol.AllocateQuotaRequest) (*servicecontrol.AllocateQuotaResponse, error) {
	resp := new(servicecontrol.AllocateQuotaResponse)
	if err := t.invoke(ctx, allocateMethod, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (t *Transport) Report(ctx context.Context, req *servicecontrol.ReportRequest) (*servicecontrol.ReportResponse, error) {
	resp := new(servicecontrol.ReportResponse)
	if err := t.invoke(ctx, reportMethod, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// invoke calls method over the connection, retrying any failed attempt
// with an exponential backoff (spec §7 treats every transport error the
// same regardless of how many retries preceded it).
func (t *Transport) invoke(ctx context.Context, method string, req, resp interface{}) error {
	b := &backoff.Backoff{
		Min:    50 * time.Millisecond,
		Max:    2 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	attempts := t.opts.MaxRetries + 1
	for i := 0; i < attempts; i++ {
		lastErr = t.conn.Invoke(ctx, method, req, resp)
		if lastErr == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
	return fmt.Errorf("transport/grpc: %s: %w", method, lastErr)
}
