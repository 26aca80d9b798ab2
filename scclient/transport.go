package scclient

import (
	"context"

	"github.com/google/servicecontrol-agg-go/servicecontrol"
)

// Transport is the facade's contract with the wire transport to the
// upstream Service Control API (spec §6): three unary RPCs in
// request/response form. The core treats any error from these as a
// generic I/O failure (spec §7) — it never inspects transport-specific
// error types.
//
// Any type satisfying this interface works with Client; transport/grpc
// in this repository is one reference implementation, not the only one.
type Transport interface {
	Check(ctx context.Context, req *servicecontrol.CheckRequest) (*servicecontrol.CheckResponse, error)
	AllocateQuota(ctx context.Context, req *servicecontrol.AllocateQuotaRequest) (*servicecontrol.AllocateQuotaResponse, error)
	Report(ctx context.Context, req *servicecontrol.ReportRequest) (*servicecontrol.ReportResponse, error)
}
