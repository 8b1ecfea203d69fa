package rpcserver

import (
	"context"
	"strconv"

	"google.golang.org/grpc"

	"github.com/tanmoysrt/rdsagent/pkg/registry"
)

// JobEnqueuer is implemented by pkg/jobs: it persists a DRAFT JobRecord and
// returns its id without executing anything inline. Kept as an interface
// here so rpcserver never imports pkg/jobs directly.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, service, method string, meta map[string]string, payload []byte) (jobID string, err error)
}

// AsyncInterceptor implements the async-job protocol: a request whose
// Meta carries is_async=true, for a handler registered as Async-capable,
// is never invoked directly -- it is persisted as a JobRecord and the
// caller gets back a skeleton Envelope carrying the new job id
// immediately.
type AsyncInterceptor struct {
	table *registry.Table
	jobs  JobEnqueuer
}

func NewAsyncInterceptor(table *registry.Table, jobs JobEnqueuer) *AsyncInterceptor {
	return &AsyncInterceptor{table: table, jobs: jobs}
}

func (a *AsyncInterceptor) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		env, ok := req.(*registry.Envelope)
		if !ok {
			return handler(ctx, req)
		}

		wantAsync, _ := strconv.ParseBool(env.Meta["is_async"])
		if !wantAsync {
			return handler(ctx, req)
		}

		entry, found := a.table.Lookup(env.Service, env.Method)
		if !found || !entry.Async {
			// Not an async-capable handler: fall through to the normal
			// path, which runs a known handler synchronously and answers
			// NOT_FOUND for an unknown method.
			return handler(ctx, req)
		}

		jobID, err := a.jobs.Enqueue(ctx, env.Service, env.Method, env.Meta, env.Payload)
		if err != nil {
			return nil, err
		}
		return &registry.Envelope{
			Service: env.Service,
			Method:  env.Method,
			Meta: map[string]string{
				"status": "DRAFT",
				"job_id": jobID,
			},
		}, nil
	}
}
