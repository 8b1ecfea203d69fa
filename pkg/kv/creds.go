package kv

import (
	"context"
	"time"
)

// WorkingCredentials iterates candidates in order, probing Status on each
// until one succeeds, and returns a live Client dialed with it. This
// exists because several co-tenant services on a host may own distinct
// etcd credentials for the same cluster -- one may be mid-deletion and no
// longer valid.
func WorkingCredentials(ctx context.Context, candidates []Credentials) (*Client, error) {
	for _, creds := range candidates {
		c, err := Dial(creds)
		if err != nil {
			continue
		}
		sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		_, _, err = c.Status(sctx)
		cancel()
		if err == nil {
			return c, nil
		}
		c.Close()
	}
	return nil, ErrNoWorkingCredentials
}
