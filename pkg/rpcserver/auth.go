package rpcserver

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/tanmoysrt/rdsagent/pkg/registry"
)

// ClusterTokenLookup resolves a cluster id to its current shared_token,
// ok is false if the cluster is unknown locally.
type ClusterTokenLookup func(clusterID string) (sharedToken string, ok bool)

// interAgentService is the only service callable with a cluster credential.
const interAgentService = "InterAgent"

// metaClusterID is the Envelope.Meta key the authenticator writes the
// authenticated cluster id into. Handlers for InterAgent must read this
// key, never a cluster_id embedded in the JSON payload body, since the
// payload is caller-supplied and not trustworthy.
const metaClusterID = "cluster_id"

// Authenticator validates the gRPC metadata "authorization" credential
// against either a configured direct secret or a cluster's shared_token.
// The token shape is "<src_type>:<token>:<cluster_id>" with src_type
// either "direct" or "cluster".
type Authenticator struct {
	directSecretHash [32]byte
	lookupCluster    ClusterTokenLookup
}

// NewAuthenticator builds an Authenticator from the agent's configured
// direct shared secret (plaintext, hashed once here) and a callback for
// resolving cluster shared tokens.
func NewAuthenticator(directSecret string, lookupCluster ClusterTokenLookup) *Authenticator {
	return &Authenticator{
		directSecretHash: sha256.Sum256([]byte(directSecret)),
		lookupCluster:    lookupCluster,
	}
}

type credentialKind int

const (
	credentialDirect credentialKind = iota
	credentialCluster
)

type credential struct {
	kind      credentialKind
	token     string
	clusterID string
}

func parseCredential(raw string) (credential, error) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) != 3 {
		return credential{}, fmt.Errorf("malformed credential")
	}
	var kind credentialKind
	switch parts[0] {
	case "direct":
		kind = credentialDirect
	case "cluster":
		kind = credentialCluster
	default:
		return credential{}, fmt.Errorf("unknown src_type %q", parts[0])
	}
	return credential{kind: kind, token: parts[1], clusterID: parts[2]}, nil
}

// Authenticate checks the incoming context's "authorization" metadata and
// returns nil on success, with env.Meta["cluster_id"] set in place to the
// authenticated cluster id (cluster credentials) or left as the caller
// supplied it (direct credentials, which must supply one explicitly for
// InterAgent calls).
func (a *Authenticator) Authenticate(ctx context.Context, env *registry.Envelope) error {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing authorization metadata")
	}
	vals := md.Get("authorization")
	if len(vals) == 0 || vals[0] == "" {
		return status.Error(codes.Unauthenticated, "missing authorization token")
	}

	cred, err := parseCredential(vals[0])
	if err != nil {
		return status.Errorf(codes.Unauthenticated, "invalid authorization token: %v", err)
	}

	switch cred.kind {
	case credentialDirect:
		return a.authenticateDirect(cred, env)
	case credentialCluster:
		return a.authenticateCluster(cred, env)
	default:
		return status.Error(codes.Unauthenticated, "invalid authorization token")
	}
}

func (a *Authenticator) authenticateDirect(cred credential, env *registry.Envelope) error {
	sum := sha256.Sum256([]byte(cred.token))
	if subtle.ConstantTimeCompare(sum[:], a.directSecretHash[:]) != 1 {
		return status.Error(codes.Unauthenticated, "invalid direct credential")
	}
	if env.Service == interAgentService {
		if env.Meta == nil || env.Meta[metaClusterID] == "" {
			return status.Error(codes.Unauthenticated, "InterAgent calls require an explicit cluster_id")
		}
	}
	return nil
}

func (a *Authenticator) authenticateCluster(cred credential, env *registry.Envelope) error {
	if env.Service != interAgentService {
		return status.Errorf(codes.PermissionDenied, "cluster credentials may only call %s", interAgentService)
	}
	want, ok := a.lookupCluster(cred.clusterID)
	if !ok {
		return status.Error(codes.Unauthenticated, "unknown cluster")
	}
	if subtle.ConstantTimeCompare([]byte(cred.token), []byte(want)) != 1 {
		return status.Error(codes.Unauthenticated, "invalid cluster credential")
	}
	if env.Meta == nil {
		env.Meta = make(map[string]string)
	}
	// Authoritative: overwrites whatever cluster_id the caller's body may
	// have carried, so a handler reading Meta can never be spoofed into
	// acting on a different cluster than the one the token authenticated.
	env.Meta[metaClusterID] = cred.clusterID
	return nil
}

// UnaryInterceptor builds the grpc.UnaryServerInterceptor used for the
// Invoke method. HealthCheck/Ping is exempt: it is a liveness probe and
// changes no state.
func (a *Authenticator) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		env, ok := req.(*registry.Envelope)
		if !ok {
			return nil, status.Error(codes.Internal, "unexpected request type")
		}
		if env.Service == "HealthCheck" {
			return handler(ctx, req)
		}
		if err := a.Authenticate(ctx, env); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}
