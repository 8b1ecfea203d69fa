// Package rpcserver is the agent's RPC server: a single gRPC method
// Invoke carrying a registry.Envelope, one streaming method Listen for
// Job/Listen, mTLS transport security, and the authentication +
// async-job interceptor chain.
package rpcserver

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/tanmoysrt/rdsagent/pkg/registry"
)

// Server wraps a configured *grpc.Server exposing the Invoke/Listen pair.
type Server struct {
	grpc *grpc.Server
	lis  net.Listener
}

// Config bundles the mTLS material and collaborators a Server needs.
type Config struct {
	Addr           string
	Cert           tls.Certificate
	ClientCAs      *x509.CertPool
	Table          *registry.Table
	Jobs           ListenSource
	Authenticator  *Authenticator
	AsyncInterceptor *AsyncInterceptor
}

// New builds a Server and binds its listener; call Serve to start
// accepting RPCs.
func New(cfg Config) (*Server, error) {
	tlsConfig := &tls.Config{
		ClientAuth:   tls.RequireAndVerifyClientCert,
		Certificates: []tls.Certificate{cfg.Cert},
		ClientCAs:    cfg.ClientCAs,
		MinVersion:   tls.VersionTLS13,
	}
	creds := credentials.NewTLS(tlsConfig)

	grpcServer := grpc.NewServer(
		grpc.Creds(creds),
		grpc.ChainUnaryInterceptor(
			cfg.Authenticator.UnaryInterceptor(),
			cfg.AsyncInterceptor.UnaryInterceptor(),
		),
	)
	grpcServer.RegisterService(&serviceDesc, &agentServer{table: cfg.Table, jobs: cfg.Jobs, auth: cfg.Authenticator})

	lis, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("rpcserver: listen on %s: %w", cfg.Addr, err)
	}

	return &Server{grpc: grpcServer, lis: lis}, nil
}

// Serve blocks, serving RPCs until Stop is called or the listener fails.
func (s *Server) Serve() error {
	return s.grpc.Serve(s.lis)
}

// Stop gracefully stops the server, waiting for in-flight RPCs to finish.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

// Addr returns the listener's bound address, useful when Config.Addr used
// port 0 (tests).
func (s *Server) Addr() string {
	return s.lis.Addr().String()
}
