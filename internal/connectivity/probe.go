package connectivity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// HTTPProber treats any HTTP response from URL as reachable. Only transport
// failures count as offline.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

func (p HTTPProber) Probe(ctx context.Context) error {
	if p.URL == "" {
		return errors.New("connectivity: probe url is empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return err
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return nil
}

// GRPCProber calls the standard health service on Target. A server that does
// not implement the health service still counts as reachable.
type GRPCProber struct {
	Target  string
	Service string

	conn *grpc.ClientConn
}

func NewGRPCProber(target, service string, opts ...grpc.DialOption) (*GRPCProber, error) {
	if target == "" {
		return nil, errors.New("connectivity: grpc target is empty")
	}
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("connectivity: grpc client: %w", err)
	}
	return &GRPCProber{Target: target, Service: service, conn: conn}, nil
}

func (p *GRPCProber) Probe(ctx context.Context) error {
	resp, err := healthpb.NewHealthClient(p.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: p.Service})
	if err != nil {
		if status.Code(err) == codes.Unimplemented {
			return nil
		}
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("connectivity: %s reports %s", p.Target, resp.GetStatus())
	}
	return nil
}

func (p *GRPCProber) Close() error {
	if p == nil || p.conn == nil {
		return nil
	}
	return p.conn.Close()
}
