package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/neo4j/neo4j-sub063/internal/cluster"
	"github.com/neo4j/neo4j-sub063/internal/election"
	"github.com/neo4j/neo4j-sub063/internal/ha"
	"github.com/neo4j/neo4j-sub063/internal/logging"
	"github.com/neo4j/neo4j-sub063/internal/txlog"
)

// DefaultRPCTimeout bounds a single call when the caller's context has no earlier deadline
const DefaultRPCTimeout = 5 * time.Second

type ClientConfig struct {
	// Self is sent along with every call so that servers can tell who is calling
	Self    cluster.InstanceID
	Timeout time.Duration
	// Resolver maps advertised addresses to dial addresses. A fresh Resolver is used when nil.
	Resolver    *Resolver
	DialOptions []grpc.DialOption
	Logger      logging.Logger
}

// Client implements ha.Network over gRPC. It keeps one connection per remote address.
type Client struct {
	config ClientConfig
	// A map to store the underlying grpc.ClientConn for each address. sync.Map is optimized for the read mostly
	// access pattern of a connection pool.
	connPool *sync.Map
	// Serializes connection creation so every address gets exactly one connection
	dialMu sync.Mutex
	logger logging.Logger
}

var _ ha.Network = (*Client)(nil)

func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRPCTimeout
	}
	if cfg.Resolver == nil {
		cfg.Resolver = NewResolver()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	return &Client{config: cfg, connPool: &sync.Map{}, logger: cfg.Logger}
}

// getClientConn returns the pooled connection to addr, creating it on first use. Creating a connection does not
// connect; failures to reach addr surface on the first call.
func (c *Client) getClientConn(addr string) (*grpc.ClientConn, error) {
	if conn, ok := c.connPool.Load(addr); ok {
		return conn.(*grpc.ClientConn), nil
	}

	c.dialMu.Lock()
	defer c.dialMu.Unlock()
	if conn, ok := c.connPool.Load(addr); ok {
		return conn.(*grpc.ClientConn), nil
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithResolvers(c.config.Resolver),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, c.config.DialOptions...)

	conn, err := grpc.NewClient(fmt.Sprintf("%s:///%s", scheme, addr), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed establishing a gRPC channel to %s: %w", addr, err)
	}
	c.connPool.Store(addr, conn)
	c.logger.Debugf("[Transport] Opened channel to %s", addr)
	return conn, nil
}

// invoke makes one call of method on addr
func invoke[Resp any](c *Client, ctx context.Context, addr, op, method string, req any) (*Resp, error) {
	conn, err := c.getClientConn(addr)
	if err != nil {
		return nil, fromStatus(op, addr, err)
	}

	rpcCtx, cancel := context.WithTimeout(withOutgoingCaller(ctx, c.config.Self), c.config.Timeout)
	defer cancel()

	resp := new(Resp)
	if err := conn.Invoke(rpcCtx, method, req, resp); err != nil {
		return nil, fromStatus(op, addr, err)
	}
	return resp, nil
}

func (c *Client) SendHeartbeat(ctx context.Context, addr string, hb cluster.Heartbeat) error {
	_, err := invoke[empty](c, ctx, addr, "heartbeat", "/ha.Cluster/Heartbeat", &heartbeatRequest{Heartbeat: hb})
	return err
}

func (c *Client) Prepare(ctx context.Context, addr string, req election.PrepareRequest) (election.Promise, error) {
	resp, err := invoke[prepareResponse](c, ctx, addr, "prepare", "/ha.Cluster/Prepare",
		&prepareRequest{Request: req})
	if err != nil {
		return election.Promise{}, err
	}
	return resp.Promise, nil
}

func (c *Client) Accept(ctx context.Context, addr string, req election.AcceptRequest) (election.Accepted, error) {
	resp, err := invoke[acceptResponse](c, ctx, addr, "accept", "/ha.Cluster/Accept", &acceptRequest{Request: req})
	if err != nil {
		return election.Accepted{}, err
	}
	return resp.Accepted, nil
}

func (c *Client) Learn(ctx context.Context, addr string, req election.LearnRequest) error {
	_, err := invoke[empty](c, ctx, addr, "learn", "/ha.Cluster/Learn", &learnRequest{Request: req})
	return err
}

func (c *Client) Commit(ctx context.Context, addr string, rc ha.RequestContext,
	commands []txlog.Command) (ha.Response[uint64], error) {
	resp, err := invoke[response[uint64]](c, ctx, addr, "commit", "/ha.HA/Commit",
		&commitRequest{Context: rc, Commands: commands})
	if err != nil {
		return ha.Response[uint64]{}, err
	}
	return fromWire("commit", resp)
}

func (c *Client) PullUpdates(ctx context.Context, addr string, rc ha.RequestContext) (ha.Response[struct{}], error) {
	resp, err := invoke[response[struct{}]](c, ctx, addr, "pull updates", "/ha.HA/PullUpdates",
		&pullRequest{Context: rc})
	if err != nil {
		return ha.Response[struct{}]{}, err
	}
	return fromWire("pull updates", resp)
}

func (c *Client) AllocateIDs(ctx context.Context, addr string, rc ha.RequestContext,
	idType ha.IDType) (ha.Response[ha.IDRange], error) {
	resp, err := invoke[response[ha.IDRange]](c, ctx, addr, "allocate ids", "/ha.HA/AllocateIDs",
		&allocateIDsRequest{Context: rc, IDType: idType})
	if err != nil {
		return ha.Response[ha.IDRange]{}, err
	}
	return fromWire("allocate ids", resp)
}

func (c *Client) CreateToken(ctx context.Context, addr string, rc ha.RequestContext, kind txlog.TokenKind,
	name string) (ha.Response[uint64], error) {
	resp, err := invoke[response[uint64]](c, ctx, addr, "create token", "/ha.HA/CreateToken",
		&createTokenRequest{Context: rc, Kind: kind, Name: name})
	if err != nil {
		return ha.Response[uint64]{}, err
	}
	return fromWire("create token", resp)
}

func (c *Client) PushTransaction(ctx context.Context, addr string, rc ha.RequestContext,
	tx txlog.Transaction) error {
	_, err := invoke[empty](c, ctx, addr, "push transaction", "/ha.HA/PushTransaction",
		&pushRequest{Context: rc, Transaction: txlog.Encode(tx)})
	return err
}

func (c *Client) CopyTransactions(ctx context.Context, addr string,
	rc ha.RequestContext) (ha.Response[struct{}], error) {
	resp, err := invoke[response[struct{}]](c, ctx, addr, "copy transactions", "/ha.HA/CopyTransactions",
		&pullRequest{Context: rc})
	if err != nil {
		return ha.Response[struct{}]{}, err
	}
	return fromWire("copy transactions", resp)
}

// Close closes every pooled connection
func (c *Client) Close() {
	c.connPool.Range(func(key, value any) bool {
		if conn, ok := value.(*grpc.ClientConn); ok {
			if err := conn.Close(); err != nil {
				c.logger.Warnf("[Transport] Failed to close connection to %s: %v", key, err)
			}
		}
		c.connPool.Delete(key)
		return true
	})
}
