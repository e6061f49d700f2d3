package transport

import (
	"context"
	"errors"
	"net"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/neo4j/neo4j-sub063/internal/ha"
	"github.com/neo4j/neo4j-sub063/internal/haerr"
	"github.com/neo4j/neo4j-sub063/internal/logging"
	"github.com/neo4j/neo4j-sub063/internal/txlog"
)

const (
	clusterServiceName = "ha.Cluster"
	haServiceName      = "ha.HA"
)

// unary builds the descriptor of a unary method whose request decodes into Req
func unary[Req any, Handler any](service, method string,
	call func(h Handler, ctx context.Context, req *Req) (any, error)) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error,
			interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, r any) (any, error) {
				resp, err := call(srv.(Handler), ctx, r.(*Req))
				return resp, toStatus(err)
			}
			if interceptor == nil {
				return handler(ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, req, info, handler)
		},
	}
}

var clusterServiceDesc = grpc.ServiceDesc{
	ServiceName: clusterServiceName,
	HandlerType: (*ha.ClusterHandler)(nil),
	Methods: []grpc.MethodDesc{
		unary(clusterServiceName, "Heartbeat",
			func(h ha.ClusterHandler, ctx context.Context, req *heartbeatRequest) (any, error) {
				return &empty{}, h.HandleHeartbeat(ctx, req.Heartbeat)
			}),
		unary(clusterServiceName, "Prepare",
			func(h ha.ClusterHandler, ctx context.Context, req *prepareRequest) (any, error) {
				promise, err := h.HandlePrepare(ctx, req.Request)
				return &prepareResponse{Promise: promise}, err
			}),
		unary(clusterServiceName, "Accept",
			func(h ha.ClusterHandler, ctx context.Context, req *acceptRequest) (any, error) {
				accepted, err := h.HandleAccept(ctx, req.Request)
				return &acceptResponse{Accepted: accepted}, err
			}),
		unary(clusterServiceName, "Learn",
			func(h ha.ClusterHandler, ctx context.Context, req *learnRequest) (any, error) {
				return &empty{}, h.HandleLearn(ctx, req.Request)
			}),
	},
}

var haServiceDesc = grpc.ServiceDesc{
	ServiceName: haServiceName,
	HandlerType: (*ha.HAHandler)(nil),
	Methods: []grpc.MethodDesc{
		unary(haServiceName, "Commit",
			func(h ha.HAHandler, ctx context.Context, req *commitRequest) (any, error) {
				resp, err := h.Commit(ctx, req.Context, req.Commands)
				return toWire(resp), err
			}),
		unary(haServiceName, "PullUpdates",
			func(h ha.HAHandler, ctx context.Context, req *pullRequest) (any, error) {
				resp, err := h.PullUpdates(ctx, req.Context)
				return toWire(resp), err
			}),
		unary(haServiceName, "AllocateIDs",
			func(h ha.HAHandler, ctx context.Context, req *allocateIDsRequest) (any, error) {
				resp, err := h.AllocateIDs(ctx, req.Context, req.IDType)
				return toWire(resp), err
			}),
		unary(haServiceName, "CreateToken",
			func(h ha.HAHandler, ctx context.Context, req *createTokenRequest) (any, error) {
				resp, err := h.CreateToken(ctx, req.Context, req.Kind, req.Name)
				return toWire(resp), err
			}),
		unary(haServiceName, "PushTransaction",
			func(h ha.HAHandler, ctx context.Context, req *pushRequest) (any, error) {
				tx, err := txlog.Decode(req.Transaction)
				if err != nil {
					return nil, haerr.NewFatal("push transaction", err)
				}
				return &empty{}, h.HandlePushTransaction(ctx, req.Context, tx)
			}),
		unary(haServiceName, "CopyTransactions",
			func(h ha.HAHandler, ctx context.Context, req *pullRequest) (any, error) {
				resp, err := h.CopyTransactions(ctx, req.Context)
				return toWire(resp), err
			}),
	},
}

// Server serves the cluster service and the HA service of one instance, each on its own listener
type Server struct {
	cluster *grpc.Server
	ha      *grpc.Server
	logger  logging.Logger
}

func NewServer(clusterHandler ha.ClusterHandler, haHandler ha.HAHandler, logger logging.Logger,
	opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Server{logger: logger}

	opts = append(opts, grpc.ChainUnaryInterceptor(s.intercept))
	s.cluster = grpc.NewServer(opts...)
	s.cluster.RegisterService(&clusterServiceDesc, clusterHandler)
	s.ha = grpc.NewServer(opts...)
	s.ha.RegisterService(&haServiceDesc, haHandler)
	return s
}

// intercept makes the caller id available to handlers and logs failed calls
func (s *Server) intercept(ctx context.Context, req any, info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler) (any, error) {
	ctx = withIncomingCaller(ctx)
	resp, err := handler(ctx, req)
	if err != nil {
		caller, _ := Caller(ctx)
		s.logger.Debugf("[Transport] %s from instance %d failed: %v", info.FullMethod, caller, err)
	}
	return resp, err
}

// Serve blocks serving the cluster service on clusterLis and the HA service on haLis until Stop is called or one
// of them fails
func (s *Server) Serve(clusterLis, haLis net.Listener) error {
	var g errgroup.Group
	g.Go(func() error {
		s.logger.Infof("[Transport] Cluster service listening on %s", clusterLis.Addr())
		err := s.cluster.Serve(clusterLis)
		if err != nil {
			s.ha.Stop()
		}
		return err
	})
	g.Go(func() error {
		s.logger.Infof("[Transport] HA service listening on %s", haLis.Addr())
		err := s.ha.Serve(haLis)
		if err != nil {
			s.cluster.Stop()
		}
		return err
	})

	err := g.Wait()
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Stop stops both services after in-flight calls completed
func (s *Server) Stop() {
	s.cluster.GracefulStop()
	s.ha.GracefulStop()
}
