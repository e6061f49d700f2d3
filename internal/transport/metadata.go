package transport

import (
	"context"
	"fmt"
	"strconv"

	"google.golang.org/grpc/metadata"

	"github.com/neo4j/neo4j-sub063/internal/cluster"
)

// callerHeader carries the id of the calling instance in the request metadata
const callerHeader = "ha-caller-id"

// ctxKey is a context key that only holds values of type T
type ctxKey[T any] struct {
	name string
}

func (k ctxKey[T]) String() string {
	return fmt.Sprintf("ctxKey[%T](%s)", *new(T), k.name)
}

func (k ctxKey[T]) with(ctx context.Context, value T) context.Context {
	return context.WithValue(ctx, k, value)
}

func (k ctxKey[T]) from(ctx context.Context) (T, bool) {
	v, ok := ctx.Value(k).(T)
	return v, ok
}

var callerKey = ctxKey[cluster.InstanceID]{name: "caller"}

// Caller returns the id of the instance that made the request being served
func Caller(ctx context.Context) (cluster.InstanceID, bool) {
	return callerKey.from(ctx)
}

func withOutgoingCaller(ctx context.Context, self cluster.InstanceID) context.Context {
	return metadata.AppendToOutgoingContext(ctx, callerHeader, strconv.Itoa(int(self)))
}

// withIncomingCaller copies the caller id from the request metadata into ctx
func withIncomingCaller(ctx context.Context) context.Context {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx
	}
	values := md.Get(callerHeader)
	if len(values) == 0 {
		return ctx
	}
	id, err := strconv.Atoi(values[0])
	if err != nil {
		return ctx
	}
	return callerKey.with(ctx, cluster.InstanceID(id))
}
