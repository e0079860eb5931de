package ldbus

import "context"

type callContextKey struct{}

func withContextCall(ctx context.Context, call *Message) context.Context {
	return context.WithValue(ctx, callContextKey{}, call)
}

// ContextCall returns the method call being handled, in the context
// passed to a [HandlerFunc].
func ContextCall(ctx context.Context) (*Message, bool) {
	ret, ok := ctx.Value(callContextKey{}).(*Message)
	return ret, ok && ret != nil
}

type connContextKey struct{}

func withContextConn(ctx context.Context, c *Conn) context.Context {
	return context.WithValue(ctx, connContextKey{}, c)
}

// ContextConn returns the connection that received the method call
// being handled, in the context passed to a [HandlerFunc].
func ContextConn(ctx context.Context) (*Conn, bool) {
	ret, ok := ctx.Value(connContextKey{}).(*Conn)
	return ret, ok && ret != nil
}
