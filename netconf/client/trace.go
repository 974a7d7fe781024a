package client

import (
	"context"
	"log"
	"time"

	"github.com/kestrelnet/netconf/netconf/common"

	"github.com/imdario/mergo"
	"golang.org/x/crypto/ssh"
)

// unique type to prevent assignment.
type clientEventContextKey struct{}

// ContextClientTrace returns the Trace associated with the provided
// context. If none was attached, it returns NoOpLoggingHooks.
func ContextClientTrace(ctx context.Context) *ClientTrace {
	trace, _ := ctx.Value(clientEventContextKey{}).(*ClientTrace)
	if trace == nil {
		trace = NoOpLoggingHooks
	} else {
		_ = mergo.Merge(trace, NoOpLoggingHooks)
	}
	return trace
}

// WithClientTrace returns a new context based on the provided parent ctx.
// Session operations made with the returned context will invoke the
// supplied trace hooks.
func WithClientTrace(ctx context.Context, trace *ClientTrace) context.Context {
	return context.WithValue(ctx, clientEventContextKey{}, trace)
}

// ClientTrace defines hooks invoked at various points of a session's
// lifecycle, for logging or metrics collection.
type ClientTrace struct {
	// ConnectStart is called when starting to create a session to a remote server.
	ConnectStart func(target string)

	// ConnectDone is called when the transport connection attempt completes.
	ConnectDone func(target string, err error, d time.Duration)

	// DialStart is called when starting to dial a remote server.
	DialStart func(clientConfig *ssh.ClientConfig, target string)

	// DialDone is called when dial completes.
	DialDone func(clientConfig *ssh.ClientConfig, target string, err error, d time.Duration)

	// HelloDone is called when the hello message has been received from the server.
	HelloDone func(msg *common.HelloMessage)

	// ConnectionClosed is called after a transport connection has been closed.
	ConnectionClosed func(target string, err error)

	// ReadStart is called before a read from the underlying transport.
	ReadStart func(buf []byte)

	// ReadDone is called after a read from the underlying transport.
	ReadDone func(buf []byte, c int, err error, d time.Duration)

	// WriteStart is called before a write to the underlying transport.
	WriteStart func(buf []byte)

	// WriteDone is called after a write to the underlying transport.
	WriteDone func(buf []byte, c int, err error, d time.Duration)

	// Error is called after an error condition has been detected.
	Error func(context, target string, err error)

	// ExecuteStart is called before the execution of an rpc request.
	ExecuteStart func(req common.Request)

	// ExecuteDone is called after the execution of an rpc request.
	ExecuteDone func(req common.Request, res *common.RPCReply, err error, d time.Duration)

	// StateChange is called whenever the session's state machine transitions.
	StateChange func(target string, from, to string)
}

// DefaultLoggingHooks reports only errors.
var DefaultLoggingHooks = &ClientTrace{
	Error: func(context, target string, err error) {
		log.Printf("NETCONF-Error context:%s target:%s err:%v\n", context, target, err)
	},
}

// MetricLoggingHooks logs timing for the main network operations.
var MetricLoggingHooks = &ClientTrace{
	ConnectDone: func(target string, err error, d time.Duration) {
		log.Printf("NETCONF-ConnectDone target:%s err:%v took:%dms\n", target, err, d.Milliseconds())
	},
	DialDone: func(clientConfig *ssh.ClientConfig, target string, err error, d time.Duration) {
		log.Printf("NETCONF-DialDone target:%s config:%v err:%v took:%dms\n", target, clientConfig, err, d.Milliseconds())
	},
	ReadDone: func(p []byte, c int, err error, d time.Duration) {
		log.Printf("NETCONF-ReadDone len:%d err:%v took:%dms\n", c, err, d.Milliseconds())
	},
	WriteDone: func(p []byte, c int, err error, d time.Duration) {
		log.Printf("NETCONF-WriteDone len:%d err:%v took:%dms\n", c, err, d.Milliseconds())
	},

	Error: DefaultLoggingHooks.Error,

	ExecuteDone: func(req common.Request, res *common.RPCReply, err error, d time.Duration) {
		log.Printf("NETCONF-ExecuteDone err:%v took:%dms\n", err, d.Milliseconds())
	},
}

// DiagnosticLoggingHooks logs every lifecycle event, verbose enough for
// protocol-level debugging.
var DiagnosticLoggingHooks = &ClientTrace{
	ConnectStart: func(target string) {
		log.Printf("NETCONF-ConnectStart target:%s\n", target)
	},
	ConnectDone: MetricLoggingHooks.ConnectDone,
	DialStart: func(clientConfig *ssh.ClientConfig, target string) {
		log.Printf("NETCONF-DialStart target:%s config:%v\n", target, clientConfig)
	},
	DialDone: MetricLoggingHooks.DialDone,
	ConnectionClosed: func(target string, err error) {
		log.Printf("NETCONF-ConnectionClosed target:%s err:%v\n", target, err)
	},
	ReadStart: func(p []byte) {
		log.Printf("NETCONF-ReadStart capacity:%d\n", len(p))
	},
	ReadDone: MetricLoggingHooks.ReadDone,
	WriteStart: func(p []byte) {
		log.Printf("NETCONF-WriteStart len:%d\n", len(p))
	},
	WriteDone: MetricLoggingHooks.WriteDone,

	Error: DefaultLoggingHooks.Error,

	ExecuteStart: func(req common.Request) {
		log.Printf("NETCONF-ExecuteStart req:%s\n", req)
	},
	ExecuteDone: func(req common.Request, res *common.RPCReply, err error, d time.Duration) {
		log.Printf("NETCONF-ExecuteDone req:%s err:%v took:%dms\n", req, err, d.Milliseconds())
	},
	StateChange: func(target, from, to string) {
		log.Printf("NETCONF-StateChange target:%s %s->%s\n", target, from, to)
	},
}

// NoOpLoggingHooks does nothing; it is the base every other hook set is
// merged onto so that a caller may supply a partial ClientTrace.
var NoOpLoggingHooks = &ClientTrace{
	ConnectStart:     func(target string) {},
	ConnectDone:      func(target string, err error, d time.Duration) {},
	DialStart:        func(clientConfig *ssh.ClientConfig, target string) {},
	DialDone:         func(clientConfig *ssh.ClientConfig, target string, err error, d time.Duration) {},
	ConnectionClosed: func(target string, err error) {},
	HelloDone:        func(msg *common.HelloMessage) {},
	ReadStart:        func(p []byte) {},
	ReadDone:         func(p []byte, c int, err error, d time.Duration) {},

	WriteStart: func(p []byte) {},
	WriteDone:  func(p []byte, c int, err error, d time.Duration) {},

	Error:        func(context, target string, err error) {},
	ExecuteStart: func(req common.Request) {},
	ExecuteDone:  func(req common.Request, res *common.RPCReply, err error, d time.Duration) {},
	StateChange:  func(target, from, to string) {},
}
