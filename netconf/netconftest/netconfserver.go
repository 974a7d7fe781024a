package netconftest

import (
	"context"
	"encoding/xml"
	"sync/atomic"
	"time"

	"github.com/kestrelnet/netconf/netconf/common"
	"github.com/kestrelnet/netconf/netconf/rfc6242"

	"golang.org/x/crypto/ssh"
)

// RequestHandler answers a single decoded RPC request with the raw
// <rpc-reply> body (including the envelope) to send back to the client, or
// false if the session should close without replying.
type RequestHandler func(req *RPCRequest) (reply string, ok bool)

// RPCRequest is a decoded client request as observed by a test handler.
type RPCRequest struct {
	MessageID string
	Body      string // everything inside the outer <rpc> element, e.g. "<get-config>...</get-config>"
}

// SessionFactory builds the RequestHandler for a newly-established session,
// given the capabilities advertised by the connecting client.
type SessionFactory func(clientHello *common.HelloMessage) (capabilities []string, handler RequestHandler)

// NewNetconfServer starts an SSHServer that advertises the "netconf"
// subsystem, performs the RFC 6242/6241 hello exchange for each accepted
// channel, and dispatches subsequent RPCs to the handler built by sf.
func NewNetconfServer(ctx context.Context, cfg *ssh.ServerConfig, sf SessionFactory) (*SSHServer, error) {
	var nextSid uint64
	return NewSSHServer(ctx, cfg, func(_ *ssh.ServerConn) Handler {
		sid := atomic.AddUint64(&nextSid, 1)
		return &sessionHandler{sid: sid, sf: sf}
	})
}

type sessionHandler struct {
	sid uint64
	sf  SessionFactory
}

func (h *sessionHandler) Handle(ch ssh.Channel) {
	dec := rfc6242.NewDecoder(ch)
	enc := rfc6242.NewEncoder(ch)

	serverHello := common.NewHello(common.DefaultCapabilities)
	serverHello.SessionID = h.sid
	helloBytes, err := serverHello.Emit()
	if err != nil {
		return
	}
	if err := enc.WriteMessage(helloBytes); err != nil {
		return
	}

	clientHelloBytes, err := dec.ReadMessage(time.Now().Add(5 * time.Second))
	if err != nil {
		return
	}
	clientHello, err := common.ParseHello(clientHelloBytes)
	if err != nil {
		return
	}

	_, reqHandler := h.sf(clientHello)

	for {
		reqBytes, err := dec.ReadMessage(time.Now().Add(60 * time.Second))
		if err != nil {
			return
		}

		req := parseRequest(reqBytes)
		if req == nil {
			continue
		}

		reply, ok := reqHandler(req)
		if !ok {
			return
		}

		if err := enc.WriteMessage([]byte(reply)); err != nil {
			return
		}
	}
}

// rawRequest mirrors the shape of an <rpc> element closely enough to pull
// out the message-id and the inner operation body without knowing the
// operation's element type in advance.
type rawRequest struct {
	XMLName   xml.Name `xml:"rpc"`
	MessageID string   `xml:"message-id,attr"`
	Body      string   `xml:",innerxml"`
}

func parseRequest(data []byte) *RPCRequest {
	var raw rawRequest
	if err := xml.Unmarshal(data, &raw); err != nil {
		return nil
	}
	return &RPCRequest{MessageID: raw.MessageID, Body: raw.Body}
}
