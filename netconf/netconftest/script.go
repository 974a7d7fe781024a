package netconftest

import (
	"fmt"

	"github.com/kestrelnet/netconf/netconf/common"
)

// ScriptedFactory builds a SessionFactory that replies to each RPC in the
// order received, regardless of its content, using the canned rpc-reply
// bodies in replies. Each entry is the content to place inside <rpc-reply
// message-id="...">...</rpc-reply>; the message-id is substituted
// automatically from the inbound request. When replies is exhausted, the
// session closes without replying.
func ScriptedFactory(replies []string) SessionFactory {
	return func(_ *common.HelloMessage) (caps []string, handler RequestHandler) {
		idx := 0
		return nil, func(req *RPCRequest) (string, bool) {
			if idx >= len(replies) {
				return "", false
			}
			body := replies[idx]
			idx++
			return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>`+
				`<rpc-reply xmlns="urn:ietf:params:xml:ns:netconf:base:1.0" message-id=%q>%s</rpc-reply>`,
				req.MessageID, body), true
		}
	}
}

// OKReply is the canned body for a successful, dataless rpc-reply.
const OKReply = "<ok/>"
