// Package common defines the wire-level message types shared by the session
// transport and the higher-level device facade: the <hello> exchange, the
// <rpc>/<rpc-reply> envelope, and the RFC 6241 §4.3 rpc-error model.
package common

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// Request represents the body of a Netconf RPC request, either a raw XML
// fragment or a bare operation name to be wrapped in an <rpc> envelope by
// the Session Engine.
type Request string

// Capability is an RFC 3986 URI naming a feature advertised by a peer.
// Construction is the only place a capability is validated; once held by a
// HelloMessage it is treated as an opaque, immutable string.
type Capability string

// ParseCapability validates that value is a syntactically well-formed URI,
// per the Capability URI invariant in the data model.
func ParseCapability(value string) (Capability, error) {
	if strings.TrimSpace(value) == "" {
		return "", errors.New("capability: empty URI")
	}
	if _, err := url.Parse(value); err != nil {
		return "", errors.Wrapf(err, "capability: invalid URI %q", value)
	}
	return Capability(value), nil
}

// HelloMessage defines the message sent/received during session negotiation.
type HelloMessage struct {
	XMLName      xml.Name `xml:"urn:ietf:params:xml:ns:netconf:base:1.0 hello"`
	Capabilities []string `xml:"capabilities>capability"`
	SessionID    uint64   `xml:"session-id,omitempty"`
}

// NewHello builds a client hello advertising caps in insertion order. If caps
// is empty, CapBase11 is injected so the hello is never empty.
func NewHello(caps []string) *HelloMessage {
	if len(caps) == 0 {
		caps = []string{CapBase11}
	}
	cp := make([]string, len(caps))
	copy(cp, caps)
	return &HelloMessage{Capabilities: cp}
}

// ParseHello decodes a <hello> element from raw XML, tolerating both the
// default-namespace and explicitly-prefixed forms. It refuses a DOCTYPE
// declaration and disables external entity resolution (XXE defence).
func ParseHello(data []byte) (*HelloMessage, error) {
	if bytes.Contains(data, []byte("<!DOCTYPE")) {
		return nil, errors.New("hello: DOCTYPE declarations are not permitted")
	}
	if !utf8.Valid(data) {
		return nil, errors.New("hello: input is not valid UTF-8")
	}

	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = true
	dec.Entity = nil

	hello := &HelloMessage{}
	if err := dec.Decode(hello); err != nil {
		return nil, errors.Wrap(err, "hello: malformed XML")
	}
	return hello, nil
}

// Emit serialises the hello to a well-formed <hello> document carrying the
// NETCONF base:1.0 namespace.
func (h *HelloMessage) Emit() ([]byte, error) {
	out, err := xml.Marshal(h)
	if err != nil {
		return nil, errors.Wrap(err, "hello: marshal failed")
	}
	return out, nil
}

// RPCMessage defines an outbound <rpc> request envelope.
type RPCMessage struct {
	XMLName   xml.Name `xml:"urn:ietf:params:xml:ns:netconf:base:1.0 rpc"`
	MessageID string   `xml:"message-id,attr"`
	Body      []byte   `xml:",innerxml"`
}

// RPCReply is the union of the three reply shapes described by the data
// model: ok, an error-list, or an opaque data subtree. Predicates hasError /
// hasWarning / isOK classify a decoded reply.
type RPCReply struct {
	XMLName   xml.Name   `xml:"rpc-reply"`
	Errors    []RPCError `xml:"rpc-error,omitempty"`
	Data      string     `xml:",innerxml"`
	Ok        *struct{}  `xml:"ok"`
	RawReply  string     `xml:"-"`
	MessageID string     `xml:"message-id,attr"`
}

// ParseRPCReply decodes an <rpc-reply>, tolerating a trailing RFC 6242 §4.1
// framing delimiter on the wire and rejecting non-UTF-8 input.
func ParseRPCReply(data []byte) (*RPCReply, error) {
	if !utf8.Valid(data) {
		return nil, errors.New("rpc-reply: input is not valid UTF-8")
	}
	trimmed := bytes.TrimSuffix(bytes.TrimSpace(data), []byte("]]>]]>"))

	dec := xml.NewDecoder(bytes.NewReader(trimmed))
	dec.Strict = true
	dec.Entity = nil

	reply := &RPCReply{}
	if err := dec.Decode(reply); err != nil {
		return nil, errors.Wrap(err, "rpc-reply: malformed XML")
	}
	reply.RawReply = string(trimmed)
	return reply, nil
}

// IsOK reports whether the reply carries a bare <ok/> element.
func (r *RPCReply) IsOK() bool {
	return r.Ok != nil
}

// HasError reports whether any rpc-error in the reply has severity=error.
func (r *RPCReply) HasError() bool {
	for i := range r.Errors {
		if r.Errors[i].Severity == SeverityError {
			return true
		}
	}
	return false
}

// HasWarning reports whether any rpc-error in the reply has severity=warning.
func (r *RPCReply) HasWarning() bool {
	for i := range r.Errors {
		if r.Errors[i].Severity == SeverityWarning {
			return true
		}
	}
	return false
}

// HasErrorOrWarning is a convenience predicate combining HasError and HasWarning.
func (r *RPCReply) HasErrorOrWarning() bool {
	return r.HasError() || r.HasWarning()
}

// FirstError returns the first severity=error rpc-error, or nil if there is none.
func (r *RPCReply) FirstError() *RPCError {
	for i := range r.Errors {
		if r.Errors[i].Severity == SeverityError {
			return &r.Errors[i]
		}
	}
	return nil
}

// RPCErrorInfo carries the optional structured children of error-info,
// RFC 6241 §4.3. Fields are populated on a best-effort basis; absent
// elements are left as the empty string.
type RPCErrorInfo struct {
	BadAttribute string `xml:"bad-attribute"`
	BadElement   string `xml:"bad-element"`
	BadNamespace string `xml:"bad-namespace"`
	SessionID    string `xml:"session-id"`
	OKElement    string `xml:"ok-element"`
	ErrElement   string `xml:"err-element"`
	NoopElement  string `xml:"noop-element"`
	Raw          string `xml:",innerxml"`
}

// RPCErrorMessage carries the error-message element's text along with its
// optional xml:lang attribute, RFC 6241 §4.3.
type RPCErrorMessage struct {
	Lang string `xml:"http://www.w3.org/XML/1998/namespace lang,attr,omitempty"`
	Text string `xml:",chardata"`
}

// RPCError defines an error or warning reply to an RPC request, RFC 6241 §4.3.
type RPCError struct {
	Type     string          `xml:"error-type"`
	Tag      string          `xml:"error-tag"`
	Severity string          `xml:"error-severity"`
	Path     string          `xml:"error-path,omitempty"`
	Message  RPCErrorMessage `xml:"error-message"`
	Info     RPCErrorInfo    `xml:"error-info"`
}

// Error implements the error interface.
func (re *RPCError) Error() string {
	return fmt.Sprintf("netconf rpc [%s] '%s'", re.Severity, strings.TrimSpace(re.Message.Text))
}

// NormalizedTag returns re.Tag if it is one of the canonical RFC 6241 §A.3
// values, or "unknown" otherwise. Parsing never fails on an unrecognised tag;
// this is the tolerance point.
func (re *RPCError) NormalizedTag() string {
	if knownErrorTags[re.Tag] {
		return re.Tag
	}
	return "unknown"
}

var knownErrorTags = map[string]bool{
	"in-use":                  true,
	"invalid-value":           true,
	"too-big":                 true,
	"missing-attribute":       true,
	"bad-attribute":           true,
	"unknown-attribute":       true,
	"missing-element":         true,
	"bad-element":             true,
	"unknown-element":         true,
	"unknown-namespace":       true,
	"access-denied":           true,
	"lock-denied":             true,
	"resource-denied":         true,
	"rollback-failed":         true,
	"data-exists":             true,
	"data-missing":            true,
	"operation-not-supported": true,
	"operation-failed":        true,
	"partial-operation":       true,
	"malformed-message":       true,
}

// Error type and severity enumerations, RFC 6241 §4.3.
const (
	ErrorTypeTransport  = "transport"
	ErrorTypeRPC        = "rpc"
	ErrorTypeProtocol   = "protocol"
	ErrorTypeApplication = "application"

	SeverityError   = "error"
	SeverityWarning = "warning"
)

// LoadConfigurationResults is the Juniper-specific reply subtype returned by
// <load-configuration>, carrying an extra action attribute alongside the
// usual ok/error body. It is parsed and emitted losslessly.
type LoadConfigurationResults struct {
	XMLName xml.Name   `xml:"load-configuration-results"`
	Action  string     `xml:"action,attr,omitempty"`
	Ok      *struct{}  `xml:"ok"`
	Errors  []RPCError `xml:"rpc-error,omitempty"`
}

// Notification defines a specific notification event delivered outside the
// request/reply cycle. The Session Engine does not subscribe to or deliver
// notifications; the type is a wire model only.
type Notification struct {
	XMLName   xml.Name
	EventTime string
	Event     string `xml:",innerxml"`
}

// NotificationMessage defines the notification message sent from the server.
type NotificationMessage struct {
	XMLName   xml.Name
	EventTime string       `xml:"eventTime"`
	Event     Notification `xml:",any"`
}

// DefaultCapabilities lists the capabilities a Device advertises when the
// caller supplies none of its own.
var DefaultCapabilities = []string{
	CapBase10,
	CapCandidate,
	CapConfirmedCommit,
	CapValidate,
	CapURL,
}

// Define xml names for different netconf messages.
var (
	NameHello        = xml.Name{Space: NetconfNS, Local: "hello"}
	NameRPC          = xml.Name{Space: NetconfNS, Local: "rpc"}
	NameRPCReply     = xml.Name{Space: NetconfNS, Local: "rpc-reply"}
	NameNotification = xml.Name{Space: NetconfNotifyNS, Local: "notification"}
)

// Define netconf URNs and well-known capability URIs.
const (
	NetconfNS       = "urn:ietf:params:xml:ns:netconf:base:1.0"
	NetconfNotifyNS = "urn:ietf:params:xml:ns:netconf:notification:1.0"

	CapBase10          = "urn:ietf:params:netconf:base:1.0"
	CapBase11          = "urn:ietf:params:netconf:base:1.1"
	CapCandidate       = "urn:ietf:params:netconf:capability:candidate:1.0"
	CapConfirmedCommit = "urn:ietf:params:netconf:capability:confirmed-commit:1.0"
	CapValidate        = "urn:ietf:params:netconf:capability:validate:1.0"
	CapURL             = "urn:ietf:params:netconf:capability:url:1.0?protocol=http,ftp,file"
	CapXPath           = "urn:ietf:params:netconf:capability:xpath:1.0"
)

// PeerSupportsChunkedFraming returns true if capability list indicates
// support for RFC 6242 §4.2 chunked framing. The client library never
// advertises this capability and never switches codecs on it; the predicate
// exists so a caller inspecting a peer's hello can detect the mismatch.
func PeerSupportsChunkedFraming(caps []string) bool {
	for _, capability := range caps {
		if capability == CapBase11 {
			return true
		}
	}
	return false
}
