package client

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kestrelnet/netconf/netconf/common"
	"github.com/kestrelnet/netconf/netconf/ncerrors"
	"github.com/kestrelnet/netconf/netconf/rfc6242"
	"github.com/kestrelnet/netconf/netconf/xmlutil"

	"github.com/google/uuid"
)

// State names the Session Engine's lifecycle position. All RPC operations
// require State == Ready and fail with a NOT-CONNECTED error otherwise.
type State string

const (
	StateIdle         State = "IDLE"
	StateConnecting   State = "CONNECTING"
	StateHelloPending State = "HELLO_PENDING"
	StateReady        State = "READY"
	StateClosed       State = "CLOSED"
	StateFailed       State = "FAILED"
)

const (
	syntaxErrorSignal = "netconf error: syntax error"
	xmlDeclaration    = `<?xml version="1.0" encoding="utf-8"?>`
)

// datastore names accepted by getData, case-insensitive on input, lowercase
// on the wire.
var validDatastores = map[string]bool{
	"running":     true,
	"candidate":   true,
	"startup":     true,
	"intended":    true,
	"operational": true,
}

// Session represents a single attached, capability-negotiated NETCONF
// session. A Session serializes at most one outstanding RPC; it is not
// safe for concurrent callers.
type Session interface {
	// ExecuteRpc normalizes payload, sends it, awaits the reply under the
	// session's command-timeout, and returns an XML cursor on the parsed
	// <rpc-reply> document (a nil cursor when the reply has no content).
	ExecuteRpc(payload string) (xmlutil.Cursor, error)

	// ExecuteRpcStreaming normalizes and sends payload, then returns a
	// line-oriented reader over the subsystem output. The caller owns
	// timeout enforcement and draining of the reader.
	ExecuteRpcStreaming(payload string) (*bufio.Reader, error)

	LockConfig(target string) (bool, error)
	UnlockConfig(target string) (bool, error)

	LoadXMLConfiguration(cfg, loadType string) error
	LoadTextConfiguration(cfg, loadType string) error
	LoadSetConfiguration(cfg string) error
	LoadXMLFile(path, loadType string) error
	LoadTextFile(path, loadType string) error
	LoadSetFile(path string) error

	Commit() error
	CommitConfirm(seconds int, persistToken string) error
	CommitFull() error
	Validate() (bool, error)
	Reboot() error

	GetCandidateConfig(subtree string) (xmlutil.Cursor, error)
	GetRunningConfig(subtree string) (xmlutil.Cursor, error)
	GetRunningConfigAndState(xpathFilter string) (xmlutil.Cursor, error)
	GetData(xpathFilter, datastore string) (xmlutil.Cursor, error)

	RunCliCommand(cmd string) (xmlutil.Cursor, error)
	RunCliCommandStreaming(cmd string) (*bufio.Reader, error)

	OpenConfiguration(mode string) error
	CloseConfiguration() error

	KillSession(sessionID uint64) (bool, error)
	CancelCommit(persistToken string) (bool, error)

	GetSessionID() uint64
	GetServerHello() *common.HelloMessage
	LastRPCReply() *common.RPCReply

	// CorrelationID returns a client-generated identifier unique to this
	// Session Engine instance, for correlating log lines and traces across
	// a connection's lifetime; it has no wire representation.
	CorrelationID() string

	AddRPCAttribute(name, value string)
	RemoveRPCAttribute(name string)
	RemoveAllRPCAttributes()

	State() State

	// Close sends <close-session/>, disconnects the subsystem channel, and
	// transitions to CLOSED. It is idempotent.
	Close() error
}

type session struct {
	cfg    *Config
	t      Transport
	dec    *rfc6242.Decoder
	enc    *rfc6242.Encoder
	trace  *ClientTrace
	target string

	state State

	hello        *common.HelloMessage
	msgIDCounter uint64

	lastRPCReply *common.RPCReply

	rpcAttrNames  []string
	rpcAttrValues map[string]string

	correlationID string
}

// NewSession performs the hello exchange over t and returns a ready
// Session. t is assumed already attached to the remote "netconf"
// subsystem.
func NewSession(ctx context.Context, t Transport, cfg *Config) (Session, error) {
	resolved := *cfg
	if resolved.ConnectTimeout == 0 {
		resolved.ConnectTimeout = DefaultConfig.ConnectTimeout
	}
	if resolved.CommandTimeout == 0 {
		resolved.CommandTimeout = DefaultConfig.CommandTimeout
	}

	target := ""
	if impl, ok := t.(*tImpl); ok {
		target = impl.target
	}

	s := &session{
		cfg:           &resolved,
		t:             t,
		dec:           rfc6242.NewDecoder(t),
		enc:           rfc6242.NewEncoder(t),
		trace:         ContextClientTrace(ctx),
		target:        target,
		state:         StateConnecting,
		rpcAttrValues: make(map[string]string),
		correlationID: uuid.NewString(),
	}

	if err := s.performHelloExchange(); err != nil {
		s.setState(StateFailed)
		_ = s.t.Close()
		return nil, err
	}

	s.setState(StateReady)
	return s, nil
}

func (s *session) setState(to State) {
	from := s.state
	s.state = to
	s.trace.StateChange(s.target, string(from), string(to))
}

func (s *session) performHelloExchange() error {
	s.setState(StateConnecting)

	caps := s.cfg.Capabilities
	if len(caps) == 0 {
		caps = common.DefaultCapabilities
	}
	clientHello := common.NewHello(caps)

	data, err := clientHello.Emit()
	if err != nil {
		return ncerrors.Wrap(ncerrors.Protocol, "connect", err, "failed to build hello")
	}
	if err := s.enc.WriteMessage(data); err != nil {
		return ncerrors.Wrap(ncerrors.Transport, "connect", err, "failed to send hello")
	}

	s.setState(StateHelloPending)

	raw, err := s.dec.ReadMessage(time.Now().Add(s.cfg.ConnectTimeout))
	if err != nil {
		return classifyTransportErr("connect", err)
	}

	hello, err := common.ParseHello(raw)
	if err != nil {
		return ncerrors.Wrap(ncerrors.Protocol, "connect", err, "failed to parse server hello")
	}

	s.hello = hello
	s.trace.HelloDone(hello)
	return nil
}

func classifyTransportErr(op string, err error) *ncerrors.Error {
	switch err {
	case rfc6242.ErrTimeout:
		return ncerrors.Wrap(ncerrors.Timeout, op, err, "timed out waiting for reply")
	case rfc6242.ErrClosed:
		return ncerrors.Wrap(ncerrors.Transport, op, err, "connection closed")
	default:
		return ncerrors.Wrap(ncerrors.Transport, op, err, "transport failure")
	}
}

// requireReady enforces that all RPC operations require State == Ready.
func (s *session) requireReady(op string) error {
	if s.state != StateReady {
		return ncerrors.New(ncerrors.NotConnected, op, "session is not ready (state=%s)", s.state)
	}
	return nil
}

// fixupRPC normalizes an outbound RPC payload per the envelope
// normalization rules: trims whitespace, drops a leading XML declaration,
// unwraps any existing <rpc> (or <rpc/>) envelope regardless of its
// attributes, wraps bare operation names or XML fragments in <rpc>, injects
// namespace and message-id, and prepends the XML declaration. The framing
// delimiter is not part of the result; the Encoder appends it on write.
// Returns the message-id assigned.
//
// Dropping a caller-supplied declaration and unwrapping any pre-existing
// envelope (rather than only the attribute-free literal "<rpc>") before
// re-injecting the canonical opening tag is what makes fixupRPC idempotent:
// re-running it on its own prior output yields the same shape again.
func (s *session) fixupRPC(payload string) (string, string, error) {
	trimmed := strings.TrimSpace(payload)
	if strings.HasPrefix(trimmed, "<?xml") {
		if end := strings.Index(trimmed, "?>"); end >= 0 {
			trimmed = strings.TrimSpace(trimmed[end+len("?>"):])
		}
	}
	if trimmed == "" {
		return "", "", ncerrors.New(ncerrors.Argument, "executeRpc", "RPC payload must not be empty")
	}

	var inner string
	switch {
	case isRPCEnvelope(trimmed):
		inner, _ = unwrapRPCEnvelope(trimmed)
	case strings.HasPrefix(trimmed, "<"):
		inner = trimmed
	default:
		inner = fmt.Sprintf("<%s/>", trimmed)
	}

	msgID := strconv.FormatUint(atomic.AddUint64(&s.msgIDCounter, 1), 10)

	openTag := s.buildRPCOpenTag(msgID)
	var body string
	if inner == "" {
		body = openTag[:len(openTag)-1] + "/>"
	} else {
		body = openTag + inner + "</rpc>"
	}

	framed := xmlDeclaration + body
	return framed, msgID, nil
}

// isRPCEnvelope reports whether s is an <rpc ...> or <rpc/> element, with
// or without attributes.
func isRPCEnvelope(s string) bool {
	if !strings.HasPrefix(s, "<rpc") {
		return false
	}
	rest := s[len("<rpc"):]
	if rest == "" {
		return false
	}
	switch rest[0] {
	case '>', ' ', '\t', '\n', '/':
		return true
	default:
		return false
	}
}

// unwrapRPCEnvelope strips an outer <rpc ...>...</rpc> (or self-closing
// <rpc .../>) wrapper and returns its inner content, which is empty for a
// self-closing element.
func unwrapRPCEnvelope(s string) (inner string, ok bool) {
	gt := strings.Index(s, ">")
	if gt < 0 {
		return "", false
	}
	if s[gt-1] == '/' {
		return "", true
	}
	closeIdx := strings.LastIndex(s, "</rpc>")
	if closeIdx < 0 || closeIdx < gt {
		return "", false
	}
	return s[gt+1 : closeIdx], true
}

func (s *session) buildRPCOpenTag(msgID string) string {
	var b strings.Builder
	b.WriteString(`<rpc xmlns="`)
	b.WriteString(common.NetconfNS)
	b.WriteString(`" message-id="`)
	b.WriteString(msgID)
	b.WriteString(`"`)
	for _, name := range s.rpcAttrNames {
		b.WriteString(" ")
		b.WriteString(name)
		b.WriteString(`="`)
		b.WriteString(s.rpcAttrValues[name])
		b.WriteString(`"`)
	}
	b.WriteString(">")
	return b.String()
}

func (s *session) ExecuteRpc(payload string) (xmlutil.Cursor, error) {
	return s.executeRpc("executeRpc", payload)
}

func (s *session) executeRpc(op, payload string) (xmlutil.Cursor, error) {
	if err := s.requireReady(op); err != nil {
		return xmlutil.Cursor{}, err
	}

	framed, _, err := s.fixupRPC(payload)
	if err != nil {
		return xmlutil.Cursor{}, err
	}

	s.trace.ExecuteStart(common.Request(payload))
	start := time.Now()

	if err := s.enc.WriteMessage([]byte(framed)); err != nil {
		s.setState(StateFailed)
		werr := classifyTransportErr(op, err)
		s.trace.ExecuteDone(common.Request(payload), nil, werr, time.Since(start))
		return xmlutil.Cursor{}, werr
	}

	raw, err := s.dec.ReadMessage(time.Now().Add(s.cfg.CommandTimeout))
	if err != nil {
		s.setState(StateFailed)
		werr := classifyTransportErr(op, err)
		s.trace.ExecuteDone(common.Request(payload), nil, werr, time.Since(start))
		return xmlutil.Cursor{}, werr
	}

	if strings.Contains(string(raw), syntaxErrorSignal) {
		perr := ncerrors.New(ncerrors.Protocol, op, "device reported a syntax error").WithReply(string(raw))
		s.trace.ExecuteDone(common.Request(payload), nil, perr, time.Since(start))
		return xmlutil.Cursor{}, perr
	}

	reply, err := common.ParseRPCReply(raw)
	if err != nil {
		perr := ncerrors.Wrap(ncerrors.Protocol, op, err, "failed to parse rpc-reply").WithReply(string(raw))
		s.trace.ExecuteDone(common.Request(payload), nil, perr, time.Since(start))
		return xmlutil.Cursor{}, perr
	}

	s.lastRPCReply = reply
	s.trace.ExecuteDone(common.Request(payload), reply, nil, time.Since(start))

	if reply.Data == "" {
		return xmlutil.Cursor{}, nil
	}
	cur, err := xmlutil.ParseDocument([]byte(reply.RawReply))
	if err != nil {
		return xmlutil.Cursor{}, ncerrors.Wrap(ncerrors.Protocol, op, err, "failed to parse reply data")
	}
	return cur, nil
}

func (s *session) ExecuteRpcStreaming(payload string) (*bufio.Reader, error) {
	if err := s.requireReady("executeRpcStreaming"); err != nil {
		return nil, err
	}

	framed, _, err := s.fixupRPC(payload)
	if err != nil {
		return nil, err
	}

	if err := s.enc.WriteMessage([]byte(framed)); err != nil {
		s.setState(StateFailed)
		return nil, classifyTransportErr("executeRpcStreaming", err)
	}

	return bufio.NewReader(s.t), nil
}

// simpleOp sends payload and returns success = !hasError && isOK, as
// required for validate, lock, unlock, killSession, and cancelCommit.
func (s *session) simpleOp(op, payload string) (bool, error) {
	_, err := s.executeRpc(op, payload)
	if err != nil {
		return false, err
	}
	reply := s.lastRPCReply
	return reply.IsOK() && !reply.HasError(), nil
}

func (s *session) LockConfig(target string) (bool, error) {
	return s.simpleOp("lockConfig", fmt.Sprintf("<lock><target><%s/></target></lock>", target))
}

func (s *session) UnlockConfig(target string) (bool, error) {
	return s.simpleOp("unlockConfig", fmt.Sprintf("<unlock><target><%s/></target></unlock>", target))
}

func validateLoadType(loadType string) error {
	if loadType != "merge" && loadType != "replace" {
		return ncerrors.New(ncerrors.Argument, "loadConfiguration", "load type must be \"merge\" or \"replace\", got %q", loadType)
	}
	return nil
}

func (s *session) loadConfiguration(op, format, cfg, loadType string) error {
	if err := validateLoadType(loadType); err != nil {
		return err
	}
	payload := fmt.Sprintf(`<load-configuration format="%s" action="%s"><configuration-text>%s</configuration-text></load-configuration>`, format, loadType, cfg)

	_, err := s.executeRpc(op, payload)
	if err != nil {
		return err
	}
	if s.lastRPCReply.HasError() || !s.lastRPCReply.IsOK() {
		return ncerrors.New(ncerrors.Load, op, "load-configuration rejected").WithReply(s.lastRPCReply.RawReply)
	}
	return nil
}

// LoadXMLConfiguration merges or replaces a subtree of the candidate
// datastore via a standard RFC 6241 edit-config, per the mandatory
// edit-config body shape.
func (s *session) LoadXMLConfiguration(cfg, loadType string) error {
	if err := validateLoadType(loadType); err != nil {
		return err
	}
	payload := fmt.Sprintf(`<edit-config><target><candidate/></target><default-operation>%s</default-operation><config><configuration>%s</configuration></config></edit-config>`, loadType, cfg)

	_, err := s.executeRpc("loadXmlConfiguration", payload)
	if err != nil {
		return err
	}
	if s.lastRPCReply.HasError() || !s.lastRPCReply.IsOK() {
		return ncerrors.New(ncerrors.Load, "loadXmlConfiguration", "edit-config rejected").WithReply(s.lastRPCReply.RawReply)
	}
	return nil
}

func (s *session) LoadTextConfiguration(cfg, loadType string) error {
	return s.loadConfiguration("loadTextConfiguration", "text", cfg, loadType)
}

func (s *session) LoadSetConfiguration(cfg string) error {
	payload := fmt.Sprintf(`<load-configuration format="set"><configuration-set>%s</configuration-set></load-configuration>`, cfg)
	_, err := s.executeRpc("loadSetConfiguration", payload)
	if err != nil {
		return err
	}
	if s.lastRPCReply.HasError() || !s.lastRPCReply.IsOK() {
		return ncerrors.New(ncerrors.Load, "loadSetConfiguration", "load-configuration rejected").WithReply(s.lastRPCReply.RawReply)
	}
	return nil
}

func readConfigFile(op, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", ncerrors.Wrap(ncerrors.Argument, op, err, "failed to read configuration file %q", path)
	}
	return string(data), nil
}

func (s *session) LoadXMLFile(path, loadType string) error {
	cfg, err := readConfigFile("loadXmlFile", path)
	if err != nil {
		return err
	}
	return s.LoadXMLConfiguration(cfg, loadType)
}

func (s *session) LoadTextFile(path, loadType string) error {
	cfg, err := readConfigFile("loadTextFile", path)
	if err != nil {
		return err
	}
	return s.LoadTextConfiguration(cfg, loadType)
}

func (s *session) LoadSetFile(path string) error {
	cfg, err := readConfigFile("loadSetFile", path)
	if err != nil {
		return err
	}
	return s.LoadSetConfiguration(cfg)
}

func (s *session) commitLike(op, payload string) error {
	_, err := s.executeRpc(op, payload)
	if err != nil {
		return err
	}
	if s.lastRPCReply.HasError() || !s.lastRPCReply.IsOK() {
		return ncerrors.New(ncerrors.Commit, op, "commit rejected").WithReply(s.lastRPCReply.RawReply)
	}
	return nil
}

func (s *session) Commit() error {
	return s.commitLike("commit", "<commit/>")
}

func (s *session) CommitConfirm(seconds int, persistToken string) error {
	var body string
	if persistToken != "" {
		body = fmt.Sprintf(`<commit><confirmed/><confirm-timeout>%d</confirm-timeout><persist>%s</persist></commit>`, seconds, persistToken)
	} else {
		body = fmt.Sprintf(`<commit><confirmed/><confirm-timeout>%d</confirm-timeout></commit>`, seconds)
	}
	return s.commitLike("commitConfirm", body)
}

// CommitFull sends <commit-configuration><full/></commit-configuration>.
// This is a vendor-only (Junos) operation, not part of RFC 6241.
func (s *session) CommitFull() error {
	return s.commitLike("commitFull", "<commit-configuration><full/></commit-configuration>")
}

func (s *session) Validate() (bool, error) {
	return s.simpleOp("validate", "<validate><source><candidate/></source></validate>")
}

func (s *session) Reboot() error {
	_, err := s.executeRpc("reboot", `<request-reboot xmlns="http://xml.juniper.net/junos/command"/>`)
	return err
}

func (s *session) GetCandidateConfig(subtree string) (xmlutil.Cursor, error) {
	return s.getConfig("getCandidateConfig", "candidate", subtree)
}

func (s *session) GetRunningConfig(subtree string) (xmlutil.Cursor, error) {
	return s.getConfig("getRunningConfig", "running", subtree)
}

func (s *session) getConfig(op, source, subtree string) (xmlutil.Cursor, error) {
	var filter string
	if subtree != "" {
		filter = fmt.Sprintf("<filter type=\"subtree\">%s</filter>", subtree)
	}
	payload := fmt.Sprintf(`<get-config><source><%s/></source>%s</get-config>`, source, filter)
	return s.executeRpc(op, payload)
}

func (s *session) GetRunningConfigAndState(xpathFilter string) (xmlutil.Cursor, error) {
	payload := fmt.Sprintf(`<get><filter type="xpath" select=%q/></get>`, xpathFilter)
	return s.executeRpc("getRunningConfigAndState", payload)
}

func (s *session) GetData(xpathFilter, datastore string) (xmlutil.Cursor, error) {
	lower := strings.ToLower(datastore)
	if !validDatastores[lower] {
		return xmlutil.Cursor{}, ncerrors.New(ncerrors.Argument, "getData", "unknown datastore %q", datastore)
	}
	payload := fmt.Sprintf(`<get-data xmlns="urn:ietf:params:xml:ns:yang:ietf-netconf-nmda"><datastore>ds:%s</datastore><xpath-filter>%s</xpath-filter></get-data>`, lower, xpathFilter)
	return s.executeRpc("getData", payload)
}

func (s *session) RunCliCommand(cmd string) (xmlutil.Cursor, error) {
	payload := fmt.Sprintf(`<command format="text">%s</command>`, cmd)
	return s.executeRpc("runCliCommand", payload)
}

func (s *session) RunCliCommandStreaming(cmd string) (*bufio.Reader, error) {
	payload := fmt.Sprintf(`<command format="text">%s</command>`, cmd)
	return s.ExecuteRpcStreaming(payload)
}

func (s *session) OpenConfiguration(mode string) error {
	payload := fmt.Sprintf(`<open-configuration><%s/></open-configuration>`, mode)
	_, err := s.executeRpc("openConfiguration", payload)
	return err
}

func (s *session) CloseConfiguration() error {
	_, err := s.executeRpc("closeConfiguration", "<close-configuration/>")
	return err
}

func (s *session) KillSession(sessionID uint64) (bool, error) {
	payload := fmt.Sprintf(`<kill-session><session-id>%d</session-id></kill-session>`, sessionID)
	return s.simpleOp("killSession", payload)
}

func (s *session) CancelCommit(persistToken string) (bool, error) {
	var payload string
	if persistToken != "" {
		payload = fmt.Sprintf(`<cancel-commit><persist-id>%s</persist-id></cancel-commit>`, persistToken)
	} else {
		payload = "<cancel-commit/>"
	}
	return s.simpleOp("cancelCommit", payload)
}

func (s *session) GetSessionID() uint64 {
	if s.hello == nil {
		return 0
	}
	return s.hello.SessionID
}

func (s *session) GetServerHello() *common.HelloMessage {
	return s.hello
}

func (s *session) LastRPCReply() *common.RPCReply {
	return s.lastRPCReply
}

func (s *session) CorrelationID() string {
	return s.correlationID
}

func (s *session) AddRPCAttribute(name, value string) {
	if _, exists := s.rpcAttrValues[name]; !exists {
		s.rpcAttrNames = append(s.rpcAttrNames, name)
	}
	s.rpcAttrValues[name] = value
}

func (s *session) RemoveRPCAttribute(name string) {
	delete(s.rpcAttrValues, name)
	for i, n := range s.rpcAttrNames {
		if n == name {
			s.rpcAttrNames = append(s.rpcAttrNames[:i], s.rpcAttrNames[i+1:]...)
			break
		}
	}
}

func (s *session) RemoveAllRPCAttributes() {
	s.rpcAttrNames = nil
	s.rpcAttrValues = make(map[string]string)
}

func (s *session) State() State {
	return s.state
}

func (s *session) Close() error {
	if s.state == StateClosed {
		return nil
	}

	if s.state == StateReady {
		_, _ = s.executeRpc("close", "<close-session/>")
	}

	err := s.t.Close()
	s.setState(StateClosed)
	return err
}

var _ io.Closer = (*session)(nil)
