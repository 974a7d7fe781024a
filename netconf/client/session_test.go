package client

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/kestrelnet/netconf/netconf/common"
	"github.com/kestrelnet/netconf/netconf/ncerrors"
	"github.com/kestrelnet/netconf/netconf/rfc6242"
	"github.com/kestrelnet/netconf/netconf/xmlutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeTransport adapts a net.Conn half of an in-memory pipe to the client
// Transport interface (io.ReadWriteCloser).
type pipeTransport struct {
	net.Conn
}

// fakeServer drives the other half of the pipe, scripted per test.
type fakeServer struct {
	conn net.Conn
	dec  *rfc6242.Decoder
	enc  *rfc6242.Encoder
}

func newFakeServerPair(t *testing.T) (Transport, *fakeServer) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	fs := &fakeServer{
		conn: serverConn,
		dec:  rfc6242.NewDecoder(serverConn),
		enc:  rfc6242.NewEncoder(serverConn),
	}
	return &pipeTransport{Conn: clientConn}, fs
}

func (fs *fakeServer) sendHello(sessionID uint64) {
	hello := common.NewHello([]string{common.CapBase10})
	hello.SessionID = sessionID
	data, _ := hello.Emit()
	_ = fs.enc.WriteMessage(data)
}

func (fs *fakeServer) recvMessage(t *testing.T) string {
	t.Helper()
	raw, err := fs.dec.ReadMessage(time.Now().Add(2 * time.Second))
	require.NoError(t, err)
	return string(raw)
}

func (fs *fakeServer) reply(msgID, body string) {
	payload := `<rpc-reply xmlns="urn:ietf:params:xml:ns:netconf:base:1.0" message-id="` + msgID + `">` + body + `</rpc-reply>`
	_ = fs.enc.WriteMessage([]byte(payload))
}

func extractMessageID(raw string) string {
	idx := strings.Index(raw, `message-id="`)
	if idx < 0 {
		return ""
	}
	rest := raw[idx+len(`message-id="`):]
	end := strings.Index(rest, `"`)
	return rest[:end]
}

func newReadySession(t *testing.T) (Session, *fakeServer) {
	t.Helper()
	transport, fs := newFakeServerPair(t)

	done := make(chan struct{})
	var sess Session
	var err error
	go func() {
		sess, err = NewSession(context.Background(), transport, &Config{
			ConnectTimeout: 2 * time.Second,
			CommandTimeout: 2 * time.Second,
		})
		close(done)
	}()

	_ = fs.recvMessage(t) // client hello
	fs.sendHello(42)

	<-done
	require.NoError(t, err)
	require.Equal(t, StateReady, sess.State())
	return sess, fs
}

func TestNewSessionReachesReadyAfterHelloExchange(t *testing.T) {
	sess, _ := newReadySession(t)
	assert.Equal(t, uint64(42), sess.GetSessionID())
	assert.Equal(t, []string{common.CapBase10}, sess.GetServerHello().Capabilities)
}

func TestExecuteRpcHappyPath(t *testing.T) {
	sess, fs := newReadySession(t)

	done := make(chan struct{})
	var ok bool
	var err error
	go func() {
		ok, err = sess.LockConfig("candidate")
		close(done)
	}()

	raw := fs.recvMessage(t)
	assert.Contains(t, raw, "<lock>")
	msgID := extractMessageID(raw)
	assert.Equal(t, "1", msgID)
	fs.reply(msgID, "<ok/>")

	<-done
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExecuteRpcMessageIDsIncreaseMonotonically(t *testing.T) {
	sess, fs := newReadySession(t)

	for i := 1; i <= 3; i++ {
		done := make(chan struct{})
		go func() {
			_, _ = sess.LockConfig("candidate")
			close(done)
		}()
		raw := fs.recvMessage(t)
		msgID := extractMessageID(raw)
		assert.Equal(t, i, mustAtoi(msgID))
		fs.reply(msgID, "<ok/>")
		<-done
	}
}

func mustAtoi(s string) int {
	n := 0
	for _, c := range s {
		n = n*10 + int(c-'0')
	}
	return n
}

func TestExecuteRpcReturnsCursorRootedAtRPCReply(t *testing.T) {
	sess, fs := newReadySession(t)

	done := make(chan struct{})
	var cur xmlutil.Cursor
	var err error
	go func() {
		cur, err = sess.ExecuteRpc("<get/>")
		close(done)
	}()

	raw := fs.recvMessage(t)
	fs.reply(extractMessageID(raw), "<data><foo>bar</foo></data>")
	<-done

	require.NoError(t, err)
	require.False(t, cur.IsNil())
	assert.Equal(t, "rpc-reply", cur.Element().Tag)
}

func TestLoadXMLConfigurationSendsEditConfigBody(t *testing.T) {
	sess, fs := newReadySession(t)

	done := make(chan struct{})
	var err error
	go func() {
		err = sess.LoadXMLConfiguration("<system><services><ftp/></services></system>", "merge")
		close(done)
	}()

	raw := fs.recvMessage(t)
	assert.Contains(t, raw, "<edit-config>")
	assert.Contains(t, raw, "<target><candidate/></target>")
	assert.Contains(t, raw, "<default-operation>merge</default-operation>")
	assert.Contains(t, raw, "<config><configuration><system><services><ftp/></services></system></configuration></config>")
	fs.reply(extractMessageID(raw), "<ok/>")
	<-done

	require.NoError(t, err)
}

func TestLoadRejectedStaysReadyAndNextOpSucceeds(t *testing.T) {
	sess, fs := newReadySession(t)

	done := make(chan struct{})
	var err error
	go func() {
		err = sess.LoadXMLConfiguration("<configuration/>", "merge")
		close(done)
	}()

	raw := fs.recvMessage(t)
	msgID := extractMessageID(raw)
	fs.reply(msgID, `<rpc-error><error-type>application</error-type><error-tag>operation-failed</error-tag><error-severity>error</error-severity><error-message>bad config</error-message></rpc-error>`)
	<-done

	require.Error(t, err)
	assert.True(t, ncerrors.Is(err, ncerrors.Load))
	assert.Equal(t, StateReady, sess.State())

	done2 := make(chan struct{})
	var ok bool
	go func() {
		ok, err = sess.LockConfig("candidate")
		close(done2)
	}()
	raw2 := fs.recvMessage(t)
	fs.reply(extractMessageID(raw2), "<ok/>")
	<-done2
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExecuteRpcTimeoutMarksSessionFailed(t *testing.T) {
	sess, _ := newReadySession(t)
	s := sess.(*session)
	s.cfg.CommandTimeout = 100 * time.Millisecond

	start := time.Now()
	_, err := sess.ExecuteRpc("<get/>")
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, ncerrors.Is(err, ncerrors.Timeout))
	assert.GreaterOrEqual(t, elapsed, 90*time.Millisecond)
	assert.Equal(t, StateFailed, sess.State())

	_, err = sess.ExecuteRpc("<get/>")
	assert.True(t, ncerrors.Is(err, ncerrors.NotConnected))
}

func TestLoadXMLConfigurationRejectsBadLoadType(t *testing.T) {
	sess, _ := newReadySession(t)
	err := sess.LoadXMLConfiguration("<configuration/>", "bogus")
	require.Error(t, err)
	assert.True(t, ncerrors.Is(err, ncerrors.Argument))
}

func TestGetDataRejectsUnknownDatastore(t *testing.T) {
	sess, _ := newReadySession(t)
	_, err := sess.GetData("/foo", "nonsense")
	require.Error(t, err)
	assert.True(t, ncerrors.Is(err, ncerrors.Argument))
}

func TestFixupRPCIsIdempotentOnAlreadyWrappedEnvelope(t *testing.T) {
	s := &session{rpcAttrValues: map[string]string{}}
	first, id1, err := s.fixupRPC("<get/>")
	require.NoError(t, err)
	assert.Contains(t, first, `message-id="1"`)

	s2 := &session{rpcAttrValues: map[string]string{}}
	second, id2, err := s2.fixupRPC(first[len(xmlDeclaration):])
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Contains(t, second, `message-id="1"`)
}

func TestFixupRPCWrapsBareOperationName(t *testing.T) {
	s := &session{rpcAttrValues: map[string]string{}}
	framed, _, err := s.fixupRPC("commit")
	require.NoError(t, err)
	assert.Contains(t, framed, "<commit/>")
}

func TestFixupRPCRejectsEmptyPayload(t *testing.T) {
	s := &session{rpcAttrValues: map[string]string{}}
	_, _, err := s.fixupRPC("   ")
	require.Error(t, err)
	assert.True(t, ncerrors.Is(err, ncerrors.Argument))
}

func TestAddRemoveRPCAttribute(t *testing.T) {
	s := &session{rpcAttrValues: map[string]string{}}
	s.AddRPCAttribute("xmlns:junos", "http://xml.juniper.net/junos")
	framed, _, err := s.fixupRPC("commit")
	require.NoError(t, err)
	assert.Contains(t, framed, `xmlns:junos="http://xml.juniper.net/junos"`)

	s.RemoveRPCAttribute("xmlns:junos")
	framed2, _, err := s.fixupRPC("commit")
	require.NoError(t, err)
	assert.NotContains(t, framed2, "xmlns:junos")

	s.AddRPCAttribute("a", "1")
	s.AddRPCAttribute("b", "2")
	s.RemoveAllRPCAttributes()
	framed3, _, err := s.fixupRPC("commit")
	require.NoError(t, err)
	assert.NotContains(t, framed3, `a="1"`)
}

func TestCloseIsIdempotent(t *testing.T) {
	sess, fs := newReadySession(t)

	done := make(chan struct{})
	go func() {
		_ = sess.Close()
		close(done)
	}()
	raw := fs.recvMessage(t)
	assert.Contains(t, raw, "<close-session/>")
	fs.reply(extractMessageID(raw), "<ok/>")
	<-done

	assert.Equal(t, StateClosed, sess.State())
	assert.NoError(t, sess.Close())
}

func TestCorrelationIDIsStableAndUniquePerSession(t *testing.T) {
	sess1, fs1 := newReadySession(t)
	sess2, fs2 := newReadySession(t)
	defer fs1.conn.Close()
	defer fs2.conn.Close()

	id1 := sess1.CorrelationID()
	assert.NotEmpty(t, id1)
	assert.Equal(t, id1, sess1.CorrelationID())
	assert.NotEqual(t, id1, sess2.CorrelationID())
}
