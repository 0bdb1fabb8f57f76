package socket

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/streamforge/rtspd/pkg/rtsperrors"
)

func TestTCPSendRecvRoundTrip(t *testing.T) {
	ln, err := Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		require.NoError(t, err)
		accepted <- c
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	serverConn := <-accepted
	defer serverConn.Close()

	server := OpenTCP(serverConn)
	require.NoError(t, server.SetTCPNoDelay(true))

	_, err = client.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := server.Recv(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
}

func TestRecvDisconnectedOnClose(t *testing.T) {
	ln, err := Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	serverConn := <-accepted
	defer serverConn.Close()

	client.Close()

	server := OpenTCP(serverConn)
	require.NoError(t, server.SetDeadline(time.Now().Add(time.Second)))
	buf := make([]byte, 16)
	_, err = server.Recv(buf)
	require.Error(t, err)
	var rerr *rtsperrors.Error
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, rtsperrors.KindIODisconnected, rerr.Kind)
}

func TestUDPSendToRecvFrom(t *testing.T) {
	a, err := BindUDP("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer a.Close()

	b, err := BindUDP("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer b.Close()

	addrA, err := net.ResolveUDPAddr("udp", a.LocalAddrStr())
	require.NoError(t, err)

	_, err = b.SendTo([]byte("ping"), addrA)
	require.NoError(t, err)

	require.NoError(t, a.SetDeadline(time.Now().Add(time.Second)))
	buf := make([]byte, 16)
	n, _, err := a.RecvFrom(buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf[:n]))
}
