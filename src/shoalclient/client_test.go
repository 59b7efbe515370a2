package shoalclient_test

import (
	"context"
	"crypto/x509"
	"net"
	"testing"
	"time"

	"github.com/cloudflare/circl/sign/ed25519"
	"github.com/stretchr/testify/require"

	"go.shoal.dev/shoal/src/certs"
	"go.shoal.dev/shoal/src/shoalclient"
	"go.shoal.dev/shoal/src/shoalproto"
	"go.shoal.dev/shoal/src/transport"
	"go.shoal.dev/shoal/src/transport/transporttest"
)

// startServer runs a dispatch loop on a loopback socket until the test ends.
func startServer(t *testing.T) (string, *x509.CertPool, *transporttest.Observer) {
	ctx := transporttest.Context(t)
	creds, err := certs.Generate(certs.DefaultServerName)
	require.NoError(t, err)
	ep, err := shoalproto.NewEndpoint(shoalproto.Config{
		Credentials: shoalproto.Credentials{
			Chain:      [][]byte{creds.Certificate},
			PrivateKey: ed25519.PrivateKey(creds.PrivateKey),
		},
	})
	require.NoError(t, err)
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	obs := &transporttest.Observer{}
	loop := transport.NewLoop(ctx, transport.Params{Conn: pc, Engine: ep, Observer: obs})
	ctx, cf := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		loop.Run(ctx)
	}()
	t.Cleanup(func() {
		cf()
		<-done
		pc.Close()
	})
	leaf, err := creds.Leaf()
	require.NoError(t, err)
	roots := x509.NewCertPool()
	roots.AddCert(leaf)
	return pc.LocalAddr().String(), roots, obs
}

func TestRunSmoke(t *testing.T) {
	addr, roots, obs := startServer(t)
	ctx, cf := context.WithTimeout(transporttest.Context(t), 10*time.Second)
	defer cf()

	err := shoalclient.RunSmoke(ctx, shoalclient.Config{ServerAddr: addr, Roots: roots})
	require.NoError(t, err)

	const h = transport.Handle(1)
	require.Equal(t, "Hello, World!", string(obs.StreamData(h, 0)))
	require.Eventually(t, func() bool {
		return obs.ClosedReason(h) != nil
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, transport.ApplicationClose{Code: 0, Reason: []byte("done")}, obs.ClosedReason(h))
}

func TestWriteAfterFinish(t *testing.T) {
	addr, roots, _ := startServer(t)
	ctx, cf := context.WithTimeout(transporttest.Context(t), 10*time.Second)
	defer cf()

	c, err := shoalclient.Dial(ctx, shoalclient.Config{ServerAddr: addr, Roots: roots})
	require.NoError(t, err)
	defer c.Shutdown()
	id, err := c.OpenBidi(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Write(ctx, id, []byte("one")))
	require.NoError(t, c.Finish(ctx, id))
	require.ErrorIs(t, c.Write(ctx, id, []byte("two")), shoalproto.ErrStreamFinished)

	require.NoError(t, c.Close(ctx, 7, []byte("bye")))
	require.NoError(t, c.WaitIdle(ctx))
}

func TestDialUntrustedServer(t *testing.T) {
	addr, _, _ := startServer(t)
	other, err := certs.Generate(certs.DefaultServerName)
	require.NoError(t, err)
	leaf, err := other.Leaf()
	require.NoError(t, err)
	roots := x509.NewCertPool()
	roots.AddCert(leaf)
	ctx, cf := context.WithTimeout(transporttest.Context(t), 10*time.Second)
	defer cf()

	_, err = shoalclient.Dial(ctx, shoalclient.Config{ServerAddr: addr, Roots: roots})
	require.Error(t, err)
	require.True(t, transport.IsTransportError(err), "got %v", err)
}

func TestDialNoServer(t *testing.T) {
	// a socket which never answers.
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()
	ctx, cf := context.WithTimeout(transporttest.Context(t), 10*time.Second)
	defer cf()

	_, err = shoalclient.Dial(ctx, shoalclient.Config{
		ServerAddr:         pc.LocalAddr().String(),
		InsecureSkipVerify: true,
		Params:             shoalproto.Params{IdleTimeout: 300 * time.Millisecond},
	})
	require.ErrorIs(t, err, transport.ErrTimedOut)
}
