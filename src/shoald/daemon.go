// Package shoald runs a shoal server: one dispatch loop per UDP socket, and an admin HTTP server.
package shoald

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/cloudflare/circl/sign/ed25519"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.brendoncarroll.net/stdctx"
	"go.brendoncarroll.net/stdctx/logctx"
	"golang.org/x/sync/errgroup"

	"go.shoal.dev/shoal/src/certs"
	"go.shoal.dev/shoal/src/shoalproto"
	"go.shoal.dev/shoal/src/transport"
)

type Params struct {
	Config Config
	// Observer receives the events of every loop. Defaults to a transport.LogObserver per loop.
	Observer transport.Observer
}

type Daemon struct {
	params Params
	reg    *prometheus.Registry

	setupDone chan struct{}
	addrs     []net.Addr
	adminAddr net.Addr
	adminUp   chan struct{}
}

func New(p Params) *Daemon {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	return &Daemon{
		params:    p,
		reg:       reg,
		setupDone: make(chan struct{}),
		adminUp:   make(chan struct{}),
	}
}

// Run serves until ctx is cancelled.
// It fails at once if the credentials cannot be loaded or a socket cannot be bound.
func (d *Daemon) Run(ctx context.Context) error {
	cfg := d.params.Config
	if err := cfg.Validate(); err != nil {
		return err
	}
	creds, err := certs.LoadOrGenerate(ctx, cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return errors.Wrap(err, "loading credentials")
	}
	logctx.Infof(ctx, "certificate fingerprint %s", creds.Fingerprint())
	addrs, err := cfg.LoopAddrs()
	if err != nil {
		return err
	}
	var conns []net.PacketConn
	defer func() {
		for _, pc := range conns {
			pc.Close()
		}
	}()
	for i, addr := range addrs {
		pc, err := net.ListenPacket("udp", addr)
		if err != nil {
			return errors.Wrapf(err, "binding loop %d", i)
		}
		conns = append(conns, pc)
	}

	eg, ctx := errgroup.WithContext(ctx)
	for i, pc := range conns {
		ep, err := shoalproto.NewEndpoint(shoalproto.Config{
			Credentials: shoalproto.Credentials{
				Chain:      [][]byte{creds.Certificate},
				PrivateKey: ed25519.PrivateKey(creds.PrivateKey),
			},
			Params:                  shoalproto.Params{IdleTimeout: cfg.IdleTimeout},
			MaxNewSessionsPerSecond: cfg.MaxNewSessionsPerSecond,
		})
		if err != nil {
			return err
		}
		loopCtx := stdctx.Child(ctx, fmt.Sprintf("loop-%d", i))
		loop := transport.NewLoop(loopCtx, transport.Params{
			Conn:                 pc,
			Engine:               ep,
			Observer:             d.params.Observer,
			Metrics:              transport.NewMetrics(d.reg, strconv.Itoa(i)),
			MaxTransmitsPerDrain: cfg.MaxTransmitsPerDrain,
			ReceiveBufferSize:    cfg.ReceiveBufferSize,
			AppEventsPerCycle:    cfg.AppEventsPerCycle,
		})
		d.addrs = append(d.addrs, loop.LocalAddr())
		eg.Go(func() error {
			err := loop.Run(loopCtx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	if cfg.AdminAddr != "" {
		eg.Go(func() error {
			return d.runHTTPServer(ctx, cfg.AdminAddr)
		})
	}
	close(d.setupDone)
	return eg.Wait()
}

// LocalAddrs waits for the loops to be bound and returns their addresses.
func (d *Daemon) LocalAddrs(ctx context.Context) ([]net.Addr, error) {
	select {
	case <-d.setupDone:
		return d.addrs, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AdminAddr waits for the admin server to listen and returns its address.
func (d *Daemon) AdminAddr(ctx context.Context) (net.Addr, error) {
	select {
	case <-d.adminUp:
		return d.adminAddr, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Daemon) Gatherer() prometheus.Gatherer {
	return d.reg
}
