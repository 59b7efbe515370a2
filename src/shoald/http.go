package shoald

import (
	"context"
	"net"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.brendoncarroll.net/stdctx/logctx"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// runHTTPServer serves the admin API at endpoint until ctx is cancelled.
func (d *Daemon) runHTTPServer(ctx context.Context, endpoint string) error {
	l, err := net.Listen("tcp", endpoint)
	if err != nil {
		return err
	}
	defer l.Close()
	d.adminAddr = l.Addr()
	close(d.adminUp)

	hSrv := http.Server{
		Handler:     h2c.NewHandler(d.adminHandler(), &http2.Server{}),
		BaseContext: func(l net.Listener) context.Context { return ctx },
	}
	go func() {
		logctx.Infof(ctx, "admin API listening on: %v", l.Addr())
		if err := hSrv.Serve(l); err != nil && err != http.ErrServerClosed {
			logctx.Errorf(ctx, "error serving http: %v", err)
		}
	}()
	<-ctx.Done()
	return hSrv.Shutdown(context.Background())
}

func (d *Daemon) adminHandler() http.Handler {
	mux := chi.NewMux()
	// health check
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("SHOAL\n"))
	})
	// prometheus metrics
	mux.Handle("/metrics", promhttp.HandlerFor(d.reg, promhttp.HandlerOpts{}))
	return mux
}
