package shoalcmd

import (
	"context"
	"crypto/x509"
	"time"

	"github.com/spf13/cobra"

	"go.shoal.dev/shoal/src/certs"
	"go.shoal.dev/shoal/src/internal/retry"
	"go.shoal.dev/shoal/src/shoalclient"
	"go.shoal.dev/shoal/src/shoalproto"
)

func NewClientCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "client",
		Short: "sends a greeting to a shoal server and closes the connection",
	}
	serverAddr := c.Flags().String("server", shoalclient.DefaultServerAddr, "address of the server")
	serverName := c.Flags().String("server-name", certs.DefaultServerName, "name the server certificate must match")
	certPath := c.Flags().String("cert", certs.DefaultCertPath, "path to the DER certificate the server is trusted by")
	insecure := c.Flags().Bool("insecure", false, "accept any server certificate")
	timeout := c.Flags().Duration("timeout", shoalproto.DefaultIdleTimeout, "give up on a connection after this long without hearing from the server")
	wait := c.Flags().Duration("wait", 0, "keep trying for this long while the server does not answer")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		if err := cmd.ParseFlags(args); err != nil {
			return err
		}
		var roots *x509.CertPool
		if !*insecure {
			var err error
			if roots, err = certs.LoadRoots(*certPath); err != nil {
				return err
			}
		}
		cfg := shoalclient.Config{
			ServerAddr:         *serverAddr,
			ServerName:         *serverName,
			Roots:              roots,
			InsecureSkipVerify: *insecure,
			Params:             shoalproto.Params{IdleTimeout: *timeout},
		}
		if *wait <= 0 {
			return shoalclient.RunSmoke(ctx, cfg)
		}
		ctx, cf := context.WithTimeout(ctx, *wait)
		defer cf()
		return retry.Retry(ctx, func() error {
			return shoalclient.RunSmoke(ctx, cfg)
		}, retry.WhileUnanswered(ctx), retry.WithBackoff(retry.NewConstantBackoff(time.Second)))
	}
	return c
}
