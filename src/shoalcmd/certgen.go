package shoalcmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"go.shoal.dev/shoal/src/certs"
)

func NewCertgenCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "certgen",
		Short: "loads or creates the server credentials and prints the certificate fingerprint",
	}
	certPath := c.Flags().String("cert", certs.DefaultCertPath, "path to the DER certificate")
	keyPath := c.Flags().String("key", certs.DefaultKeyPath, "path to the DER private key")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		if err := cmd.ParseFlags(args); err != nil {
			return err
		}
		creds, err := certs.LoadOrGenerate(ctx, *certPath, *keyPath)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), creds.Fingerprint())
		return err
	}
	return c
}
