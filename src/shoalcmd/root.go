// Package shoalcmd is the shoal command line.
package shoalcmd

import (
	"context"

	"github.com/spf13/cobra"
	"go.brendoncarroll.net/stdctx/logctx"
	"go.uber.org/zap"
)

var ctx = func() context.Context {
	ctx := context.Background()
	l, _ := zap.NewProduction()
	ctx = logctx.NewContext(ctx, l)
	return ctx
}()

func Execute() error {
	return NewRootCmd().Execute()
}

func NewRootCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "shoal",
		Short: "shoal: many secure sessions over one UDP socket",
	}
	c.AddCommand(newServeCmd())
	c.AddCommand(newCreateConfigCmd())
	c.AddCommand(NewClientCmd())
	c.AddCommand(NewCertgenCmd())
	return c
}
