package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"time"

	walletapi "github.com/aegis-sign/walletlink/internal/api"
	"github.com/spf13/cobra"
)

type cli struct {
	addr    string
	timeout time.Duration
	in      io.Reader
	out     io.Writer
	prompt  *prompter
}

func newRootCmd(in io.Reader, out io.Writer) *cobra.Command {
	c := &cli{in: in, out: out, prompt: newPrompter(in, out)}
	root := &cobra.Command{
		Use:           "walletctl",
		Short:         "Control a running walletd",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	defaultAddr := os.Getenv("WALLETCTL_ADDR")
	if defaultAddr == "" {
		defaultAddr = "http://127.0.0.1:8080"
	}
	root.PersistentFlags().StringVar(&c.addr, "addr", defaultAddr, "walletd base URL")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", time.Minute, "request timeout")

	root.AddCommand(
		c.statusCmd(),
		c.unlockCmd(),
		c.lockCmd(),
		c.passphraseCmd(),
		c.resetCmd(),
		c.createNodeCmd(),
		c.getNodeCmd(),
	)
	return root
}

func (c *cli) client() *walletapi.Client {
	return walletapi.NewClient(c.addr, nil)
}

func (c *cli) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *cli) print(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show lock state and pending signer calls",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := c.context(cmd)
			defer cancel()
			view, err := c.client().Session(ctx)
			if err != nil {
				return err
			}
			return c.print(view)
		},
	}
}

func (c *cli) unlockCmd() *cobra.Command {
	var relock time.Duration
	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "Unlock the wallet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			passphrase, err := c.prompt.secret("Passphrase: ")
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			view, err := c.client().Unlock(ctx, passphrase, relock)
			if err != nil {
				return err
			}
			return c.print(view)
		},
	}
	cmd.Flags().DurationVar(&relock, "relock", 0, "relock after this duration (0 uses the daemon default)")
	return cmd
}

func (c *cli) lockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lock",
		Short: "Lock the wallet immediately",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := c.context(cmd)
			defer cancel()
			view, err := c.client().Lock(ctx)
			if err != nil {
				return err
			}
			return c.print(view)
		},
	}
}

func (c *cli) passphraseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "passphrase",
		Short: "Set or change the wallet passphrase",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			passphrase, err := c.prompt.secret("New passphrase: ")
			if err != nil {
				return err
			}
			confirm, err := c.prompt.secret("Confirm passphrase: ")
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			view, err := c.client().SetPassphrase(ctx, passphrase, confirm)
			if err != nil {
				return err
			}
			return c.print(view)
		},
	}
}

func (c *cli) resetCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Lock the wallet and delete the stored credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("reset deletes the stored passphrase envelope; pass --yes to confirm")
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			view, err := c.client().ClearCredentials(ctx)
			if err != nil {
				return err
			}
			return c.print(view)
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion of stored credentials")
	return cmd
}

func (c *cli) createNodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create-node",
		Short: "Create a new extended key node (wallet must be unlocked)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := c.context(cmd)
			defer cancel()
			node, err := c.client().CreateNode(ctx)
			if err != nil {
				return err
			}
			return c.print(node)
		},
	}
}

func (c *cli) getNodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get-node [seed]",
		Short: "Derive a node from a hex seed (read from the prompt when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var seed string
			if len(args) == 1 {
				seed = args[0]
			} else {
				var err error
				if seed, err = c.prompt.secret("Seed (hex): "); err != nil {
					return err
				}
			}
			if seed == "" {
				return errors.New("seed is required")
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			node, err := c.client().GetNode(ctx, seed)
			if err != nil {
				return err
			}
			return c.print(node)
		},
	}
}
