// SPDX-FileCopyrightText: Copyright (C) 2026  The Onionswarm Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// onionswarm client
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/katzenpost/onionswarm/common"
	"github.com/katzenpost/onionswarm/config"
	"github.com/katzenpost/onionswarm/daemon"
	"github.com/katzenpost/onionswarm/identity"
)

const defaultConfigFile = "onionswarm.toml"

// newRootCommand creates the root cobra command
func newRootCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "onionswarm",
		Short: "Onion routed swarm messaging client",
		Long: `onionswarm sends and receives end to end encrypted messages through
the swarms of a public storage node network. Every request travels over a
three hop onion path, so no single node learns both who is asking and
which mailbox is being read or written.

Core functionality:
• Builds and maintains onion paths through the node pool
• Polls the own mailbox and tracked group mailboxes at a cadence that
  follows their activity
• Queues outbound messages per device and retries them across restarts`,
		Example: `
  # Create an identity
  ONIONSWARM_PASSPHRASE=secret onionswarm genkey -o /var/lib/onionswarm/identity.key

  # Run the client
  onionswarm run -c /etc/onionswarm.toml

  # Send a message
  onionswarm send -c /etc/onionswarm.toml 05d1...c3 "hello"

  # Fetch new messages once
  onionswarm fetch -c /etc/onionswarm.toml`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigFile,
		"path to the client configuration file (TOML format)")

	cmd.AddCommand(
		newRunCommand(&configFile),
		newGenkeyCommand(),
		newFetchCommand(&configFile),
		newSendCommand(&configFile),
	)
	return cmd
}

func main() {
	common.ExecuteWithFang(newRootCommand())
}

func loadDaemon(configFile string) (*daemon.Daemon, error) {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return nil, common.Usagef("failed to load config file '%v': %v", configFile, err)
	}
	d, err := daemon.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create daemon: %v", err)
	}
	return d, nil
}

func newRunCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the client until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			haltCh := make(chan os.Signal, 1)
			signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)
			rotateCh := make(chan os.Signal, 1)
			signal.Notify(rotateCh, syscall.SIGHUP)

			d, err := loadDaemon(*configFile)
			if err != nil {
				return err
			}
			defer d.Shutdown()
			if err := d.Start(); err != nil {
				return fmt.Errorf("failed to start daemon: %v", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Running as %s\n", d.SessionID())

			go func() {
				<-haltCh
				d.Shutdown()
			}()
			go func() {
				for range rotateCh {
					d.RotateLog()
				}
			}()
			go func() {
				for {
					select {
					case <-d.Ready():
						for _, in := range d.Drain() {
							printIncoming(cmd, in)
						}
					case <-d.HaltCh():
						return
					}
				}
			}()

			d.Wait()
			return nil
		},
	}
}

func newGenkeyCommand() *cobra.Command {
	var (
		out           string
		passphraseEnv string
	)
	cmd := &cobra.Command{
		Use:   "genkey",
		Short: "Generate an encrypted identity file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(out); err == nil {
				return common.Usagef("refusing to overwrite '%v'", out)
			} else if !errors.Is(err, os.ErrNotExist) {
				return err
			}
			pass := os.Getenv(passphraseEnv)
			if pass == "" {
				return common.Usagef("%s is not set", passphraseEnv)
			}
			id, err := identity.Generate()
			if err != nil {
				return err
			}
			if err := id.Save(out, []byte(pass)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id.SessionID())
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "identity.key", "identity file to create")
	cmd.Flags().StringVar(&passphraseEnv, "passphrase-env", "ONIONSWARM_PASSPHRASE",
		"environment variable holding the passphrase")
	return cmd
}

func newFetchCommand(configFile *string) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Poll every tracked mailbox once and print new messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := loadDaemon(*configFile)
			if err != nil {
				return err
			}
			defer d.Shutdown()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			for _, in := range d.Fetch(ctx) {
				printIncoming(cmd, in)
			}
			return nil
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", time.Minute, "give up after this long")
	return cmd
}

func newSendCommand(configFile *string) *cobra.Command {
	var (
		ttl     time.Duration
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send <session-id> <message>",
		Short: "Send one message and wait for it to be stored",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := loadDaemon(*configFile)
			if err != nil {
				return err
			}
			defer d.Shutdown()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := d.Send(ctx, args[0], []byte(args[1]), ttl); err != nil {
				return fmt.Errorf("failed to send: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "sent")
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", daemon.DefaultTTL, "message lifetime")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", time.Minute, "give up after this long")
	return cmd
}

func printIncoming(cmd *cobra.Command, in *daemon.Incoming) {
	from := "group"
	if in.Sender != nil {
		from = hex.EncodeToString(in.Sender.Bytes())
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s: %q\n", in.Received.Format(time.RFC3339), in.Mailbox, from, in.Payload)
}
