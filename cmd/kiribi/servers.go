package main

import (
	"fmt"

	"github.com/opd-ai/kiribi/crypto"
	"github.com/opd-ai/kiribi/lookup"
	"github.com/opd-ai/kiribi/natt"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var nattCmd = &cobra.Command{
	Use:   "natt",
	Short: "Run the NATT rendezvous server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
			cfg.NATT.Listen = listen
		}
		opts := natt.NewServerOptions()
		if cfg.NATT.Capacity > 0 {
			opts.Capacity = cfg.NATT.Capacity
		}
		server, err := natt.NewServer(cfg.NATT.Listen, opts)
		if err != nil {
			return err
		}
		defer server.Close()

		logrus.WithFields(logrus.Fields{
			"function": "natt",
			"address":  server.Addr().String(),
		}).Info("NATT server running")
		waitSignal(cmd.Context())
		return nil
	},
}

var lookupCmd = &cobra.Command{
	Use:   "lookup",
	Short: "Run the lookup directory server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
			cfg.Lookup.Listen = listen
		}
		keys, err := loadKey(cfg.KeyFile)
		if err != nil {
			return fmt.Errorf("load key %s: %w", cfg.KeyFile, err)
		}
		defer wipeKey(keys)
		opts := lookup.NewServerOptions()
		if cfg.Lookup.Capacity > 0 {
			opts.Capacity = cfg.Lookup.Capacity
		}
		server, err := lookup.NewServer(cfg.Lookup.Listen, keys, opts)
		if err != nil {
			return err
		}
		defer server.Close()

		logrus.WithFields(logrus.Fields{
			"function": "lookup",
			"address":  server.Addr().String(),
			"identity": keys.Address().String(),
		}).Info("Lookup server running")
		waitSignal(cmd.Context())
		return nil
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a node key and print its Address",
	RunE: func(cmd *cobra.Command, args []string) error {
		kp, err := crypto.GenerateKeyPair()
		if err != nil {
			return err
		}
		defer wipeKey(kp)
		if err := saveKey(cfg.KeyFile, kp); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), kp.Address().String())
		return nil
	},
}

func init() {
	nattCmd.Flags().String("listen", "", "UDP listen address")
	lookupCmd.Flags().String("listen", "", "TCP listen address")
}
