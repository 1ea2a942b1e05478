package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"notary/config"
	"notary/internal/network"
)

func newConfigCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Inspect service configuration",
	}
	var flagDir string
	check := &cobra.Command{
		Use:   "check",
		Short: "Load every config file in a directory and validate the network registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(flagDir)
			if err != nil {
				return err
			}
			if cfg.Blockchain == nil {
				return errors.New("blockchain.yml not found")
			}
			registry, err := network.NewRegistry(cfg.Blockchain.Networks)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "gateway config: %s\n", presence(cfg.Gateway != nil))
			fmt.Fprintf(w, "engine config:  %s\n", presence(cfg.Engine != nil))
			for _, n := range registry.All() {
				submit := "accepting submissions"
				if _, err := registry.CheckSubmittable(n.Key); err != nil {
					submit = err.Error()
				}
				fmt.Fprintf(w, "network %-8s chain_id=%-10d client=%-10s %s\n", n.Key, n.ChainID, n.ClientType, submit)
			}
			return nil
		},
	}
	check.Flags().StringVar(&flagDir, "dir", "./config", "configuration directory")
	c.AddCommand(check)
	return c
}

func presence(ok bool) string {
	if ok {
		return "ok"
	}
	return "absent"
}
