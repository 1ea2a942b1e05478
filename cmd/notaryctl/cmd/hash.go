package cmd

import (
	"github.com/spf13/cobra"

	"notary/config"
	"notary/internal/gas"
	"notary/internal/hashing"
	"notary/internal/merkle"
	"notary/internal/network"
)

type hashOutput struct {
	MerkleRoot  string                   `json:"merkle_root"`
	LeafCount   int                      `json:"leaf_count"`
	Documents   []hashing.DocumentDigest `json:"documents"`
	Network     string                   `json:"network,omitempty"`
	GasEstimate *gas.Quote               `json:"gas_estimate,omitempty"`
}

func newHashCmd() *cobra.Command {
	var (
		flagNetwork          string
		flagBlockchainConfig string
		flagAudit            bool
	)
	c := &cobra.Command{
		Use:   "hash FILE...",
		Short: "Hash files in order and print their digests and Merkle root",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			docs, err := readDocuments(args)
			if err != nil {
				return err
			}
			tree, err := merkle.BuildDocuments(docs)
			if err != nil {
				return err
			}
			out := hashOutput{
				MerkleRoot: tree.Root.Hex(),
				LeafCount:  tree.LeafCount,
				Documents:  tree.Documents,
			}

			if flagNetwork != "" {
				bc, err := config.LoadBlockchainConfig(flagBlockchainConfig)
				if err != nil {
					return err
				}
				registry, err := network.NewRegistry(bc.Networks)
				if err != nil {
					return err
				}
				net, err := registry.Resolve(flagNetwork)
				if err != nil {
					return err
				}
				q, err := gas.NewEstimator().Quote(net, flagAudit)
				if err != nil {
					return err
				}
				out.Network = string(net.Key)
				out.GasEstimate = q
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
	c.Flags().StringVar(&flagNetwork, "network", "", "network key for a cost preview (subnet, testnet, local)")
	c.Flags().StringVar(&flagBlockchainConfig, "blockchain-config", "./config/blockchain.yml", "network registry file used for the cost preview")
	c.Flags().BoolVar(&flagAudit, "audit", false, "include the audit commitment in the cost preview")
	return c
}
