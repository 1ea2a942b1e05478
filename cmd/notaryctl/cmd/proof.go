package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"notary/internal/hashing"
	"notary/internal/merkle"
)

type proofOutput struct {
	MerkleRoot string        `json:"merkle_root"`
	Proof      *merkle.Proof `json:"proof"`
}

func newProofCmd() *cobra.Command {
	var flagIndex int
	c := &cobra.Command{
		Use:   "proof --index N FILE...",
		Short: "Print the inclusion proof of one file within the ordered set",
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
			proof, err := merkle.Prove(hashing.Leaves(tree.Documents), flagIndex)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), proofOutput{MerkleRoot: tree.Root.Hex(), Proof: proof})
		},
	}
	c.Flags().IntVar(&flagIndex, "index", 0, "zero-based position of the document")
	return c
}

func newVerifyCmd() *cobra.Command {
	var (
		flagRoot  string
		flagProof string
	)
	c := &cobra.Command{
		Use:   "verify --root R --proof FILE|JSON",
		Short: "Check an inclusion proof against a Merkle root",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := hashing.ParseDigest(flagRoot)
			if err != nil {
				return err
			}
			proof, err := loadProof(flagProof)
			if err != nil {
				return err
			}
			if err := merkle.Verify(root, proof); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "OK: leaf %d (%s) is included under %s\n", proof.Index, proof.Leaf.Hex(), root.Hex())
			return nil
		},
	}
	c.Flags().StringVar(&flagRoot, "root", "", "expected Merkle root (hex)")
	c.Flags().StringVar(&flagProof, "proof", "", "proof JSON, inline or a path to the output of `proof`")
	_ = c.MarkFlagRequired("root")
	_ = c.MarkFlagRequired("proof")
	return c
}

// loadProof accepts either a bare proof or the {merkle_root, proof} document printed by proof
func loadProof(arg string) (*merkle.Proof, error) {
	data := []byte(arg)
	if !strings.HasPrefix(strings.TrimSpace(arg), "{") {
		b, err := os.ReadFile(arg)
		if err != nil {
			return nil, fmt.Errorf("read proof: %w", err)
		}
		data = b
	}

	var wrapped proofOutput
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Proof != nil {
		return wrapped.Proof, nil
	}
	var p merkle.Proof
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode proof: %w", err)
	}
	return &p, nil
}
