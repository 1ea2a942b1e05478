package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"notary/internal/hashing"
)

// NewRootCmd assembles the notaryctl command tree
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "notaryctl",
		Short:         "Hash documents, build inclusion proofs and query a notary gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newHashCmd(),
		newProofCmd(),
		newVerifyCmd(),
		newStatusCmd(),
		newConfigCmd(),
	)
	return root
}

// Execute runs the root command and exits non-zero on failure
func Execute() {
	root := NewRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(root.ErrOrStderr(), "Error:", err)
		os.Exit(1)
	}
}

// readDocuments loads files in argument order; the title is the base name
func readDocuments(paths []string) ([]hashing.Document, error) {
	docs := make([]hashing.Document, 0, len(paths))
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		docs = append(docs, hashing.Document{Title: filepath.Base(p), Content: string(b)})
	}
	return docs, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
