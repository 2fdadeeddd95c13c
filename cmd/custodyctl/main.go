// custodyctl drives one ceremony step per invocation against a node's
// configured secret module, durable state, and bulletin board. There is no
// interactive shell and no daemon mode: every subcommand opens the node,
// performs exactly one operation, and exits.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shardvault/custody/internal/config"
	"github.com/shardvault/custody/internal/logging"
	"github.com/shardvault/custody/internal/node"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "custodyctl",
	Short: "Operate a threshold custody node",
	Long: `custodyctl drives a single threshold custody node through DKG and
signing ceremonies, one step per invocation.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "custody.toml", "Path to the node's TOML configuration file")
	rootCmd.AddCommand(initCmd, identityCmd, dkgCmd, signCmd, stateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "custodyctl: %v\n", err)
		os.Exit(1)
	}
}

// openNode loads configuration and opens a Node, the sequence every
// subcommand's RunE starts with.
func openNode() (*node.Node, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, err := logging.New()
	if err != nil {
		return nil, fmt.Errorf("custodyctl: build logger: %w", err)
	}
	return node.Open(cfg, log)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Provision this node's identity key and nonce master seed",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := openNode()
		if err != nil {
			return err
		}
		defer n.Close()
		return n.Init()
	},
}

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Manage this node's identity document",
}

var identityPostCmd = &cobra.Command{
	Use:   "post",
	Short: "Publish this node's public key document to the bulletin board",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := openNode()
		if err != nil {
			return err
		}
		defer n.Close()
		return n.PostIdentity(cmd.Context())
	},
}

var dkgCmd = &cobra.Command{
	Use:   "dkg",
	Short: "Run a distributed key generation ceremony step",
}

var (
	dkgRoundID   string
	dkgThreshold int
	dkgTotal     int
)

var dkgStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Commit this node's Feldman VSS coefficients for a new round",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := openNode()
		if err != nil {
			return err
		}
		defer n.Close()
		return n.DKGCommit(cmd.Context(), dkgRoundID, dkgThreshold, dkgTotal)
	},
}

var dkgDistributeCmd = &cobra.Command{
	Use:   "distribute",
	Short: "Encrypt and post this node's shares to every other participant",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := openNode()
		if err != nil {
			return err
		}
		defer n.Close()
		return n.DKGDistribute(cmd.Context(), dkgRoundID, dkgTotal)
	},
}

var dkgFinalizeCmd = &cobra.Command{
	Use:   "finalize",
	Short: "Verify received shares and derive the group public key",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := openNode()
		if err != nil {
			return err
		}
		defer n.Close()
		return n.DKGFinalise(cmd.Context(), dkgRoundID, dkgThreshold)
	},
}

var dkgStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report which participants have committed, and which are disqualified",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := openNode()
		if err != nil {
			return err
		}
		defer n.Close()
		book, err := n.DKGStatus(cmd.Context(), dkgRoundID, dkgTotal)
		if err != nil {
			return err
		}
		fmt.Printf("posted: %v\ninactive: %d\ndisqualified: %v\n", book.Posted, book.Inactive, book.Disqualified)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{dkgStartCmd, dkgDistributeCmd, dkgFinalizeCmd, dkgStatusCmd} {
		c.Flags().StringVar(&dkgRoundID, "round", "", "DKG round identifier (required)")
		c.MarkFlagRequired("round")
	}
	dkgStartCmd.Flags().IntVar(&dkgThreshold, "threshold", 0, "Signing threshold t (required)")
	dkgStartCmd.Flags().IntVar(&dkgTotal, "total", 0, "Total participants n (required)")
	dkgStartCmd.MarkFlagRequired("threshold")
	dkgStartCmd.MarkFlagRequired("total")

	dkgDistributeCmd.Flags().IntVar(&dkgTotal, "total", 0, "Total participants n (required)")
	dkgDistributeCmd.MarkFlagRequired("total")

	dkgFinalizeCmd.Flags().IntVar(&dkgThreshold, "threshold", 0, "Signing threshold t (required)")
	dkgFinalizeCmd.MarkFlagRequired("threshold")

	dkgStatusCmd.Flags().IntVar(&dkgTotal, "total", 0, "Total participants n (required)")
	dkgStatusCmd.MarkFlagRequired("total")

	dkgCmd.AddCommand(dkgStartCmd, dkgDistributeCmd, dkgFinalizeCmd, dkgStatusCmd)
	identityCmd.AddCommand(identityPostCmd)
}

var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "Run a threshold signing ceremony step",
}

var (
	signRoundID   string
	signRequestID string
	signMessage   string
	signThreshold int
)

var signRequestCmd = &cobra.Command{
	Use:   "request",
	Short: "Post a new signing request",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := openNode()
		if err != nil {
			return err
		}
		defer n.Close()
		return n.SignRequest(cmd.Context(), signRequestID, signMessage, signThreshold)
	},
}

var signApproveCmd = &cobra.Command{
	Use:   "approve",
	Short: "Derive a nonce and commit to a pending signing request",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := openNode()
		if err != nil {
			return err
		}
		defer n.Close()
		return n.SignApprove(cmd.Context(), signRoundID, signRequestID)
	},
}

var signFinalizeCmd = &cobra.Command{
	Use:   "finalize",
	Short: "Contribute this node's partial signature and combine if enough are posted",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := openNode()
		if err != nil {
			return err
		}
		defer n.Close()
		return n.SignFinalise(cmd.Context(), signRoundID, signRequestID)
	},
}

func init() {
	signRequestCmd.Flags().StringVar(&signRequestID, "request", "", "Signing request identifier (required)")
	signRequestCmd.Flags().StringVar(&signMessage, "message", "", "Message to sign (required)")
	signRequestCmd.Flags().IntVar(&signThreshold, "threshold", 0, "Signing threshold t (required)")
	signRequestCmd.MarkFlagRequired("request")
	signRequestCmd.MarkFlagRequired("message")
	signRequestCmd.MarkFlagRequired("threshold")

	for _, c := range []*cobra.Command{signApproveCmd, signFinalizeCmd} {
		c.Flags().StringVar(&signRoundID, "round", "", "DKG round identifier backing this signature (required)")
		c.Flags().StringVar(&signRequestID, "request", "", "Signing request identifier (required)")
		c.MarkFlagRequired("round")
		c.MarkFlagRequired("request")
	}

	signCmd.AddCommand(signRequestCmd, signApproveCmd, signFinalizeCmd)
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect this node's durable local state",
}

var stateAuditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Cross-check local nonce records against the secret module",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := openNode()
		if err != nil {
			return err
		}
		defer n.Close()

		mismatches, err := n.StateAudit()
		if err != nil {
			return err
		}
		if len(mismatches) == 0 {
			fmt.Println("state audit: clean")
			return nil
		}
		for _, m := range mismatches {
			fmt.Printf("state audit: mismatch for %s: %s\n", m.RequestID, m.Reason)
		}
		return fmt.Errorf("custodyctl: state audit found %d mismatch(es)", len(mismatches))
	},
}

func init() {
	stateCmd.AddCommand(stateAuditCmd)
}
