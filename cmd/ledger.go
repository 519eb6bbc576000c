package main

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/spf13/cobra"
)

var (
	ledgerJSON bool
	ledgerHash string
)

// ledgerCmd groups ledger maintenance commands
var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect the referral and provenance ledgers",
}

// ledgerShowCmd prints every reference code and the provenance totals
var ledgerShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print reference credits and provenance counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		stores, err := openLedgers(ctx, cfg)
		if err != nil {
			return err
		}
		defer stores.Close()

		if ledgerHash != "" {
			return showHash(ctx, cmd, stores, ledgerHash)
		}

		refs, err := stores.references.All(ctx)
		if err != nil {
			return fmt.Errorf("list references: %w", err)
		}
		generated, rewarded, err := stores.provenance.Counts(ctx)
		if err != nil {
			return fmt.Errorf("count provenance: %w", err)
		}

		out := cmd.OutOrStdout()
		if ledgerJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"references":       refs,
				"generated_images": generated,
				"rewarded_uploads": rewarded,
			})
		}

		fmt.Fprintf(out, "Reference codes (%d)\n", len(refs))
		for _, code := range slices.Sorted(maps.Keys(refs)) {
			fmt.Fprintf(out, "  %-14s %d\n", code, refs[code])
		}
		fmt.Fprintf(out, "Generated images: %d\nRewarded uploads: %d\n", generated, rewarded)
		return nil
	},
}

func init() {
	ledgerShowCmd.Flags().BoolVar(&ledgerJSON, "json", false, "Print as JSON")
	ledgerShowCmd.Flags().StringVar(&ledgerHash, "hash", "", "Show provenance and upload rewards for one image hash")
}

// showHash prints whether hash was generated here and every reward paid for it.
func showHash(ctx context.Context, cmd *cobra.Command, stores *ledgers, hash string) error {
	generated, err := stores.provenance.IsGenerated(ctx, hash)
	if err != nil {
		return fmt.Errorf("check provenance: %w", err)
	}
	rewards, err := stores.provenance.Rewards(ctx, hash)
	if err != nil {
		return fmt.Errorf("list rewards: %w", err)
	}

	out := cmd.OutOrStdout()
	if ledgerJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"hash":      hash,
			"generated": generated,
			"rewards":   rewards,
		})
	}

	fmt.Fprintf(out, "Hash %s\nGenerated: %t\nRewards (%d)\n", hash, generated, len(rewards))
	for _, session := range slices.Sorted(maps.Keys(rewards)) {
		r := rewards[session]
		fmt.Fprintf(out, "  %s %d %s %q\n", session, r.Token, r.Timestamp.UTC().Format(time.RFC3339), r.Message)
	}
	return nil
}
