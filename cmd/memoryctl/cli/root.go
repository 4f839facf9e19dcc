// Package cli is the memoryctl admin tool: it drives the memory Manager directly, without
// going through the HTTP API.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/companionhq/companion/internal/app"
	"github.com/companionhq/companion/internal/config"
	"github.com/companionhq/companion/internal/memory"
)

type options struct {
	companion string
	model     string
	user      string
}

func (o *options) key() memory.CompanionKey {
	return memory.CompanionKey{CompanionName: o.companion, ModelName: o.model, UserID: o.user}
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "memoryctl",
		Short: "Inspect and manage companion memory",
		Long: `memoryctl reads and writes companion conversation history and long-term memories
using the same configuration (environment or .env) as companiond.`,
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.companion, "companion", "c", "", "Companion name")
	flags.StringVarP(&opts.model, "model", "m", "", "Model name")
	flags.StringVarP(&opts.user, "user", "u", "", "User id")

	root.AddCommand(
		newEnsureIndexCmd(),
		newHistoryCmd(opts),
		newAppendCmd(opts),
		newClearHistoryCmd(opts),
		newSeedCmd(opts),
		newIngestCmd(opts),
		newSearchCmd(opts),
		newForgetCmd(opts),
		newContextCmd(opts),
		newTokenCmd(),
	)
	return root
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withManager loads configuration, opens the stores and runs fn.
func withManager(ctx context.Context, fn func(*memory.Manager) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a.Manager)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
