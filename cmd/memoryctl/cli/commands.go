package cli

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/companionhq/companion/internal/auth"
	"github.com/companionhq/companion/internal/config"
	"github.com/companionhq/companion/internal/memory"
)

func newEnsureIndexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ensure-index",
		Short: "Create the configured vector index, or check an existing one matches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), func(m *memory.Manager) error {
				fmt.Fprintln(cmd.OutOrStdout(), "index ready")
				return nil
			})
		},
	}
}

func newHistoryCmd(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the most recent turns of a conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), func(m *memory.Manager) error {
				turns, err := m.GetRecentHistory(cmd.Context(), opts.key(), limit)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), turns)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 30, "Number of turns")
	return cmd
}

func newAppendCmd(opts *options) *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "append <content>",
		Short: "Append one turn to a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), func(m *memory.Manager) error {
				return m.AppendTurn(cmd.Context(), opts.key(), memory.Turn{Role: memory.Role(role), Content: args[0]})
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", string(memory.RoleUser), "Turn role (user or system)")
	return cmd
}

func newClearHistoryCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-history",
		Short: "Delete a conversation's short-term history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), func(m *memory.Manager) error {
				return m.ClearHistory(cmd.Context(), opts.key())
			})
		},
	}
}

func newSeedCmd(opts *options) *cobra.Command {
	var (
		file      string
		delimiter string
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Seed an empty conversation with a companion's example dialogue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return errors.New("--file is required")
			}
			seed, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading seed: %w", err)
			}
			return withManager(cmd.Context(), func(m *memory.Manager) error {
				seeded, err := m.SeedHistory(cmd.Context(), opts.key(), string(seed), delimiter)
				if err != nil {
					return err
				}
				if !seeded {
					fmt.Fprintln(cmd.OutOrStdout(), "history already present, seed skipped")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), "history seeded")
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "File holding the example dialogue")
	cmd.Flags().StringVar(&delimiter, "delimiter", "", "Turn delimiter (default newline)")
	return cmd
}

func newIngestCmd(opts *options) *cobra.Command {
	var (
		id   string
		meta []string
	)
	cmd := &cobra.Command{
		Use:   "ingest <text>",
		Short: "Embed text and store it as a long-term memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			md, err := parseMetadata(meta)
			if err != nil {
				return err
			}
			return withManager(cmd.Context(), func(m *memory.Manager) error {
				var ingestOpts []memory.IngestOption
				if id != "" {
					ingestOpts = append(ingestOpts, memory.WithRecordID(id))
				}
				rec, err := m.IngestMemory(cmd.Context(), opts.key(), args[0], md, ingestOpts...)
				if err != nil {
					return err
				}
				rec.Vector = nil
				return printJSON(cmd.OutOrStdout(), rec)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Record id; reusing one replaces the record")
	cmd.Flags().StringArrayVar(&meta, "meta", nil, "Metadata as key=value, repeatable")
	return cmd
}

func newSearchCmd(opts *options) *cobra.Command {
	var topK int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Find the long-term memories most similar to a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), func(m *memory.Manager) error {
				results, err := m.RetrieveRelevantMemories(cmd.Context(), opts.key(), args[0], topK)
				if err != nil {
					return err
				}
				for i := range results {
					results[i].Record.Vector = nil
				}
				return printJSON(cmd.OutOrStdout(), results)
			})
		},
	}
	cmd.Flags().IntVarP(&topK, "top-k", "k", 3, "Number of results")
	return cmd
}

func newForgetCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "forget",
		Short: "Delete every long-term memory of a conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), func(m *memory.Manager) error {
				return m.ForgetMemories(cmd.Context(), opts.key())
			})
		},
	}
}

func newContextCmd(opts *options) *cobra.Command {
	var persona memory.Persona
	cmd := &cobra.Command{
		Use:   "context [query]",
		Short: "Print the prompt context that would be built for the next turn",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var query string
			if len(args) == 1 {
				query = args[0]
			}
			return withManager(cmd.Context(), func(m *memory.Manager) error {
				payload := m.BuildContext(cmd.Context(), opts.key(), query, persona)
				if payload.Degraded {
					fmt.Fprintln(cmd.ErrOrStderr(), "warning: context is degraded, see logs")
				}
				fmt.Fprint(cmd.OutOrStdout(), payload.Prompt(opts.companion))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&persona.Name, "persona-name", "", "Companion display name")
	cmd.Flags().StringVar(&persona.Description, "persona-description", "", "Companion description")
	cmd.Flags().StringVar(&persona.Instructions, "persona-instructions", "", "Companion instructions")
	return cmd
}

func newTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue an access token for the HTTP API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if cfg.JWT.AccessSecret == "" {
				return errors.New("JWT_ACCESS_SECRET is not set")
			}
			token, err := auth.NewJWTManager(cfg.JWT.AccessSecret, cfg.JWT.AccessExpiry).GenerateAccessToken(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}

// parseMetadata reads key=value pairs. Values that parse as numbers or booleans keep that type.
func parseMetadata(pairs []string) (memory.Metadata, error) {
	md := memory.Metadata{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("metadata %q must be key=value", p)
		}
		switch {
		case v == "true" || v == "false":
			md[k] = v == "true"
		default:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				md[k] = f
			} else {
				md[k] = v
			}
		}
	}
	if err := md.Validate(); err != nil {
		return nil, err
	}
	return md, nil
}
