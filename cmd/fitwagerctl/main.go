package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fitwager/coordinator/internal/config"
	"github.com/fitwager/coordinator/internal/logging"
	"github.com/fitwager/coordinator/internal/middleware"
	"github.com/fitwager/coordinator/internal/models"
	"github.com/fitwager/coordinator/internal/p2p"
	"github.com/fitwager/coordinator/internal/services"
	"github.com/fitwager/coordinator/internal/storage"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/spf13/cobra"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:          "fitwagerctl",
		Short:        "FitWager coordinator administration",
		Long:         `Operational tooling for the FitWager coordinator: schema migrations, tokens, hash audits and the attestation relay.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $CONFIG_PATH or ./config.toml)")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(hashCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(serviceKeyCmd())
	rootCmd.AddCommand(challengesCmd())
	rootCmd.AddCommand(relayCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "config.toml"
	}

	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) && cfgFile == "" {
		return config.DefaultConfig(), nil
	}
	return cfg, err
}

func openStore(ctx context.Context) (*config.Config, storage.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	return cfg, store, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			m, ok := store.(storage.Migrator)
			if !ok {
				fmt.Fprintf(cmd.OutOrStdout(), "driver %q has no schema, nothing to do\n", cfg.Database.Driver)
				return nil
			}

			path, _ := cmd.Flags().GetString("path")
			if path == "" {
				path = cfg.Database.MigrationsPath
			}
			if err := m.Migrate(cmd.Context(), path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrations applied (%s)\n", cfg.Database.Driver)
			return nil
		},
	}

	cmd.Flags().String("path", "", "migrations directory (default: embedded migrations)")
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a caller JWT for an identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("jwt secret is not configured")
			}

			identity, _ := cmd.Flags().GetString("identity")
			email, _ := cmd.Flags().GetString("email")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if ttl == 0 {
				ttl = cfg.Auth.TokenTTL()
			}

			token, err := middleware.GenerateToken(identity, email, middleware.JWTConfig{
				Secret:     cfg.Auth.JWTSecret,
				Expiration: ttl,
			})
			if err != nil {
				return fmt.Errorf("failed to generate token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().String("identity", "", "participant identity (required)")
	cmd.Flags().String("email", "", "email claim")
	cmd.Flags().Duration("ttl", 0, "token lifetime (default from config)")
	cmd.MarkFlagRequired("identity")
	return cmd
}

func hashCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash",
		Short: "Compute a verification hash",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, _ := cmd.Flags().GetString("secret")
			if secret == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				secret = cfg.Verification.Secret
			}
			if secret == "" {
				return errors.New("verification secret is not configured")
			}

			participant, _ := cmd.Flags().GetString("participant")
			challenge, _ := cmd.Flags().GetString("challenge")
			score, _ := cmd.Flags().GetInt64("score")
			millis, _ := cmd.Flags().GetInt64("timestamp")

			hash := services.ComputeHash(participant, challenge, score, time.UnixMilli(millis), secret)
			b, err := services.HashToBytes(hash)
			if err != nil {
				return err
			}

			out, _ := json.Marshal(services.ByteArray(b))
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	cmd.Flags().String("participant", "", "participant identity (required)")
	cmd.Flags().String("challenge", "", "challenge ID (required)")
	cmd.Flags().Int64("score", 0, "calculated score")
	cmd.Flags().Int64("timestamp", 0, "verification time in unix milliseconds (required)")
	cmd.Flags().String("secret", "", "hash secret (default from config)")
	cmd.MarkFlagRequired("participant")
	cmd.MarkFlagRequired("challenge")
	cmd.MarkFlagRequired("timestamp")
	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit <challenge-id> [identity...]",
		Short: "Recompute stored verification hashes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			challengeID := args[0]
			identities := args[1:]
			if len(identities) == 0 {
				participants, err := store.ListParticipants(cmd.Context(), challengeID)
				if err != nil {
					return err
				}
				for _, p := range participants {
					if p.HasSubmitted {
						identities = append(identities, p.Identity)
					}
				}
			}

			proofs := services.NewProofService(store, cfg.Verification.Secret)
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "IDENTITY\tSCORE\tVERIFIED AT\tVALID")

			invalid := 0
			for _, id := range identities {
				res, err := proofs.Audit(cmd.Context(), challengeID, id)
				if err != nil {
					fmt.Fprintf(w, "%s\t-\t-\t%v\n", id, err)
					invalid++
					continue
				}
				if !res.Valid {
					invalid++
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%t\n", id, res.Score, res.VerifiedAt.Format(time.RFC3339), res.Valid)
			}
			w.Flush()

			if invalid > 0 {
				return fmt.Errorf("%d of %d verifications failed the audit", invalid, len(identities))
			}
			return nil
		},
	}
	return cmd
}

func serviceKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service-key <service-id>",
		Short: "Generate an API key for an internal service",
		Long:  `Generates a random API key and prints the bcrypt hash to add under [auth.service_key_hashes].`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := make([]byte, 32)
			if _, err := rand.Read(raw); err != nil {
				return fmt.Errorf("failed to generate key: %w", err)
			}
			key := base64.RawURLEncoding.EncodeToString(raw)

			hash, err := middleware.HashServiceKey(key)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "api key (give to %s): %s\n", args[0], key)
			fmt.Fprintf(out, "config entry:\n[auth.service_key_hashes]\n%s = %s\n", strconv.Quote(args[0]), strconv.Quote(hash))
			return nil
		},
	}
	return cmd
}

func challengesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "challenges",
		Short: "Inspect challenges",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List challenges",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			status, _ := cmd.Flags().GetString("status")
			creator, _ := cmd.Flags().GetString("creator")
			limit, _ := cmd.Flags().GetInt("limit")

			challenges, err := store.ListChallenges(cmd.Context(), models.ChallengeFilter{
				Status:  models.ChallengeStatus(status),
				Creator: creator,
				Limit:   limit,
			})
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tTYPE\tGOAL\tSTATUS\tENDS\tWINNER")
			for _, c := range challenges {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					c.ID, c.Title, c.Type, services.FormatScore(c.Goal, c.Type), c.Status,
					c.EndTime.Format(time.RFC3339), c.Winner)
			}
			return w.Flush()
		},
	}
	list.Flags().String("status", "", "filter by status (active, ended, cancelled)")
	list.Flags().String("creator", "", "filter by creator identity")
	list.Flags().Int("limit", 50, "maximum number of rows")

	cmd.AddCommand(list)
	return cmd
}

func relayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run an attestation relay that receives published submissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := slog.New(logging.Init(cfg.Log.Level, cfg.Log.Format))

			listen, _ := cmd.Flags().GetStringSlice("listen")
			if len(listen) == 0 {
				listen = cfg.P2P.ListenAddresses
			}
			secret := cfg.Verification.Secret

			node, err := p2p.NewNode(p2p.NodeConfig{
				ListenAddresses: listen,
				EnableTCP:       true,
				EnableQUIC:      true,
				BootstrapPeers:  cfg.P2P.BootstrapPeers,
			}, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := node.Start(ctx); err != nil {
				return err
			}
			defer node.Close()

			proofs := services.NewProofService(nil, secret)
			node.OnSubmission(func(ctx context.Context, from peer.ID, sub *services.LedgerSubmission) error {
				// Relays sharing the coordinator secret reject tampered submissions.
				if secret != "" && !proofs.VerifyProof(&models.FitnessVerification{
					ChallengeID:     sub.ChallengeID,
					Identity:        sub.Identity,
					CalculatedScore: sub.Score,
					VerifiedAt:      sub.VerifiedAt,
					Hash:            sub.Hash,
					HashVersion:     sub.HashVersion,
				}) {
					return errors.New("hash does not match submission")
				}
				line, _ := json.Marshal(sub)
				fmt.Fprintln(cmd.OutOrStdout(), string(line))
				return nil
			})

			for _, addr := range node.Addrs() {
				logger.Info("relay listening", "addr", addr)
			}

			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringSlice("listen", nil, "listen multiaddrs (default from config)")
	return cmd
}
