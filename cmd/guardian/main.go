package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"guardian/internal/config"
	"guardian/internal/db"
	"guardian/internal/domain"
	"guardian/internal/ledger"
	"guardian/internal/migrate"
	"guardian/internal/notify"
	"guardian/internal/policy"
	"guardian/internal/scheduler"
	"guardian/internal/server"
	"guardian/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "guardian",
	Short: "Guardian policy engine",
	Long: `Guardian runs verifiable-credential compliance workflows as policies:
trees of execution blocks driven by events, with every state change anchored
to an append-only ledger topic.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("GUARDIAN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-did", "", "acting identity DID")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-did", rootCmd.PersistentFlags().Lookup("actor-did"))
}

func registerCommands() {
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(blocksCmd())
	rootCmd.AddCommand(serveCmd())
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if l, err := zerolog.ParseLevel(viper.GetString("log-level")); err == nil && viper.GetString("log-level") != "" {
		level = l
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()
}

func openStore() (*sql.DB, store.Store, error) {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, store.Store{}, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, store.Store{}, err
	}
	return conn, store.Store{DB: conn}, nil
}

func newGateway(s store.Store, cfg *config.Config, log zerolog.Logger) *ledger.Gateway {
	codec := ledger.Codec{MaxChunkSize: cfg.Ledger.MaxMessageSize, Compress: cfg.Ledger.Compression}
	retry := ledger.RetryPolicy{Attempts: cfg.Ledger.RetryAttempts, Delay: cfg.RetryDelay()}
	return ledger.NewGateway(ledger.NewMemoryConsensus(), s, codec, retry, cfg.Ledger.SyncScope, log)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, _, err := openStore()
			if err != nil {
				return err
			}
			defer conn.Close()
			fmt.Println("database up to date:", db.Path(viper.GetString("workspace")))
			return nil
		},
	}
}

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "policy", Short: "Manage policies"}
	cmd.AddCommand(policyImportCmd())
	cmd.AddCommand(policyPublishCmd())
	cmd.AddCommand(policyListCmd())
	return cmd
}

func policyImportCmd() *cobra.Command {
	var file, name, version string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a policy definition as a draft",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner := viper.GetString("actor-did")
			if owner == "" {
				return fmt.Errorf("--actor-did required")
			}
			definition, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			conn, s, err := openStore()
			if err != nil {
				return err
			}
			defer conn.Close()
			log := newLogger()
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			svc := policy.Service{Store: s, Gateway: newGateway(s, cfg, log), Log: log}
			p, err := svc.Import(cmd.Context(), name, version, owner, definition)
			if err != nil {
				return err
			}
			return printJSONOrTable(p)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "definition file (json)")
	cmd.Flags().StringVar(&name, "name", "", "policy name")
	cmd.Flags().StringVar(&version, "version", "1.0.0", "policy version")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func policyPublishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish <policy-id>",
		Short: "Validate, anchor and publish a draft policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, s, err := openStore()
			if err != nil {
				return err
			}
			defer conn.Close()
			log := newLogger()
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			svc := policy.Service{Store: s, Gateway: newGateway(s, cfg, log), Log: log}
			p, err := svc.Publish(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSONOrTable(p)
		},
	}
}

func policyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, s, err := openStore()
			if err != nil {
				return err
			}
			defer conn.Close()
			svc := policy.Service{Store: s, Log: newLogger()}
			policies, err := svc.List(cmd.Context(), "")
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(policies)
			}
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"ID", "Name", "Version", "Status", "Topic", "Message"})
			for _, p := range policies {
				t.AppendRow(table.Row{p.ID, p.Name, p.Version, p.Status, p.TopicID, p.MessageID})
			}
			t.Render()
			return nil
		},
	}
}

func blocksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "blocks",
		Short: "List available block types",
		RunE: func(cmd *cobra.Command, args []string) error {
			types := policy.RegisteredTypes()
			if viper.GetBool("json") {
				return printJSON(types)
			}
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"Block Type"})
			for _, bt := range types {
				t.AppendRow(table.Row{bt})
			}
			t.Render()
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the engine: scheduler plus HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, s, err := openStore()
			if err != nil {
				return err
			}
			defer conn.Close()
			log := newLogger()
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			jwtSecret := cfg.Server.JWTSecret
			if jwtSecret == "" {
				jwtSecret = os.Getenv("GUARDIAN_JWT_SECRET")
			}
			if jwtSecret == "" {
				return fmt.Errorf("GUARDIAN_JWT_SECRET is required for bearer auth")
			}

			gateway := newGateway(s, cfg, log)
			bus := notify.New()
			factory := func(p domain.Policy) (*policy.Instance, error) {
				return policy.NewInstance(&policy.Env{
					Policy:  p,
					Store:   s,
					Gateway: gateway,
					Notify:  bus,
					Log:     log.With().Str("policy", p.ID).Logger(),
				})
			}
			sched := scheduler.New(s, factory, scheduler.Options{
				MaxInstances: cfg.Scheduler.MaxInstances,
				Cooldown:     cfg.Cooldown(),
				PollInterval: cfg.PollInterval(),
			}, bus, log)
			go sched.Run(cmd.Context())

			svc := policy.Service{Store: s, Gateway: gateway, Log: log}
			handler, err := server.New(server.Config{
				Service:   svc,
				Scheduler: sched,
				BasePath:  cfg.Server.BasePath,
				Auth:      server.AuthConfig{JWTSecret: jwtSecret},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			log.Info().Str("addr", addr).Str("base", cfg.Server.BasePath).Msg("serving guardian api")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	return cmd
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
