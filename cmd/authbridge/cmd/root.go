package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/terraconstructs/authbridge/cmd/authbridge/cmd/cmdutil"
	"github.com/terraconstructs/authbridge/cmd/authbridge/cmd/users"
	"github.com/terraconstructs/authbridge/internal/config"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "authbridge",
	Short: "Authentication server bridging legacy JWT and IAM sessions",
	Long: `authbridge serves a legacy JWT subsystem and a session-based IAM subsystem
side by side. Both resolve to the same canonical user, and accounts migrate
lazily between them on sign-in.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
			if err := viper.ReadInConfig(); err != nil {
				return fmt.Errorf("failed to read config file %s: %w", cfgFile, err)
			}
		}

		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		logger, err = cmdutil.NewLogger(cfg)
		if err != nil {
			return err
		}
		users.Configure(cfg, logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Config file (yaml, json or toml)")
	flags.String("db-url", "", "Database connection URL (env: AUTHBRIDGE_DATABASE_URL)")
	flags.String("server-addr", "", "Server bind address (env: AUTHBRIDGE_SERVER_ADDR)")
	flags.Bool("debug", false, "Enable debug logging (env: AUTHBRIDGE_DEBUG)")

	_ = viper.BindPFlag("database_url", flags.Lookup("db-url"))
	_ = viper.BindPFlag("server_addr", flags.Lookup("server-addr"))
	_ = viper.BindPFlag("debug", flags.Lookup("debug"))

	rootCmd.AddCommand(users.UsersCmd)
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
