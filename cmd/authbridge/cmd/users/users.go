package users

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/terraconstructs/authbridge/internal/config"
)

var (
	cfg    *config.Config
	logger *zap.Logger
)

// Configure hands the loaded configuration and logger to the user commands.
func Configure(c *config.Config, l *zap.Logger) {
	cfg, logger = c, l
}

// UsersCmd groups canonical user management commands.
var UsersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage canonical users and their IAM identities",
}

func init() {
	UsersCmd.AddCommand(createCmd, deleteCmd, linkCmd)
}
