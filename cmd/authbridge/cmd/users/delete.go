package users

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/terraconstructs/authbridge/cmd/authbridge/cmd/cmdutil"
)

var deleteEmail string

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete a user from both identity stores",
	RunE: func(cmd *cobra.Command, args []string) error {
		if deleteEmail == "" {
			return fmt.Errorf("--email flag is required")
		}

		ctx := cmd.Context()
		stack, err := cmdutil.NewStack(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer stack.Close()

		result := stack.Mapper.DeleteUserFromBothSystems(ctx, deleteEmail)
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "User deleted:     %t\n", result.UserDeleted)
		fmt.Fprintf(out, "IAM identity:     %s\n", valueOr(result.IAMUserID, "none"))
		fmt.Fprintf(out, "Deleted accounts: %d\n", result.DeletedAccounts)
		fmt.Fprintf(out, "Deleted sessions: %d\n", result.DeletedSessions)
		if !result.Success {
			return errors.New(result.Error)
		}
		return nil
	},
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func init() {
	deleteCmd.Flags().StringVar(&deleteEmail, "email", "", "Email of the user to delete (required)")
}
