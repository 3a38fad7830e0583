package users

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/terraconstructs/authbridge/cmd/authbridge/cmd/cmdutil"
)

var linkEmail string

var linkCmd = &cobra.Command{
	Use:   "link",
	Short: "Link an existing IAM identity to its canonical user",
	Long: `Links the IAM identity with the given email to the canonical user with the
same email, creating the canonical user when none exists.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if linkEmail == "" {
			return fmt.Errorf("--email flag is required")
		}

		ctx := cmd.Context()
		stack, err := cmdutil.NewStack(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer stack.Close()

		su, err := stack.IAM.FindUserByEmail(ctx, linkEmail)
		if err != nil {
			return fmt.Errorf("failed to find iam identity: %w", err)
		}
		user, err := stack.Mapper.LinkOrCreateUser(ctx, su)
		if err != nil {
			return fmt.Errorf("failed to link: %w", err)
		}

		logger.Info("linked iam identity", zap.String("user_id", user.ID), zap.String("iam_user_id", su.ID))
		fmt.Fprintf(cmd.OutOrStdout(), "Linked %s: user %s <-> iam %s\n", user.Email, user.ID, su.ID)
		return nil
	},
}

func init() {
	linkCmd.Flags().StringVar(&linkEmail, "email", "", "Email of the IAM identity (required)")
}
