package users

import (
	"bufio"
	"fmt"
	"net/mail"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/terraconstructs/authbridge/cmd/authbridge/cmd/cmdutil"
	"github.com/terraconstructs/authbridge/internal/auth"
	"github.com/terraconstructs/authbridge/internal/db/models"
)

var (
	emailFlag     string
	passwordFlag  string
	firstNameFlag string
	lastNameFlag  string
	rolesInput    []string
	stdinFlag     bool
	withIAMFlag   bool
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a canonical user with a legacy password",
	Long: `Creates a canonical user with a bcrypt password. With --iam an IAM identity
with the same email and password is created and linked as well.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if emailFlag == "" {
			return fmt.Errorf("--email flag is required")
		}
		if _, err := mail.ParseAddress(emailFlag); err != nil {
			return fmt.Errorf("invalid email format: %w", err)
		}

		password := passwordFlag
		if stdinFlag {
			scanner := bufio.NewScanner(os.Stdin)
			fmt.Fprint(cmd.ErrOrStderr(), "Enter password: ")
			if scanner.Scan() {
				password = scanner.Text()
			}
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}
		}
		if password == "" {
			return fmt.Errorf("password is required (use --password or --stdin)")
		}
		for _, role := range rolesInput {
			if auth.IsSpecialRole(role) {
				return fmt.Errorf("role %q is evaluated dynamically and cannot be assigned", role)
			}
		}

		ctx := cmd.Context()
		stack, err := cmdutil.NewStack(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer stack.Close()

		hash, err := stack.Hasher.HashLegacy(password)
		if err != nil {
			return err
		}
		user, err := stack.Users.Insert(ctx, &models.User{
			Email:     emailFlag,
			Password:  &hash,
			FirstName: strings.TrimSpace(firstNameFlag),
			LastName:  strings.TrimSpace(lastNameFlag),
			Roles:     models.StringList(rolesInput),
		})
		if err != nil {
			return fmt.Errorf("failed to create user: %w", err)
		}
		logger.Info("created user", zap.String("user_id", user.ID), zap.String("email", user.Email))

		if withIAMFlag {
			name := strings.TrimSpace(user.FirstName + " " + user.LastName)
			su, err := stack.IAM.SignUpEmail(ctx, user.Email, password, name)
			if err != nil {
				return fmt.Errorf("failed to create iam identity: %w", err)
			}
			if _, err := stack.Mapper.LinkOrCreateUser(ctx, su); err != nil {
				return fmt.Errorf("failed to link iam identity: %w", err)
			}
			logger.Info("created iam identity", zap.String("iam_user_id", su.ID))
		}

		fmt.Fprintf(cmd.OutOrStdout(), "User created: %s (%s)\n", user.Email, user.ID)
		return nil
	},
}

func init() {
	createCmd.Flags().StringVar(&emailFlag, "email", "", "User email (required)")
	createCmd.Flags().StringVar(&passwordFlag, "password", "", "User password")
	createCmd.Flags().BoolVar(&stdinFlag, "stdin", false, "Read password from stdin")
	createCmd.Flags().StringVar(&firstNameFlag, "first-name", "", "First name")
	createCmd.Flags().StringVar(&lastNameFlag, "last-name", "", "Last name")
	createCmd.Flags().StringSliceVar(&rolesInput, "role", nil, "Role to assign (repeatable)")
	createCmd.Flags().BoolVar(&withIAMFlag, "iam", false, "Also create and link an IAM identity")
}
