package main

import (
	"context"
	"fmt"
	"net/mail"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/bizdir/internal/api"
	"github.com/sells-group/bizdir/internal/model"
	"github.com/sells-group/bizdir/internal/store"
)

var (
	keysEmail string
	keysName  string
	keysAdmin bool
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage API keys",
}

var keysCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a user and print their API key",
	Long:  "Creates a user with a freshly generated API key. The key is printed once; only its hash is stored.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		user, key, err := newUser(keysEmail, keysName, keysAdmin, time.Now().UTC())
		if err != nil {
			return err
		}
		if err := createUser(ctx, st, user); err != nil {
			return err
		}

		fmt.Fprintf(os.Stderr, "Created %s user %s (%s).\n", user.Role, user.Email, user.ID)
		fmt.Println(key)
		return nil
	},
}

func init() {
	keysCreateCmd.Flags().StringVar(&keysEmail, "email", "", "user email (required)")
	keysCreateCmd.Flags().StringVar(&keysName, "name", "", "display name")
	keysCreateCmd.Flags().BoolVar(&keysAdmin, "admin", false, "grant the admin role")
	_ = keysCreateCmd.MarkFlagRequired("email")
	keysCmd.AddCommand(keysCreateCmd)
	rootCmd.AddCommand(keysCmd)
}

// newUser builds a user record and returns it with the raw key.
func newUser(email, name string, admin bool, now time.Time) (model.User, string, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil {
		return model.User{}, "", eris.Wrapf(err, "keys: invalid email %q", email)
	}

	key, err := api.GenerateKey()
	if err != nil {
		return model.User{}, "", err
	}

	role := model.RoleUser
	if admin {
		role = model.RoleAdmin
	}
	if name == "" {
		name = addr.Name
	}

	return model.User{
		ID:         uuid.NewString(),
		Email:      strings.ToLower(addr.Address),
		Name:       strings.TrimSpace(name),
		Role:       role,
		APIKeyHash: api.HashKey(key),
		CreatedAt:  now,
	}, key, nil
}

type userStore interface {
	store.Users
	store.Audit
}

// createUser persists u and records the key generation in the audit log.
func createUser(ctx context.Context, st userStore, u model.User) error {
	if err := st.CreateUser(ctx, u); err != nil {
		return eris.Wrap(err, "keys create")
	}
	err := st.AppendAudit(ctx, model.AuditEntry{
		ID:        ulid.Make().String(),
		Action:    model.AuditKeyGenerated,
		UserID:    u.ID,
		TargetID:  u.ID,
		Metadata:  map[string]any{"email": u.Email, "role": string(u.Role)},
		UserAgent: "bizdir-cli",
		Success:   true,
		Timestamp: u.CreatedAt,
	})
	if err != nil {
		zap.L().Warn("keys: append audit", zap.String("user_id", u.ID), zap.Error(err))
	}
	return nil
}
