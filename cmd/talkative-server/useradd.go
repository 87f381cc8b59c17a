package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/aeolun/talkative/pkg/database"
	"github.com/aeolun/talkative/pkg/protocol"
)

func useraddCmd() *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "useradd NAME",
		Short: "Register a user in the configured storage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				return errors.New("--password is required")
			}
			return addUser(cmd.Context(), args[0], password)
		},
	}
	cmd.Flags().StringVarP(&password, "password", "p", "", "password of the new user")
	return cmd
}

// addUser stores a bcrypt verifier for SSH logins and the derived key the
// challenge handshake checks against.
func addUser(ctx context.Context, name, password string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := protocol.ValidateUsername(name); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Storage.Engine == "memory" {
		return errors.New("useradd needs persistent storage; the memory engine forgets users on exit")
	}

	gw, err := database.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open %s storage: %w", cfg.Storage.Engine, err)
	}
	defer gw.Close()

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	err = gw.CreateUser(ctx, name, string(hash), protocol.DeriveAuthKey(name, password))
	if errors.Is(err, database.ErrAlreadyExists) {
		return fmt.Errorf("user %q already exists", name)
	}
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	fmt.Printf("user %s created\n", name)
	return nil
}
