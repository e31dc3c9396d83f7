package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ckoval7/challengectl/pkg/auth"
	"github.com/ckoval7/challengectl/pkg/config"
	"github.com/ckoval7/challengectl/pkg/controller"
	"github.com/ckoval7/challengectl/pkg/log"
	"github.com/ckoval7/challengectl/pkg/storage"
	"github.com/ckoval7/challengectl/pkg/types"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "challengectl",
	Short:   "RF challenge dispatch controller",
	Version: version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, _ := cmd.Flags().GetString("log-level")
		logJSON, _ := cmd.Flags().GetBool("log-json")
		log.Init(log.Config{Level: level, JSONOutput: logJSON})
	},
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(userCmd)
	rootCmd.AddCommand(provisionKeyCmd)
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the controller",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.LoadController(cfgPath)
		if err != nil {
			return err
		}

		ctrl, err := controller.New(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return ctrl.Run(ctx)
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage enrollment tokens",
}

var tokenNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Mint a one-time enrollment token (controller must be stopped)",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		name, _ := cmd.Flags().GetString("name")
		reEnroll, _ := cmd.Flags().GetString("re-enroll")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		store, err := storage.NewBoltStore(dataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		token, err := auth.GenerateToken()
		if err != nil {
			return err
		}
		now := time.Now()
		et := &types.EnrollmentToken{
			Token:           token,
			RunnerName:      name,
			CreatedBy:       "cli",
			CreatedAt:       now,
			ExpiresAt:       now.Add(ttl),
			ReEnrollmentFor: reEnroll,
		}
		if err := store.Update(func(tx storage.Tx) error {
			return tx.PutEnrollmentToken(et)
		}); err != nil {
			return err
		}

		fmt.Printf("Enrollment token (expires %s):\n%s\n", et.ExpiresAt.Format(time.RFC3339), token)
		return nil
	},
}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage admin users",
}

var userAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create an admin user (controller must be stopped)",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		username, _ := cmd.Flags().GetString("username")
		password, _ := cmd.Flags().GetString("password")
		totpSecret, _ := cmd.Flags().GetString("totp-secret")
		if username == "" || password == "" {
			return fmt.Errorf("--username and --password are required")
		}

		store, err := storage.NewBoltStore(dataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		hash, err := auth.HashKey(password)
		if err != nil {
			return err
		}
		user := &types.User{
			ID:           uuid.New().String(),
			Username:     username,
			PasswordHash: hash,
			TOTPSecret:   totpSecret,
			CreatedAt:    time.Now(),
		}
		if err := store.Update(func(tx storage.Tx) error {
			return tx.PutUser(user)
		}); err != nil {
			return err
		}

		fmt.Printf("User %s created\n", username)
		return nil
	},
}

var provisionKeyCmd = &cobra.Command{
	Use:   "provision-key",
	Short: "Manage provisioning API keys",
}

var provisionKeyNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Mint a provisioning key (controller must be stopped)",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		name, _ := cmd.Flags().GetString("name")

		store, err := storage.NewBoltStore(dataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		key, hash, err := auth.GenerateKey()
		if err != nil {
			return err
		}
		pk := &types.ProvisioningKey{
			ID:        uuid.New().String(),
			Name:      name,
			KeyHash:   hash,
			CreatedAt: time.Now(),
		}
		if err := store.Update(func(tx storage.Tx) error {
			return tx.PutProvisioningKey(pk)
		}); err != nil {
			return err
		}

		fmt.Printf("Provisioning key (shown once):\n%s\n", key)
		return nil
	},
}

func init() {
	startCmd.Flags().String("config", "/etc/challengectl/config.yaml", "Controller config file")

	tokenCmd.AddCommand(tokenNewCmd)
	tokenNewCmd.Flags().String("data-dir", "/var/lib/challengectl", "Controller data directory")
	tokenNewCmd.Flags().String("name", "", "Runner name hint for the token")
	tokenNewCmd.Flags().String("re-enroll", "", "Existing runner ID to re-key")
	tokenNewCmd.Flags().Duration("ttl", time.Hour, "Token lifetime")

	userCmd.AddCommand(userAddCmd)
	userAddCmd.Flags().String("data-dir", "/var/lib/challengectl", "Controller data directory")
	userAddCmd.Flags().String("username", "", "Username")
	userAddCmd.Flags().String("password", "", "Password")
	userAddCmd.Flags().String("totp-secret", "", "TOTP secret (base32)")

	provisionKeyCmd.AddCommand(provisionKeyNewCmd)
	provisionKeyNewCmd.Flags().String("data-dir", "/var/lib/challengectl", "Controller data directory")
	provisionKeyNewCmd.Flags().String("name", "", "Key label")
}
