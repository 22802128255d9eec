package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/deployd/agent/internal/service"
	"github.com/deployd/agent/pkg/config"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "gentoken",
	Short: "Mint credentials for the deployd agent API",
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Sign a JWT for the REST API and the exec channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		subject, _ := cmd.Flags().GetString("subject")
		secret, _ := cmd.Flags().GetString("secret")
		validFor, _ := cmd.Flags().GetDuration("valid-for")

		cfg := config.Load()
		if secret != "" {
			cfg.JWTSecret = secret
		}
		if cfg.JWTSecret == "" {
			return fmt.Errorf("JWT secret is required (set JWT_SECRET or pass --secret)")
		}
		if validFor <= 0 {
			return fmt.Errorf("--valid-for must be positive")
		}

		token, err := service.NewAuthService(cfg).GenerateToken(subject, validFor)
		if err != nil {
			return err
		}
		fmt.Println(token)
		fmt.Fprintf(os.Stderr, "subject %q, expires %s\n", subject, time.Now().Add(validFor).Format(time.RFC3339))
		return nil
	},
}

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Generate a random JWT_SECRET",
	RunE: func(cmd *cobra.Command, args []string) error {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return fmt.Errorf("failed to read random bytes: %w", err)
		}
		fmt.Println(hex.EncodeToString(buf))
		return nil
	},
}

func init() {
	tokenCmd.Flags().String("subject", "dashboard", "token subject, recorded on terminal sessions")
	tokenCmd.Flags().String("secret", "", "signing secret (defaults to JWT_SECRET)")
	tokenCmd.Flags().Duration("valid-for", 24*time.Hour, "token lifetime")

	rootCmd.AddCommand(tokenCmd, secretCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
