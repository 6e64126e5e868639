package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"boardsync/api"
)

var (
	tokenCount  int
	tokenPrefix string
	tokenStart  int
	tokenTTL    time.Duration
	tokenOutput string
)

var tokenCmd = &cobra.Command{
	Use:   "token [user-id]",
	Short: "Mint shared secret tokens for local runs",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runToken,
}

func init() {
	tokenCmd.Flags().IntVar(&tokenCount, "count", 1, "number of tokens to generate")
	tokenCmd.Flags().StringVar(&tokenPrefix, "prefix", "local-user", "user ID prefix when count > 1")
	tokenCmd.Flags().IntVar(&tokenStart, "start", 1, "first index of generated user IDs when count > 1")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
	tokenCmd.Flags().StringVar(&tokenOutput, "output", "", "write all tokens to this file as a JSON array")
}

func runToken(cmd *cobra.Command, args []string) error {
	if !strings.EqualFold(cfg.Auth.LocalMode, "hs256") || cfg.Auth.SharedSecret == "" {
		return errors.New("tokens can only be minted in hs256 mode with a shared secret")
	}
	if tokenCount < 1 || tokenStart < 1 {
		return errors.New("count and start must be at least 1")
	}
	if len(args) > 0 && tokenCount > 1 {
		return errors.New("an explicit user ID cannot be combined with count > 1")
	}

	tokens := make([]string, tokenCount)
	for i := range tokens {
		userID := tokenPrefix
		switch {
		case len(args) > 0:
			userID = args[0]
		case tokenCount > 1:
			userID = fmt.Sprintf("%s-%d", tokenPrefix, tokenStart+i)
		}
		tok, err := api.SignSharedSecret([]byte(cfg.Auth.SharedSecret), userID, cfg.Auth.Audience, tokenTTL)
		if err != nil {
			return fmt.Errorf("sign token: %w", err)
		}
		tokens[i] = tok
	}

	if tokenOutput != "" {
		if err := writeTokens(tokenOutput, tokens); err != nil {
			return fmt.Errorf("write tokens: %w", err)
		}
	}
	fmt.Fprintln(cmd.OutOrStdout(), tokens[0])
	return nil
}

func writeTokens(path string, tokens []string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := sonic.Marshal(tokens)
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}
