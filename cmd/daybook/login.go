package main

import (
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and sync with your account",
	Long: `Login stores an access token for future sync operations. Data written
while signed out stays on this device.`,
	Example: `  daybook login --email user@example.com
  DAYBOOK_AUTH_PASSWORD=... daybook login --email user@example.com`,
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and switch to local-only mode",
	RunE:  runLogout,
}

var (
	loginEmail    string
	loginPassword string
)

func init() {
	rootCmd.AddCommand(loginCmd, logoutCmd)

	loginCmd.Flags().StringVarP(&loginEmail, "email", "e", "",
		"Email address (defaults to auth.email)")
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "",
		"Password (will prompt if not provided)")
}

func runLogin(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if loginEmail == "" {
		loginEmail = cfg.Auth.Email
	}
	if loginEmail == "" {
		return fmt.Errorf("email required: pass --email or set auth.email")
	}
	if loginPassword == "" {
		loginPassword = cfg.Auth.Password
	}

	// Get password if not provided
	if loginPassword == "" {
		var err error
		loginPassword, err = promptPassword("Password: ")
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
	}

	session, err := apiClient.Login(ctx, loginEmail, loginPassword)
	if err != nil {
		if jsonOutput {
			printJSON(map[string]interface{}{
				"success": false,
				"error":   err.Error(),
			})
		}
		return fmt.Errorf("login failed: %w", err)
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"success": true,
			"email":   loginEmail,
			"user_id": session.Identity,
		})
		return nil
	}

	printSuccess("Logged in as %s", loginEmail)
	printInfo("Run 'daybook sync' to fetch your data")
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	if !apiClient.Auth.SignedIn() {
		if !jsonOutput {
			printInfo("Not logged in")
		}
		return nil
	}

	if _, err := apiClient.Logout(cmd.Context()); err != nil {
		return fmt.Errorf("logout: %w", err)
	}

	if jsonOutput {
		printJSON(map[string]interface{}{"success": true})
	} else {
		printSuccess("Logged out, data now stays on this device")
	}
	return nil
}

func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	// Read password without echo
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr) // New line after password

	if err != nil {
		return "", err
	}

	return string(password), nil
}
