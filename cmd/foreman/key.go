package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jfenner/foreman/internal/auth"
	"github.com/jfenner/foreman/internal/config"
)

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage API keys",
	Long:  `Issues, lists and revokes API keys for the control plane. The daemon picks up changes without a restart.`,
}

var keyConfigFile string

var keyIssueCmd = &cobra.Command{
	Use:   "issue [name]",
	Short: "Issue a new API key",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeyIssue,
}

var keyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List API keys",
	RunE:  runKeyList,
}

var keyRevokeCmd = &cobra.Command{
	Use:   "revoke [key-id]",
	Short: "Revoke an API key",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeyRevoke,
}

func init() {
	keyCmd.PersistentFlags().StringVar(&keyConfigFile, "config", "", "Path to config file (default: ~/.foreman/config.yaml)")
	keyCmd.AddCommand(keyIssueCmd)
	keyCmd.AddCommand(keyListCmd)
	keyCmd.AddCommand(keyRevokeCmd)
}

func openKeyring() (*auth.Keyring, error) {
	cfg, err := config.Load(keyConfigFile)
	if err != nil {
		return nil, err
	}
	return auth.Open(cfg.Server.AuthKeysFile)
}

func runKeyIssue(cmd *cobra.Command, args []string) error {
	keyring, err := openKeyring()
	if err != nil {
		return err
	}

	key, token, err := keyring.Issue(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Issued key %s (%s)\n", key.ID, key.Name)
	fmt.Printf("Token: %s\n", color.New(color.FgGreen, color.Bold).Sprint(token))
	fmt.Println("Store it now; it cannot be recovered later.")
	return nil
}

func runKeyList(cmd *cobra.Command, args []string) error {
	keyring, err := openKeyring()
	if err != nil {
		return err
	}
	keys, err := keyring.List()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		fmt.Println("No API keys issued.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tCREATED")
	for _, k := range keys {
		status := color.GreenString("active")
		if k.Revoked() {
			status = color.RedString("revoked")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", shortID(k.ID), k.Name, status, k.CreatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func runKeyRevoke(cmd *cobra.Command, args []string) error {
	keyring, err := openKeyring()
	if err != nil {
		return err
	}
	if err := keyring.Revoke(args[0]); err != nil {
		return err
	}
	fmt.Printf("Revoked key %s\n", args[0])
	return nil
}
