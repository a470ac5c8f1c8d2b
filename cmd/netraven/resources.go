package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/netraven/netraven/pkg/config"
	"github.com/netraven/netraven/pkg/security"
	"github.com/netraven/netraven/pkg/storage"
	"github.com/netraven/netraven/pkg/types"
	"github.com/spf13/cobra"
)

// withStore opens the store for a one-shot verb and closes it afterwards.
func withStore(fn func(cfg config.Config, store storage.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := storage.NewBoltStore(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open storage (is 'netraven serve' running?): %w", err)
	}
	defer store.Close()
	return fn(cfg, store)
}

func splitTags(csv string) []string {
	if csv == "" {
		return nil
	}
	var out []string
	for _, t := range strings.Split(csv, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Device commands
var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Manage devices",
}

var deviceAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a device to the inventory",
	RunE: func(cmd *cobra.Command, args []string) error {
		hostname, _ := cmd.Flags().GetString("hostname")
		address, _ := cmd.Flags().GetString("address")
		family, _ := cmd.Flags().GetString("family")
		port, _ := cmd.Flags().GetInt("port")
		tags, _ := cmd.Flags().GetString("tags")

		return withStore(func(cfg config.Config, store storage.Store) error {
			dev := &types.Device{
				ID:               uuid.New().String(),
				Hostname:         hostname,
				Address:          address,
				Family:           family,
				Port:             port,
				TagIDs:           splitTags(tags),
				LastReachability: types.ReachabilityNever,
				CreatedAt:        time.Now().UTC(),
				UpdatedAt:        time.Now().UTC(),
			}
			if err := dev.Validate(); err != nil {
				return err
			}
			if err := store.CreateDevice(dev); err != nil {
				return err
			}
			fmt.Printf("✓ Device added: %s\n", dev.ID)
			return nil
		})
	},
}

var deviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(cfg config.Config, store storage.Store) error {
			devices, err := store.ListDevices()
			if err != nil {
				return err
			}
			fmt.Printf("%-36s  %-20s  %-16s  %-14s  %s\n", "ID", "HOSTNAME", "ADDRESS", "FAMILY", "REACHABILITY")
			for _, d := range devices {
				fmt.Printf("%-36s  %-20s  %-16s  %-14s  %s\n", d.ID, d.Hostname, d.Address, d.Family, d.LastReachability)
			}
			return nil
		})
	},
}

// Tag commands
var tagCmd = &cobra.Command{
	Use:   "tag",
	Short: "Manage tags",
}

var tagAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a tag",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		tagType, _ := cmd.Flags().GetString("type")

		return withStore(func(cfg config.Config, store storage.Store) error {
			tag := &types.Tag{
				ID:        uuid.New().String(),
				Name:      name,
				Type:      tagType,
				CreatedAt: time.Now().UTC(),
			}
			if err := store.CreateTag(tag); err != nil {
				return err
			}
			fmt.Printf("✓ Tag created: %s\n", tag.ID)
			return nil
		})
	},
}

var tagListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tags",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(cfg config.Config, store storage.Store) error {
			tags, err := store.ListTags()
			if err != nil {
				return err
			}
			fmt.Printf("%-36s  %-24s  %s\n", "ID", "NAME", "TYPE")
			for _, tag := range tags {
				fmt.Printf("%-36s  %-24s  %s\n", tag.ID, tag.Name, tag.Type)
			}
			return nil
		})
	},
}

// Credential commands
var credentialCmd = &cobra.Command{
	Use:   "credential",
	Short: "Manage credentials",
}

var credentialAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a credential",
	Long: `Add a credential. The secret is encrypted with the configured key
before it touches disk and is never printed back.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		username, _ := cmd.Flags().GetString("username")
		secret, _ := cmd.Flags().GetString("secret")
		priority, _ := cmd.Flags().GetInt("priority")
		tags, _ := cmd.Flags().GetString("tags")

		return withStore(func(cfg config.Config, store storage.Store) error {
			secrets, err := security.NewSecretsManagerFromPassword(cfg.Credentials.EncryptionKey)
			if err != nil {
				return err
			}
			encrypted, err := secrets.Encrypt([]byte(secret))
			if err != nil {
				return err
			}
			cred := &types.Credential{
				ID:        uuid.New().String(),
				Username:  username,
				Secret:    encrypted,
				Priority:  priority,
				TagIDs:    splitTags(tags),
				CreatedAt: time.Now().UTC(),
			}
			if err := store.CreateCredential(cred); err != nil {
				return err
			}
			fmt.Printf("✓ Credential added: %s\n", cred.ID)
			return nil
		})
	},
}

var credentialListCmd = &cobra.Command{
	Use:   "list",
	Short: "List credentials (secrets are never shown)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(cfg config.Config, store storage.Store) error {
			credentials, err := store.ListCredentials()
			if err != nil {
				return err
			}
			fmt.Printf("%-36s  %-16s  %8s  %8s  %8s\n", "ID", "USERNAME", "PRIORITY", "SUCCESS", "FAILURE")
			for _, c := range credentials {
				fmt.Printf("%-36s  %-16s  %8d  %8d  %8d\n", c.ID, c.Username, c.Priority, c.SuccessCount, c.FailureCount)
			}
			return nil
		})
	},
}

func init() {
	deviceAddCmd.Flags().String("hostname", "", "device hostname")
	deviceAddCmd.Flags().String("address", "", "IP address or DNS name")
	deviceAddCmd.Flags().String("family", "cisco_ios", "driver family")
	deviceAddCmd.Flags().Int("port", 22, "control port")
	deviceAddCmd.Flags().String("tags", "", "comma-separated tag ids")
	deviceAddCmd.MarkFlagRequired("address")
	deviceCmd.AddCommand(deviceAddCmd)
	deviceCmd.AddCommand(deviceListCmd)

	tagAddCmd.Flags().String("name", "", "unique tag name")
	tagAddCmd.Flags().String("type", "site", "tag type")
	tagAddCmd.MarkFlagRequired("name")
	tagCmd.AddCommand(tagAddCmd)
	tagCmd.AddCommand(tagListCmd)

	credentialAddCmd.Flags().String("username", "", "login username")
	credentialAddCmd.Flags().String("secret", "", "login secret")
	credentialAddCmd.Flags().Int("priority", 100, "lower priority is tried first")
	credentialAddCmd.Flags().String("tags", "", "comma-separated tag ids")
	credentialAddCmd.MarkFlagRequired("username")
	credentialAddCmd.MarkFlagRequired("secret")
	credentialCmd.AddCommand(credentialAddCmd)
	credentialCmd.AddCommand(credentialListCmd)
}
