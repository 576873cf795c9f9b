// Package cmd implements the keyguardctl CLI commands.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	keyguard "github.com/HailBahafi/KeyGuard-sub002/sdk-go"
)

// Version is set at build time.
var Version = "0.1.0"

// cli holds the state shared by every command of one invocation.
type cli struct {
	v   *viper.Viper
	out io.Writer
	err io.Writer
}

func (c *cli) gateway() string    { return c.v.GetString("gateway") }
func (c *cli) adminToken() string { return c.v.GetString("admin_token") }
func (c *cli) keyFile() string    { return c.v.GetString("key_file") }
func (c *cli) format() string     { return c.v.GetString("output") }

func (c *cli) client() *keyguard.Client {
	return keyguard.NewClient(
		keyguard.WithBaseURL(c.gateway()),
		keyguard.WithTimeout(c.v.GetDuration("timeout")),
	)
}

// newRootCmd builds the command tree writing to out and errOut.
func newRootCmd(out, errOut io.Writer) *cobra.Command {
	c := &cli{v: viper.New(), out: out, err: errOut}

	root := &cobra.Command{
		Use:   "keyguardctl",
		Short: "Device key and gateway administration for KeyGuard",
		Long: `keyguardctl generates device keypairs, enrolls them with a KeyGuard
gateway, sends signed calls through the gateway, and drives the
administrative API (enrollment codes and device status).

Settings are read from flags, KEYGUARDCTL_* environment variables and
~/.keyguard/keyguardctl.yaml, in that order of precedence.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.loadConfig(cmd)
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)

	pf := root.PersistentFlags()
	pf.String("gateway", keyguard.DefaultBaseURL, "gateway base URL")
	pf.String("admin-token", "", "administrative API token")
	pf.String("key-file", defaultKeyFile(), "device key file")
	pf.StringP("output", "o", "table", "output format: table, json, yaml")
	pf.Duration("timeout", keyguard.DefaultTimeout, "HTTP timeout")
	pf.String("config", "", "config file (default ~/.keyguard/keyguardctl.yaml)")

	root.AddCommand(
		newKeygenCmd(c),
		newEnrollCmd(c),
		newCallCmd(c),
		newVerifyCmd(c),
		newCodesCmd(c),
		newDevicesCmd(c),
	)
	return root
}

func (c *cli) loadConfig(cmd *cobra.Command) error {
	flags := map[string]string{
		"gateway":     "gateway",
		"admin_token": "admin-token",
		"key_file":    "key-file",
		"output":      "output",
		"timeout":     "timeout",
	}
	for key, flag := range flags {
		if err := c.v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	c.v.SetEnvPrefix("KEYGUARDCTL")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		c.v.SetConfigFile(path)
	} else {
		c.v.SetConfigName("keyguardctl")
		c.v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			c.v.AddConfigPath(filepath.Join(home, ".keyguard"))
		}
	}
	if err := c.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	switch c.format() {
	case "table", "json", "yaml":
		return nil
	default:
		return fmt.Errorf("unknown output format %q", c.format())
	}
}

func defaultKeyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "keyguard-device.yaml"
	}
	return filepath.Join(home, ".keyguard", "device.yaml")
}

// Execute runs the root command.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	root := newRootCmd(os.Stdout, os.Stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		printError(os.Stderr, err)
		return err
	}
	return nil
}

// render prints data as JSON or YAML. It returns false for table output,
// which each command prints itself.
func (c *cli) render(data any) (bool, error) {
	switch c.format() {
	case "json":
		enc := json.NewEncoder(c.out)
		enc.SetIndent("", "  ")
		return true, enc.Encode(data)
	case "yaml":
		b, err := yaml.Marshal(data)
		if err != nil {
			return true, err
		}
		_, err = c.out.Write(b)
		return true, err
	default:
		return false, nil
	}
}

func (c *cli) table() *tabwriter.Writer {
	return tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
}

func printError(w io.Writer, err error) {
	if apiErr, ok := err.(*keyguard.Error); ok {
		fmt.Fprintf(w, "Error: %s (%s, HTTP %d)\n", apiErr.Message, apiErr.Code, apiErr.StatusCode)
		for field, msg := range apiErr.Details {
			fmt.Fprintf(w, "  %s: %v\n", field, msg)
		}
		return
	}
	fmt.Fprintf(w, "Error: %v\n", err)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
