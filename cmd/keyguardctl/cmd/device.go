package cmd

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	keyguard "github.com/HailBahafi/KeyGuard-sub002/sdk-go"
)

func newEnrollCmd(c *cli) *cobra.Command {
	var (
		code        string
		keyID       string
		fingerprint string
		label       string
	)
	cmd := &cobra.Command{
		Use:   "enroll",
		Short: "Enroll the device key with the gateway",
		Long: `Register the public key from the key file under a key id, using a
one-time enrollment code issued by an administrator.

Examples:
  keyguardctl enroll --code kgc_... --key-id laptop-1 --fingerprint $(hostname)-$(id -u)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			kf, signer, err := loadKeyFile(c.keyFile())
			if err != nil {
				return err
			}

			dev, err := c.client().Enroll(cmd.Context(), keyguard.EnrollRequest{
				KeyID:          keyID,
				Fingerprint:    fingerprint,
				Label:          label,
				EnrollmentCode: code,
				UserAgent:      "keyguardctl/" + Version,
			}, signer)
			if err != nil {
				return err
			}

			kf.KeyID, kf.DeviceID = dev.KeyID, dev.ID
			if err := kf.save(c.keyFile()); err != nil {
				return fmt.Errorf("enrolled but failed to update key file: %w", err)
			}

			if ok, err := c.render(dev); ok {
				return err
			}
			fmt.Fprintf(c.out, "Enrolled %s (device %s), status %s\n", dev.KeyID, dev.ID, dev.Status)
			if dev.Status != "active" {
				fmt.Fprintln(c.out, "An administrator must approve the device before it can sign calls.")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "enrollment code")
	cmd.Flags().StringVar(&keyID, "key-id", "", "key id to register")
	cmd.Flags().StringVar(&fingerprint, "fingerprint", "", "stable device fingerprint")
	cmd.Flags().StringVar(&label, "label", "", "human readable device label")
	_ = cmd.MarkFlagRequired("key-id")
	_ = cmd.MarkFlagRequired("fingerprint")
	return cmd
}

func newCallCmd(c *cli) *cobra.Command {
	var (
		method  string
		data    string
		headers []string
	)
	cmd := &cobra.Command{
		Use:   "call <provider> <path>",
		Short: "Send a signed call through the gateway",
		Long: `Sign a request with the device key and send it to a provider through
the gateway. The response body is streamed to stdout.

Examples:
  keyguardctl call openai /v1/models --method GET
  keyguardctl call openai /v1/chat/completions -d '{"model":"gpt-4o-mini","messages":[{"role":"user","content":"hi"}]}'
  keyguardctl call anthropic /v1/messages -d @request.json`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := c.device()
			if err != nil {
				return err
			}
			body, err := readData(data)
			if err != nil {
				return err
			}
			header := http.Header{}
			for _, h := range headers {
				name, value, ok := strings.Cut(h, ":")
				if !ok {
					return fmt.Errorf("header %q must be Name: value", h)
				}
				header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
			}

			resp, err := client.Proxy(cmd.Context(), args[0], strings.ToUpper(method), args[1], body, header)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode >= 400 {
				fmt.Fprintf(c.err, "HTTP %d\n", resp.StatusCode)
			}
			if _, err := io.Copy(c.out, resp.Body); err != nil {
				return fmt.Errorf("stream interrupted: %w", err)
			}
			if resp.StatusCode >= 400 {
				return fmt.Errorf("provider returned HTTP %d", resp.StatusCode)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&method, "method", "X", http.MethodPost, "HTTP method")
	cmd.Flags().StringVarP(&data, "data", "d", "", "request body, or @file to read it from a file")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "extra request header (Name: value)")
	return cmd
}

func readData(data string) ([]byte, error) {
	if data == "" {
		return nil, nil
	}
	if path, ok := strings.CutPrefix(data, "@"); ok {
		if path == "-" {
			return io.ReadAll(os.Stdin)
		}
		return os.ReadFile(path)
	}
	return []byte(data), nil
}

func newVerifyCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check that the gateway accepts this device's signatures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, _, err := c.device()
			if err != nil {
				return err
			}
			result, err := client.Verify(cmd.Context())
			if err != nil {
				return err
			}

			if ok, err := c.render(result); ok {
				return err
			}
			if result.Valid {
				fmt.Fprintf(c.out, "Signature accepted for %s (device %s)\n", result.KeyID, result.DeviceID)
				return nil
			}
			fmt.Fprintf(c.out, "Signature rejected: %s\n", result.Error)
			return fmt.Errorf("verification failed")
		},
	}
}
