package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	keyguard "github.com/HailBahafi/KeyGuard-sub002/sdk-go"
)

// adminClient calls the token-protected administrative API.
type adminClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func (c *cli) admin() (*adminClient, error) {
	if c.adminToken() == "" {
		return nil, errors.New("admin token is required (--admin-token or KEYGUARDCTL_ADMIN_TOKEN)")
	}
	return &adminClient{
		baseURL:    strings.TrimSuffix(c.gateway(), "/"),
		token:      c.adminToken(),
		httpClient: &http.Client{Timeout: c.v.GetDuration("timeout")},
	}, nil
}

type enrollmentCode struct {
	ID        string    `json:"id" yaml:"id"`
	Code      string    `json:"code" yaml:"code"`
	APIKeyID  string    `json:"apiKeyId" yaml:"apiKeyId"`
	Label     string    `json:"label,omitempty" yaml:"label,omitempty"`
	ExpiresAt time.Time `json:"expiresAt" yaml:"expiresAt"`
}

type device struct {
	ID          string     `json:"id" yaml:"id"`
	APIKeyID    string     `json:"apiKeyId" yaml:"apiKeyId"`
	KeyID       string     `json:"keyId" yaml:"keyId"`
	KeyType     string     `json:"keyType" yaml:"keyType"`
	Fingerprint string     `json:"deviceFingerprint" yaml:"deviceFingerprint"`
	Label       string     `json:"label,omitempty" yaml:"label,omitempty"`
	Status      string     `json:"status" yaml:"status"`
	CreatedAt   time.Time  `json:"createdAt" yaml:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt" yaml:"updatedAt"`
	RevokedAt   *time.Time `json:"revokedAt,omitempty" yaml:"revokedAt,omitempty"`
}

func (a *adminClient) do(ctx context.Context, method, path string, body, result any) error {
	var r io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, r)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		var env struct {
			Error keyguard.Error `json:"error"`
		}
		apiErr := &keyguard.Error{Code: "unknown_error", Message: http.StatusText(resp.StatusCode)}
		if json.Unmarshal(raw, &env) == nil && env.Error.Code != "" {
			apiErr = &env.Error
		}
		apiErr.StatusCode = resp.StatusCode
		return apiErr
	}

	if result == nil {
		return nil
	}
	envelope := struct {
		Data any `json:"data"`
	}{Data: result}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func (a *adminClient) createCode(ctx context.Context, apiKeyID, label, ttl string) (*enrollmentCode, error) {
	var out enrollmentCode
	body := map[string]string{"apiKeyId": apiKeyID, "label": label, "ttl": ttl}
	if err := a.do(ctx, http.MethodPost, "/v1/admin/enrollment-codes", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *adminClient) listDevices(ctx context.Context, apiKeyID string) ([]device, error) {
	var out []device
	path := "/v1/admin/devices?apiKeyId=" + url.QueryEscape(apiKeyID)
	if err := a.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *adminClient) transition(ctx context.Context, id, action string) (*device, error) {
	var out device
	path := fmt.Sprintf("/v1/admin/devices/%s/%s", url.PathEscape(id), action)
	if err := a.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func newCodesCmd(c *cli) *cobra.Command {
	codes := &cobra.Command{
		Use:   "codes",
		Short: "Manage enrollment codes",
	}

	var apiKeyID, label, ttl string
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue a one-time enrollment code",
		Long: `Issue a single-use enrollment code for an API key. The code is shown
once and cannot be retrieved later.

Examples:
  keyguardctl codes create --api-key 6f1c... --label "alice laptop" --ttl 1h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			admin, err := c.admin()
			if err != nil {
				return err
			}
			code, err := admin.createCode(cmd.Context(), apiKeyID, label, ttl)
			if err != nil {
				return err
			}
			if ok, err := c.render(code); ok {
				return err
			}
			fmt.Fprintf(c.out, "Enrollment code: %s\n", code.Code)
			fmt.Fprintf(c.out, "Expires:         %s\n", formatTime(code.ExpiresAt))
			return nil
		},
	}
	create.Flags().StringVar(&apiKeyID, "api-key", "", "owning API key id")
	create.Flags().StringVar(&label, "label", "", "label recorded with the code")
	create.Flags().StringVar(&ttl, "ttl", "", "code lifetime, e.g. 24h (default: server setting)")
	_ = create.MarkFlagRequired("api-key")

	codes.AddCommand(create)
	return codes
}

func newDevicesCmd(c *cli) *cobra.Command {
	devices := &cobra.Command{
		Use:   "devices",
		Short: "List devices and change their status",
		Long: `Device lifecycle commands.

Examples:
  keyguardctl devices list --api-key 6f1c...
  keyguardctl devices approve <device-id>
  keyguardctl devices suspend <device-id>
  keyguardctl devices reactivate <device-id>
  keyguardctl devices revoke <device-id>`,
	}

	var apiKeyID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List devices enrolled under an API key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			admin, err := c.admin()
			if err != nil {
				return err
			}
			devs, err := admin.listDevices(cmd.Context(), apiKeyID)
			if err != nil {
				return err
			}
			if ok, err := c.render(devs); ok {
				return err
			}
			if len(devs) == 0 {
				fmt.Fprintln(c.out, "No devices found")
				return nil
			}
			w := c.table()
			fmt.Fprintln(w, "ID\tKEY ID\tTYPE\tSTATUS\tLABEL\tCREATED")
			for _, d := range devs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", d.ID, d.KeyID, d.KeyType, d.Status, d.Label, formatTime(d.CreatedAt))
			}
			return w.Flush()
		},
	}
	list.Flags().StringVar(&apiKeyID, "api-key", "", "owning API key id")
	_ = list.MarkFlagRequired("api-key")
	devices.AddCommand(list)

	actions := []struct{ name, short string }{
		{"approve", "Activate a pending device"},
		{"suspend", "Temporarily block an active device"},
		{"reactivate", "Re-activate a suspended device"},
		{"revoke", "Permanently revoke a device"},
	}
	for _, a := range actions {
		a := a // per-iteration copy; the module targets Go 1.21 loop semantics
		devices.AddCommand(&cobra.Command{
			Use:   a.name + " <device-id>",
			Short: a.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				admin, err := c.admin()
				if err != nil {
					return err
				}
				dev, err := admin.transition(cmd.Context(), args[0], a.name)
				if err != nil {
					return err
				}
				if ok, err := c.render(dev); ok {
					return err
				}
				fmt.Fprintf(c.out, "Device %s (%s) is now %s\n", dev.ID, dev.KeyID, dev.Status)
				return nil
			},
		})
	}
	return devices
}
