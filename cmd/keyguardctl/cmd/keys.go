package cmd

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	keyguard "github.com/HailBahafi/KeyGuard-sub002/sdk-go"
)

// keyFile is the on-disk device identity.
type keyFile struct {
	KeyID      string `yaml:"key_id,omitempty"`
	KeyType    string `yaml:"key_type"`
	PrivateKey string `yaml:"private_key"`
	PublicKey  string `yaml:"public_key"`
	DeviceID   string `yaml:"device_id,omitempty"`
}

func loadKeyFile(path string) (*keyFile, keyguard.Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read key file: %w", err)
	}
	var kf keyFile
	if err := yaml.Unmarshal(raw, &kf); err != nil {
		return nil, nil, fmt.Errorf("failed to parse key file %s: %w", path, err)
	}
	der, err := base64.StdEncoding.DecodeString(kf.PrivateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("key file %s: private key is not base64: %w", path, err)
	}
	signer, err := keyguard.ParsePrivateKey(kf.KeyType, der)
	if err != nil {
		return nil, nil, err
	}
	return &kf, signer, nil
}

func (kf *keyFile) save(path string) error {
	out, err := yaml.Marshal(kf)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	return os.WriteFile(path, out, 0o600)
}

// device loads the key file and returns a client that signs as that device.
func (c *cli) device() (*keyguard.Client, *keyFile, error) {
	kf, signer, err := loadKeyFile(c.keyFile())
	if err != nil {
		return nil, nil, err
	}
	if kf.KeyID == "" {
		return nil, nil, errors.New("device is not enrolled; run keyguardctl enroll first")
	}
	return c.client().WithDevice(kf.KeyID, signer), kf, nil
}

func newKeygenCmd(c *cli) *cobra.Command {
	var (
		keyType string
		force   bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a device keypair",
		Long: `Generate a new device keypair and write it to the key file.

Examples:
  keyguardctl keygen
  keyguardctl keygen --type ed25519 --key-file ./laptop.yaml`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			path := c.keyFile()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}

			signer, err := keyguard.GenerateKey(keyType)
			if err != nil {
				return err
			}
			der, err := keyguard.MarshalPrivateKey(signer)
			if err != nil {
				return err
			}
			kf := &keyFile{
				KeyType:    signer.KeyType(),
				PrivateKey: base64.StdEncoding.EncodeToString(der),
				PublicKey:  base64.StdEncoding.EncodeToString(signer.PublicKey()),
			}
			if err := kf.save(path); err != nil {
				return err
			}

			if ok, err := c.render(map[string]string{
				"keyFile": path, "keyType": kf.KeyType, "publicKey": kf.PublicKey,
			}); ok {
				return err
			}
			fmt.Fprintf(c.out, "Generated %s key in %s\n", kf.KeyType, path)
			fmt.Fprintf(c.out, "Public key: %s\n", kf.PublicKey)
			return nil
		},
	}
	cmd.Flags().StringVar(&keyType, "type", keyguard.KeyTypeP256, "key type: p256, ed25519, secp256k1")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing key file")
	return cmd
}
