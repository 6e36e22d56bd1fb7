package app

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/giantswarm/oidc-authserver/keys"
	"github.com/giantswarm/oidc-authserver/security"
)

func newKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate signing and encryption keys",
	}
	cmd.AddCommand(newKeygenSigningCmd())
	cmd.AddCommand(newKeygenEncryptionCmd())
	return cmd
}

func newKeygenSigningCmd() *cobra.Command {
	var (
		out           string
		keySize       int
		encryptionKey string
	)
	cmd := &cobra.Command{
		Use:   "signing",
		Short: "Write a new RSA signing key in PEM form",
		Long: `Write a new RSA signing key for --signing-key-file.
With --encryption-key the PEM body is sealed with AES-256-GCM and serve must
be given the same key.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			enc, err := encryptorFromBase64(encryptionKey)
			if err != nil {
				return err
			}
			key, err := keys.GenerateSigningKey(keySize, time.Now())
			if err != nil {
				return err
			}
			if err := keys.WriteSigningKeyFile(out, key, enc); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Wrote signing key %s to %s\n", key.KeyID, out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output path (required)")
	cmd.Flags().IntVar(&keySize, "key-size", keys.DefaultKeySize, "RSA modulus size in bits")
	cmd.Flags().StringVar(&encryptionKey, "encryption-key", "", "Base64 AES-256 key sealing the PEM")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func newKeygenEncryptionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "encryption",
		Short: "Print a random base64 AES-256 key for --encryption-key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := security.GenerateKey()
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), security.KeyToBase64(key))
			return nil
		},
	}
}

func encryptorFromBase64(encoded string) (*security.Encryptor, error) {
	if encoded == "" {
		return security.NewEncryptor(nil)
	}
	key, err := security.KeyFromBase64(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}
	return security.NewEncryptor(key)
}
