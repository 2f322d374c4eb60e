package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/celerix-dev/celerix-spc/internal/app"
	"github.com/celerix-dev/celerix-spc/internal/config"
	"github.com/celerix-dev/celerix-spc/internal/signature"
)

type signFlags struct {
	scheme    string
	secret    string
	algorithm string
}

func (f *signFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.scheme, "scheme", "", "signature scheme (defaults to webhook.scheme)")
	cmd.Flags().StringVar(&f.secret, "secret", "", "shared secret (defaults to webhook.secret)")
	cmd.Flags().StringVar(&f.algorithm, "algorithm", "", "raw-hash digest: sha256 or blake3")
}

// verifier resolves the flags against the webhook configuration.
func (c *cli) verifier(f *signFlags) (signature.Verifier, string, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, "", err
	}
	wh := cfg.Webhook
	if f.scheme != "" {
		wh.Scheme = f.scheme
	}
	if f.secret != "" {
		wh.Secret = f.secret
	}
	if f.algorithm != "" {
		wh.HashAlgorithm = f.algorithm
	}
	v, err := app.NewVerifier(&config.Config{Webhook: wh})
	if err != nil {
		return nil, "", err
	}
	return v, wh.Secret, nil
}

func (c *cli) signCmd() *cobra.Command {
	var f signFlags
	cmd := &cobra.Command{
		Use:   "sign <payload-file>",
		Short: "Sign a webhook payload and print the header to send",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, secret, err := c.verifier(&f)
			if err != nil {
				return err
			}
			payload, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			sig, err := v.Sign(payload, secret)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", v.Header(), sig)
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func (c *cli) verifyCmd() *cobra.Command {
	var (
		f   signFlags
		sig string
	)
	cmd := &cobra.Command{
		Use:   "verify <payload-file>",
		Short: "Verify a webhook payload against a signature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, secret, err := c.verifier(&f)
			if err != nil {
				return err
			}
			payload, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			res := v.Verify(payload, sig, secret)
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			return res.Err()
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&sig, "signature", "", "received signature header value")
	_ = cmd.MarkFlagRequired("signature")
	return cmd
}
