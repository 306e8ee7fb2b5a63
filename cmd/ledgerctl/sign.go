package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/backendenjoyer/decard-scalable-integration/internal/signature"
)

func readPayload(args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(args[0])
}

func signer(cmd *cobra.Command) (*signature.Signer, error) {
	secret, _ := cmd.Flags().GetString("secret")
	if secret == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		secret = cfg.ShopSecret
	}
	s := signature.NewSigner(secret)
	if !s.Configured() {
		return nil, signature.ErrMissingSecret
	}
	return s, nil
}

func signCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign [file]",
		Short: "Sign a JSON payload the way the provider does",
		Long: `Reads a JSON object from a file or stdin and prints it with its "sign"
field set. Useful for replaying a webhook against the ingress by hand.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := signer(cmd)
			if err != nil {
				return err
			}
			body, err := readPayload(args)
			if err != nil {
				return err
			}
			fields, _, err := signature.ParsePayload(body)
			if err != nil {
				return err
			}
			sig, err := s.Sign(fields)
			if err != nil {
				return err
			}

			if only, _ := cmd.Flags().GetBool("only"); only {
				fmt.Println(sig)
				return nil
			}
			quoted, _ := json.Marshal(sig)
			fields[signature.Field] = quoted
			out, err := signature.Marshal(fields)
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().String("secret", "", "Shop secret (defaults to DECARD_SHOP_SECRET)")
	cmd.Flags().Bool("only", false, "Print only the signature")
	return cmd
}

func verifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify [file]",
		Short: "Check the signature of a webhook body",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := signer(cmd)
			if err != nil {
				return err
			}
			body, err := readPayload(args)
			if err != nil {
				return err
			}
			if _, err := s.VerifyPayload(body); err != nil {
				return err
			}
			fmt.Println("Signature: OK")
			return nil
		},
	}
	cmd.Flags().String("secret", "", "Shop secret (defaults to DECARD_SHOP_SECRET)")
	return cmd
}
