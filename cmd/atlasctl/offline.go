package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"atlasux/pkg/auth"
	"atlasux/pkg/intent"
	"atlasux/pkg/packets"
	"atlasux/pkg/sgl"

	"github.com/spf13/cobra"
)

func (c *cli) genKeyCmd() *cobra.Command {
	var outPriv, outPub, kid string
	cmd := &cobra.Command{
		Use:   "gen-key",
		Short: "Generate an Ed25519 executor key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return fmt.Errorf("generate key: %w", err)
			}
			pubB64 := base64.StdEncoding.EncodeToString(pub)
			if err := os.WriteFile(outPriv, []byte(base64.StdEncoding.EncodeToString(priv)), 0o600); err != nil {
				return fmt.Errorf("write private key: %w", err)
			}
			if err := os.WriteFile(outPub, []byte(pubB64), 0o600); err != nil {
				return fmt.Errorf("write public key: %w", err)
			}
			fmt.Fprintf(c.out, "wrote %s and %s\n", outPriv, outPub)
			if kid = strings.TrimSpace(kid); kid != "" {
				fmt.Fprintf(c.out, "EXECUTOR_KEYS entry: %s=%s\n", kid, pubB64)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&outPriv, "out-private", "private.key", "private key output")
	cmd.Flags().StringVar(&outPub, "out-public", "public.key", "public key output")
	cmd.Flags().StringVar(&kid, "kid", "", "key id to print an EXECUTOR_KEYS entry for")
	return cmd
}

type evaluation struct {
	Intent   intent.Intent   `json:"intent"`
	Decision sgl.Decision    `json:"decision"`
	Packets  *packets.Bundle `json:"packets,omitempty"`
}

func (c *cli) evaluateCmd() *cobra.Command {
	var (
		file       string
		threshold  float64
		regulated  []string
		financeUSD float64
		withPkts   bool
	)
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate an intent draft against SGL without an engine",
		Long: `evaluate reads a draft intent (tenantId, actor, intentType, payload) as JSON and
prints the SGL decision the engine would reach for it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd, file)
			if err != nil {
				return err
			}
			var draft intent.DraftInput
			if err := json.Unmarshal(raw, &draft); err != nil {
				return fmt.Errorf("decode draft: %w", err)
			}
			if strings.TrimSpace(draft.TenantID) == "" {
				draft.TenantID = strings.TrimSpace(c.v.GetString("tenant"))
			}
			in, err := intent.New(draft, time.Now())
			if err != nil {
				return err
			}
			payload, err := in.Decode()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			input := intent.PolicyInput(in, payload)
			out := evaluation{Intent: in}
			if flags.Changed("spend-threshold") || flags.Changed("regulated") {
				eval, err := sgl.NewEvaluator(sgl.Config{SpendThresholdUSD: threshold, RegulatedTypes: regulated})
				if err != nil {
					return err
				}
				out.Decision = eval.Evaluate(input)
			} else {
				out.Decision = sgl.Evaluate(input)
			}
			if withPkts {
				subj := packets.SubjectFor(in, payload)
				var bundle packets.Bundle
				if flags.Changed("finance-review") {
					set, err := packets.NewSet(packets.Config{FinanceReviewUSD: financeUSD})
					if err != nil {
						return err
					}
					bundle = set.Run(subj)
				} else {
					bundle = packets.Run(subj)
				}
				out.Packets = &bundle
			}
			return c.print(out)
		},
	}
	def := sgl.DefaultConfig()
	cmd.Flags().StringVarP(&file, "file", "f", "", "draft JSON file, - for stdin")
	cmd.Flags().Float64Var(&threshold, "spend-threshold", def.SpendThresholdUSD, "spend in USD that requires review")
	cmd.Flags().StringSliceVar(&regulated, "regulated", def.RegulatedTypes, "intent types that always need a human")
	cmd.Flags().BoolVar(&withPkts, "packets", false, "also print the advisory packets")
	cmd.Flags().Float64Var(&financeUSD, "finance-review", packets.DefaultFinanceReviewUSD, "finance packet review threshold in USD")
	return cmd
}

func (c *cli) tokenCmd() *cobra.Command {
	var (
		secret, subject, issuer, audience string
		roles                             []string
		ttl                               time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an HS256 token for a development engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("OIDC_HS256_SECRET")
			}
			if strings.TrimSpace(subject) == "" {
				return errors.New("--sub is required")
			}
			if ttl <= 0 {
				return errors.New("--ttl must be positive")
			}
			tenant := strings.TrimSpace(c.v.GetString("tenant"))
			if tenant == "" {
				return errors.New("--tenant is required (use * for every tenant)")
			}
			now := time.Now().UTC()
			claims := auth.TokenClaims{
				Sub:    strings.TrimSpace(subject),
				Roles:  roles,
				Tenant: tenant,
				Iss:    issuer,
				Exp:    now.Add(ttl).Unix(),
				Nbf:    now.Unix(),
				Iat:    now.Unix(),
			}
			if audience != "" {
				claims.Aud = audience
			}
			token, err := auth.SignHS256Token(claims, secret)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.out, token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "HS256 secret (default $OIDC_HS256_SECRET)")
	cmd.Flags().StringVar(&subject, "sub", "", "token subject")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role to grant, repeatable")
	cmd.Flags().StringVar(&issuer, "iss", "", "issuer claim")
	cmd.Flags().StringVar(&audience, "aud", "", "audience claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
