package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"atlasux/pkg/client"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Testable variables for main()
var (
	osExit           = os.Exit
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

func main() {
	if err := newRootCmd(stdout).Execute(); err != nil {
		fmt.Fprintln(stderr, err.Error())
		osExit(1)
	}
}

type cli struct {
	v   *viper.Viper
	out io.Writer
}

// newRootCmd builds the command tree. Persistent flags fall back to ATLAS_* environment
// variables, so ATLAS_URL and ATLAS_TOKEN work without flags.
func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{v: viper.New(), out: out}
	c.v.SetEnvPrefix("ATLAS")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "atlasctl",
		Short: "atlasctl drives the Atlas intent engine",
		Long: `atlasctl creates and decides intents, reports executions, toggles tenant
engines and manages the knowledge cache of a running engine. The evaluate,
token and gen-key commands work offline.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	pf := root.PersistentFlags()
	pf.String("url", "http://localhost:8080", "engine base URL")
	pf.String("token", "", "bearer token")
	pf.String("subject", "", "development subject sent when no token is set")
	pf.String("tenant", "", "tenant id")
	pf.Duration("timeout", 10*time.Second, "request timeout")
	_ = c.v.BindPFlags(pf)

	root.AddCommand(
		c.genKeyCmd(),
		c.evaluateCmd(),
		c.tokenCmd(),
		c.intentCmd(),
		c.tenantCmd(),
		c.kbCmd(),
	)
	return root
}

func (c *cli) client() *client.Client {
	cl := client.NewClient(c.v.GetString("url"), c.v.GetDuration("timeout"))
	cl.AuthToken = strings.TrimSpace(c.v.GetString("token"))
	cl.Subject = strings.TrimSpace(c.v.GetString("subject"))
	return cl
}

func (c *cli) tenant() (string, error) {
	t := strings.TrimSpace(c.v.GetString("tenant"))
	if t == "" {
		return "", errors.New("--tenant is required")
	}
	return t, nil
}

func (c *cli) print(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readInput reads path, or stdin when path is "-".
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("--file is required")
	}
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return raw, nil
}
