// Command loadtest drives a running wsserver with simulated users.
//
//	loadtest saturate   open N authenticated connections and hold them
//	loadtest fanout     fill chat rooms and measure record-to-frame latency
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/thelinks/realtime/internal/auth"
)

// common flags shared by every scenario.
type common struct {
	url        string
	metricsURL string
	secret     string
	prefix     string
}

func (c *common) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&c.url, "url", "ws://localhost:8080/ws", "WebSocket endpoint")
	cmd.Flags().StringVar(&c.metricsURL, "metrics", "http://localhost:8080/metrics", "server metrics endpoint (empty disables scraping)")
	cmd.Flags().StringVar(&c.secret, "secret", os.Getenv("JWT_SECRET"), "token signing secret shared with the server")
	cmd.Flags().StringVar(&c.prefix, "prefix", "load", "identity prefix for simulated users")
}

// token signs a credential for the i-th simulated user.
func (c *common) token(i int) (identity, token string, err error) {
	identity = fmt.Sprintf("%s-%d", c.prefix, i)
	token, err = auth.NewVerifier(c.secret).Sign(identity, time.Hour)
	return identity, token, err
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "loadtest",
		Short:         "Load scenarios for the real-time server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(saturateCmd(), fanoutCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "loadtest: %v\n", err)
		os.Exit(1)
	}
}
