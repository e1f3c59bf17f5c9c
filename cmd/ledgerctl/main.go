package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmerrifield20/powledger/pkg/client"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

var (
	nodeURL string
	cfgFile string
	format  string
	timeout time.Duration
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ledgerctl",
	Short: "Command-line client for a powledger node",
	Long: `ledgerctl talks to a running ledgerd node over its HTTP API.

It submits records, triggers mining, inspects the chain and manages the
node's peers:

  ledgerctl --node http://localhost:5000 submit --author alice --content "hello"
  ledgerctl mine
  ledgerctl chain --format json`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.ledgerctl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("ledgerctl")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if nodeURL == "" {
			nodeURL = viper.GetString("node_url")
		}
		if nodeURL == "" {
			nodeURL = "http://localhost:5000"
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.ledgerctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&nodeURL, "node", "", "node base URL (default http://localhost:5000)")
	rootCmd.PersistentFlags().StringVar(&format, "format", "text", "Output format: text or json")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "request timeout; 0 waits as long as mining takes")

	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(mineCmd)
	rootCmd.AddCommand(chainCmd)
	rootCmd.AddCommand(blockCmd)
	rootCmd.AddCommand(pendingCmd)
	rootCmd.AddCommand(peersCmd)
	rootCmd.AddCommand(registerWithCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(versionCmd)
}

func newClient() (*client.Client, context.Context, context.CancelFunc, error) {
	c, err := client.New(nodeURL, client.WithTimeout(timeout), client.WithUserAgent("ledgerctl/"+version))
	if err != nil {
		return nil, nil, nil, err
	}
	ctx := context.Background()
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}
	return c, ctx, cancel, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── submit ───────────────────────────────────────────────────────────────────

var (
	submitAuthor  string
	submitContent string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Queue a record for the next block",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := newClient()
		if err != nil {
			return err
		}
		defer cancel()

		rec, err := c.SubmitRecord(ctx, submitAuthor, submitContent)
		if err != nil {
			return fmt.Errorf("submit record: %w", err)
		}
		if format == "json" {
			return printJSON(json.RawMessage(rec))
		}
		var fields map[string]any
		_ = json.Unmarshal(rec, &fields)
		fmt.Printf("Record queued\n")
		fmt.Printf("  ID:        %v\n", fields["id"])
		fmt.Printf("  Timestamp: %v\n", fields["timestamp"])
		return nil
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitAuthor, "author", "", "record author (required)")
	submitCmd.Flags().StringVar(&submitContent, "content", "", "record content (required)")
	_ = submitCmd.MarkFlagRequired("author")
	_ = submitCmd.MarkFlagRequired("content")
}

// ── mine ─────────────────────────────────────────────────────────────────────

var mineCmd = &cobra.Command{
	Use:   "mine",
	Short: "Seal the pending records into a new block",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := newClient()
		if err != nil {
			return err
		}
		defer cancel()

		res, err := c.Mine(ctx)
		if err != nil {
			return fmt.Errorf("mine: %w", err)
		}
		if format == "json" {
			return printJSON(res)
		}
		if !res.Mined {
			fmt.Println("Nothing to mine")
			return nil
		}
		fmt.Printf("Block mined\n")
		fmt.Printf("  Index: %d\n", res.Index)
		fmt.Printf("  Hash:  %s\n", res.Hash)
		return nil
	},
}

// ── chain ────────────────────────────────────────────────────────────────────

var chainCmd = &cobra.Command{
	Use:   "chain",
	Short: "List the node's blocks",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := newClient()
		if err != nil {
			return err
		}
		defer cancel()

		resp, err := c.Chain(ctx)
		if err != nil {
			return fmt.Errorf("fetch chain: %w", err)
		}
		if format == "json" {
			return printJSON(resp)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "INDEX\tRECORDS\tNONCE\tTIMESTAMP\tHASH")
		for _, b := range resp.Chain {
			fmt.Fprintf(w, "%d\t%d\t%d\t%s\t%s\n",
				b.Index, len(b.Payload), b.Nonce, b.Timestamp.Format(time.RFC3339), b.Hash)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Printf("\n%d blocks, %d peers\n", resp.Length, len(resp.Peers))
		return nil
	},
}

// ── block ────────────────────────────────────────────────────────────────────

var blockCmd = &cobra.Command{
	Use:   "block <index>",
	Short: "Show a single block",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid index %q", args[0])
		}
		c, ctx, cancel, err := newClient()
		if err != nil {
			return err
		}
		defer cancel()

		b, err := c.Block(ctx, idx)
		if err != nil {
			return fmt.Errorf("fetch block %d: %w", idx, err)
		}
		return printJSON(b)
	},
}

// ── pending ──────────────────────────────────────────────────────────────────

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List records waiting to be mined",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := newClient()
		if err != nil {
			return err
		}
		defer cancel()

		recs, err := c.Pending(ctx)
		if err != nil {
			return fmt.Errorf("fetch pending: %w", err)
		}
		if format == "json" {
			return printJSON(recs)
		}
		if len(recs) == 0 {
			fmt.Println("No pending records")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tAUTHOR\tCONTENT")
		for _, r := range recs {
			var fields map[string]any
			_ = json.Unmarshal(r, &fields)
			fmt.Fprintf(w, "%v\t%v\t%v\n", fields["id"], fields["author"], fields["content"])
		}
		return w.Flush()
	},
}

// ── peers ────────────────────────────────────────────────────────────────────

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List the node's known peers",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := newClient()
		if err != nil {
			return err
		}
		defer cancel()

		list, err := c.Peers(ctx)
		if err != nil {
			return fmt.Errorf("fetch peers: %w", err)
		}
		if format == "json" {
			return printJSON(list)
		}
		for _, p := range list {
			fmt.Println(p)
		}
		return nil
	},
}

var registerWithCmd = &cobra.Command{
	Use:   "register-with <node-url>",
	Short: "Make the node join the network of another node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := newClient()
		if err != nil {
			return err
		}
		defer cancel()

		resp, err := c.RegisterWith(ctx, args[0])
		if err != nil {
			return fmt.Errorf("register with %s: %w", args[0], err)
		}
		if format == "json" {
			return printJSON(resp)
		}
		fmt.Printf("Registered with %s\n", args[0])
		fmt.Printf("  Chain length: %d\n", resp.Length)
		fmt.Printf("  Peers:        %d\n", len(resp.Peers))
		return nil
	},
}

// ── verify / resolve ─────────────────────────────────────────────────────────

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Ask the node to validate its own chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := newClient()
		if err != nil {
			return err
		}
		defer cancel()

		res, err := c.Verify(ctx)
		if err != nil {
			return fmt.Errorf("verify: %w", err)
		}
		if format == "json" {
			return printJSON(res)
		}
		if !res.Valid {
			return fmt.Errorf("chain of %d blocks is invalid: %s", res.Length, res.Error)
		}
		fmt.Printf("Chain of %d blocks is valid\n", res.Length)
		return nil
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Run a consensus round on the node",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := newClient()
		if err != nil {
			return err
		}
		defer cancel()

		res, err := c.Resolve(ctx)
		if err != nil {
			return fmt.Errorf("resolve: %w", err)
		}
		if format == "json" {
			return printJSON(res)
		}
		if res.Replaced {
			fmt.Printf("Chain replaced by %s: %d -> %d blocks\n", res.Peer, res.PreviousLength, res.Length)
		} else {
			fmt.Printf("Chain is authoritative (%d blocks, %d candidates)\n", res.Length, res.Candidates)
		}
		return nil
	},
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the ledgerctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ledgerctl %s\n", version)
	},
}
