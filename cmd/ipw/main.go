package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jmerrifield20/ipwbridge/internal/config"
	"github.com/jmerrifield20/ipwbridge/pkg/client"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile string
	v       = config.New()
	cfg     *config.Config
	logger  = zap.NewNop()
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ipw",
	Short: "IPW API client and bridge",
	Long: `ipw talks to the IPW object API using signed requests.

Credentials come from ipw.yaml (current directory or ~/.ipw), the
environment (IPW_URL, IPW_USER, IPW_PASSWORD, IPW_CHECKSUM_SECRET) or flags.

  ipw datatypes
  ipw list person --limit 50
  ipw model person update --id 4711 --data '{"email":"bob@example.com"}'
  ipw serve --port 8080`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(v, cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded

		l, err := newLogger(cfg.Log.Level)
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default ./ipw.yaml or ~/.ipw/ipw.yaml)")
	pf.String("url", "", "IPW API base URL")
	pf.String("user", "", "IPW account user name")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	_ = v.BindPFlag("ipw.url", pf.Lookup("url"))
	_ = v.BindPFlag("ipw.user", pf.Lookup("user"))
	_ = v.BindPFlag("log.level", pf.Lookup("log-level"))

	rootCmd.AddCommand(datatypesCmd, explainCmd, listCmd, readCmd, modelCmd, uploadCmd, tokenCmd, serveCmd, versionCmd)
}

// newLogger builds a production logger at level; debug switches to the
// human-readable development encoder.
func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

// newClient validates the loaded configuration and creates an API client.
func newClient(extra ...client.Option) (*client.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	opts := append(cfg.IPW.ClientOptions(), client.WithLogger(logger))
	return client.New(cfg.IPW.Credential(), append(opts, extra...)...)
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return fmt.Errorf("format response: %w", err)
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

// runAPI creates a client, runs fn and prints its JSON result.
func runAPI(cmd *cobra.Command, fn func(ctx context.Context, c *client.Client) (json.RawMessage, error)) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	res, err := fn(cmd.Context(), c)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), res)
}

// ── datatypes / explain / read ───────────────────────────────────────────────

var datatypesCmd = &cobra.Command{
	Use:   "datatypes",
	Short: "List the datatypes visible to the account",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAPI(cmd, func(ctx context.Context, c *client.Client) (json.RawMessage, error) {
			return c.Datatypes(ctx)
		})
	},
}

var explainCmd = &cobra.Command{
	Use:   "explain <datatype>",
	Short: "Describe the fields of a datatype",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAPI(cmd, func(ctx context.Context, c *client.Client) (json.RawMessage, error) {
			return c.Explain(ctx, args[0])
		})
	},
}

var readCmd = &cobra.Command{
	Use:   "read <objectid>",
	Short: "Fetch a single object",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("object id %q: %w", args[0], err)
		}
		return runAPI(cmd, func(ctx context.Context, c *client.Client) (json.RawMessage, error) {
			return c.Read(ctx, id)
		})
	},
}

// ── list ─────────────────────────────────────────────────────────────────────

var listFlags struct {
	fields      string
	limit       int
	offset      int
	andOr       string
	searchField string
	searchOp    string
	search      string
	from        string
}

var listCmd = &cobra.Command{
	Use:   "list <datatype>",
	Short: "List objects of a datatype",
	Long: `List objects of a datatype.

Without search flags it returns up to 20 objects created in the last 30 days.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := buildListQuery(args[0])
		if err != nil {
			return err
		}
		return runAPI(cmd, func(ctx context.Context, c *client.Client) (json.RawMessage, error) {
			return c.List(ctx, q)
		})
	},
}

func init() {
	f := listCmd.Flags()
	f.StringVar(&listFlags.fields, "fields", "", "comma-separated fields to return")
	f.IntVar(&listFlags.limit, "limit", client.DefaultListLimit, "maximum number of objects")
	f.IntVar(&listFlags.offset, "offset", 0, "number of objects to skip")
	f.StringVar(&listFlags.andOr, "and-or", client.DefaultSearchAndOr, "search combinator: AND or OR")
	f.StringVar(&listFlags.searchField, "search-field", client.DefaultSearchField, "field to search on")
	f.StringVar(&listFlags.searchOp, "search-op", client.DefaultSearchOperation, "search comparison, e.g. EQUAL, GREATEREQUAL")
	f.StringVar(&listFlags.search, "search", "", "search value; overrides --from")
	f.StringVar(&listFlags.from, "from", "", "search from this date (yyyy-mm-dd); default 30 days ago")
}

func buildListQuery(datatype string) (client.ListQuery, error) {
	q := client.NewListQuery(datatype)
	q.Fields = listFlags.fields
	q.Limit = listFlags.limit
	q.Offset = listFlags.offset
	q.SearchAndOr = listFlags.andOr
	q.SearchField = listFlags.searchField
	q.SearchOperation = listFlags.searchOp
	q.SearchValue = listFlags.search
	if listFlags.from != "" {
		from, err := time.Parse(time.DateOnly, listFlags.from)
		if err != nil {
			return q, fmt.Errorf("--from: %w", err)
		}
		q.FromDate = from
	}
	return q, nil
}

// ── model ────────────────────────────────────────────────────────────────────

var modelFlags struct {
	id   int
	data string
	file string
}

var modelCmd = &cobra.Command{
	Use:   "model <datatype> <create|update|delete|createcopy>",
	Short: "Create, update, delete or copy an object",
	Long: `Apply a model operation. The JSON payload comes from --data, --file, or
stdin when --file is "-".

  ipw model person create --data '{"name":"Bob"}'
  ipw model person delete --id 4711`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		op, err := client.ParseModelOp(args[1])
		if err != nil {
			return err
		}
		payload, err := readPayload(cmd.InOrStdin(), modelFlags.data, modelFlags.file)
		if err != nil {
			return err
		}
		req := client.ModelRequest{Datatype: args[0], Op: op, Payload: payload}
		if cmd.Flags().Changed("id") {
			id := modelFlags.id
			req.ObjectID = &id
		}
		return runAPI(cmd, func(ctx context.Context, c *client.Client) (json.RawMessage, error) {
			return c.Model(ctx, req)
		})
	},
}

func init() {
	modelCmd.Flags().IntVar(&modelFlags.id, "id", 0, "object id (required for update and delete)")
	modelCmd.Flags().StringVar(&modelFlags.data, "data", "", "JSON payload")
	modelCmd.Flags().StringVar(&modelFlags.file, "file", "", `file with the JSON payload, "-" for stdin`)
	modelCmd.MarkFlagsMutuallyExclusive("data", "file")
}

func readPayload(stdin io.Reader, data, file string) (json.RawMessage, error) {
	switch {
	case data != "":
		return json.RawMessage(data), nil
	case file == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return b, nil
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		return b, nil
	}
	return nil, nil
}

// ── upload ───────────────────────────────────────────────────────────────────

var uploadCmd = &cobra.Command{
	Use:   "upload <parentid> <name=path> [name=path] ...",
	Short: "Upload files to an object",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		parentID, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("parent id %q: %w", args[0], err)
		}
		specs, err := parseUploadSpecs(args[1:])
		if err != nil {
			return err
		}

		batch := client.UploadBatch{ParentID: parentID, Files: map[string]io.ReadSeeker{}}
		for name, path := range specs {
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open %s: %w", path, err)
			}
			defer f.Close()
			batch.Files[name] = f
		}
		return runAPI(cmd, func(ctx context.Context, c *client.Client) (json.RawMessage, error) {
			return c.Upload(ctx, batch)
		})
	},
}

// parseUploadSpecs turns name=path arguments into a map, rejecting duplicates.
func parseUploadSpecs(args []string) (map[string]string, error) {
	out := make(map[string]string, len(args))
	for _, a := range args {
		name, path, ok := strings.Cut(a, "=")
		if !ok || name == "" || path == "" {
			return nil, fmt.Errorf("invalid file argument %q: want name=path", a)
		}
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("duplicate file name %q", name)
		}
		out[name] = path
	}
	return out, nil
}

// ── token ────────────────────────────────────────────────────────────────────

var tokenShow bool

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Authenticate and print the session token expiry",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		tok, err := c.Tokens().TokenSource(cmd.Context()).Token()
		if err != nil {
			return err
		}

		out := map[string]any{
			"valid":  tok.Valid(),
			"expiry": tok.Expiry.Format(time.RFC3339),
		}
		if tokenShow {
			out["token"] = tok.AccessToken
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	tokenCmd.Flags().BoolVar(&tokenShow, "show", false, "include the token itself in the output")
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the ipw CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "ipw %s\n", version)
	},
}
