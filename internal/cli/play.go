package cli

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/api/option"

	"github.com/roach88/iapsync/internal/agent"
	"github.com/roach88/iapsync/internal/backend/playstore"
	"github.com/roach88/iapsync/internal/iap"
	"github.com/roach88/iapsync/internal/orders"
	"github.com/roach88/iapsync/internal/receipts"
	"github.com/roach88/iapsync/internal/sched"
)

// PlayOptions holds flags for the play command.
type PlayOptions struct {
	*RootOptions
	PackageName     string
	CredentialsFile string
	Endpoint        string
	NoAuth          bool
	DBPath          string
	Consumables     []string
	Subscriptions   []string
	Timeout         time.Duration
}

// FailureView is the printed form of a failed order.
type FailureView struct {
	Token string `json:"entitlement_token"`
	SKU   string `json:"sku"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}

// PlayResult is the outcome of a play reconciliation pass.
type PlayResult struct {
	Package  string        `json:"package"`
	Tracked  int           `json:"tracked"`
	Receipts []ReceiptView `json:"receipts"`
	Failures []FailureView `json:"failures,omitempty"`
}

// NewPlayCommand creates the play command.
func NewPlayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PlayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "play <sku=token>...",
		Short: "Reconcile purchase tokens against Google Play",
		Long: `Run one reconciliation pass over the given purchase tokens using the
Google Play Developer API.

Each token is verified with Google Play. Unfinished purchases are consumed
(consumables) or acknowledged (everything else) and recorded as receipts.
Skus default to non-consumable; mark others with --consumable and
--subscription.

Exit codes:
  0 - Every tracked purchase was reconciled or needed nothing
  1 - One or more purchases failed
  2 - Command error (bad arguments, missing package name, credentials)

Examples:
  iapsync play coins=TOKEN1 --consumable coins --package com.example.app
  iapsync play monthly=TOKEN2 --subscription monthly -c iapsync.yaml
  iapsync play pro=TOKEN3 --db receipts.db --format json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlay(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.PackageName, "package", "", "application package name (default from config)")
	cmd.Flags().StringVar(&opts.CredentialsFile, "credentials", "", "service account JSON key (default from config)")
	cmd.Flags().StringVar(&opts.Endpoint, "endpoint", "", "API base URL (default from config)")
	cmd.Flags().BoolVar(&opts.NoAuth, "no-auth", false, "send unauthenticated requests (local API fakes)")
	cmd.Flags().StringVar(&opts.DBPath, "db", "", "receipt journal (SQLite, default from config)")
	cmd.Flags().StringSliceVar(&opts.Consumables, "consumable", nil, "skus that are consumable")
	cmd.Flags().StringSliceVar(&opts.Subscriptions, "subscription", nil, "skus that are subscriptions")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 2*time.Minute, "give up after this long")
	_ = cmd.Flags().MarkHidden("no-auth")

	return cmd
}

type purchaseArg struct {
	sku   string
	token string
	typ   iap.ProductType
}

func parsePurchaseArgs(args, consumables, subscriptions []string) ([]purchaseArg, error) {
	out := make([]purchaseArg, 0, len(args))
	for _, arg := range args {
		sku, token, ok := strings.Cut(arg, "=")
		sku, token = strings.TrimSpace(sku), strings.TrimSpace(token)
		if !ok || sku == "" || token == "" {
			return nil, fmt.Errorf("invalid purchase %q: want sku=token", arg)
		}
		p := purchaseArg{sku: sku, token: token, typ: iap.ProductTypeNonConsumable}
		switch {
		case slices.Contains(consumables, sku) && slices.Contains(subscriptions, sku):
			return nil, fmt.Errorf("sku %q cannot be both consumable and subscription", sku)
		case slices.Contains(consumables, sku):
			p.typ = iap.ProductTypeConsumable
		case slices.Contains(subscriptions, sku):
			p.typ = iap.ProductTypeSubscription
		}
		out = append(out, p)
	}
	return out, nil
}

func (o *PlayOptions) playConfig() playstore.Config {
	cfg := playstore.Config{
		PackageName:     o.Config.PlayStore.PackageName,
		CredentialsFile: o.Config.PlayStore.CredentialsFile,
		Endpoint:        o.Config.PlayStore.Endpoint,
	}
	if o.PackageName != "" {
		cfg.PackageName = o.PackageName
	}
	if o.CredentialsFile != "" {
		cfg.CredentialsFile = o.CredentialsFile
	}
	if o.Endpoint != "" {
		cfg.Endpoint = o.Endpoint
	}
	return cfg
}

func runPlay(opts *PlayOptions, args []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	purchases, err := parsePurchaseArgs(args, opts.Consumables, opts.Subscriptions)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid arguments", err)
	}
	cfg := opts.playConfig()
	if cfg.PackageName == "" {
		return NewExitError(ExitCommandError, "no package name: pass --package or set playstore.package_name")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
	defer cancel()

	// One executor for the adapter and the engine so that waiting on it
	// covers every call in flight.
	exec := &sched.Go{}

	adapterOpts := []playstore.Option{
		playstore.WithExecutor(exec),
		playstore.WithLogger(opts.logger().With("component", "playstore")),
	}
	if opts.NoAuth {
		adapterOpts = append(adapterOpts, playstore.WithClientOptions(option.WithoutAuthentication()))
	}
	adapter, err := playstore.New(ctx, cfg, adapterOpts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create Google Play client", err)
	}
	for _, p := range purchases {
		adapter.Track(p.sku, p.typ, p.token)
	}

	failures := &failureLog{}
	agentOpts := []agent.Option{
		agent.WithSteppedLoop(),
		agent.WithExecutor(exec),
		agent.WithLogger(opts.logger()),
		agent.WithConnectionConfig(opts.Config.Connection),
		// Every record the adapter reports was just verified with Google.
		agent.WithValidator(orders.ValidatorFunc(func(context.Context, iap.Order) (orders.Verdict, error) {
			return orders.VerdictValidated, nil
		})),
		agent.WithListener(failures),
	}

	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = opts.Config.Receipts.Path
	}
	if dbPath != "" {
		store, err := receipts.Open(dbPath)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open receipt journal", err)
		}
		defer store.Close()
		agentOpts = append(agentOpts, agent.WithReceiptStore(store))
	}

	a := agent.New(adapter, agentOpts...)
	defer a.Close()

	if err := a.Start(ctx); err != nil {
		return WrapExitError(ExitFailure, "failed to start reconciliation", err)
	}
	if err := settle(ctx, a, exec); err != nil {
		_ = formatter.Error(CodeReconcileFail, err.Error(), nil)
		return WrapExitError(ExitFailure, "reconciliation did not finish", err)
	}

	result := PlayResult{Package: cfg.PackageName, Tracked: len(purchases), Failures: failures.list()}
	for _, r := range a.QueryReceipts() {
		result.Receipts = append(result.Receipts, viewOf(r))
	}
	slices.SortFunc(result.Receipts, func(x, y ReceiptView) int { return strings.Compare(x.Token, y.Token) })

	if formatter.JSON() {
		if len(result.Failures) > 0 {
			if err := formatter.Failure(CodeReconcileFail, fmt.Sprintf("%d purchase(s) failed", len(result.Failures)), result); err != nil {
				return err
			}
		} else if err := formatter.Success(result); err != nil {
			return err
		}
	} else {
		writePlayText(cmd.OutOrStdout(), result)
	}

	if len(result.Failures) > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d purchase(s) failed", len(result.Failures)))
	}
	return nil
}

// settle steps the agent until no backend or engine call is in flight and
// no event is queued.
func settle(ctx context.Context, a *agent.Agent, exec *sched.Go) error {
	for {
		exec.Wait()
		if err := ctx.Err(); err != nil {
			return err
		}
		if a.Step(ctx) == 0 {
			return nil
		}
	}
}

type failureLog struct {
	mu       sync.Mutex
	failures []FailureView
}

func (l *failureLog) OnComplete(iap.Receipt) {}

func (l *failureLog) OnFailure(o iap.Order) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fv := FailureView{Token: o.EntitlementToken, SKU: o.SKU(), Code: string(iap.CodeOf(o.Err)), Error: "order failed"}
	if o.Err != nil {
		fv.Error = o.Err.Error()
	}
	l.failures = append(l.failures, fv)
}

func (l *failureLog) list() []FailureView {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.failures)
}

func writePlayText(w io.Writer, result PlayResult) {
	fmt.Fprintf(w, "%s: %d tracked, %d receipt(s), %d failure(s)\n",
		result.Package, result.Tracked, len(result.Receipts), len(result.Failures))
	for _, r := range result.Receipts {
		fmt.Fprintf(w, "✓ %s %s (%s)\n", strings.Join(r.SKUs, ","), r.Token, r.Type)
	}
	for _, f := range result.Failures {
		fmt.Fprintf(w, "✗ %s %s: %s\n", f.SKU, f.Token, f.Error)
	}
}
