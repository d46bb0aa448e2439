package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/iapsync/internal/iap"
	"github.com/roach88/iapsync/internal/receipts"
)

// ReceiptsOptions holds flags for the receipts command.
type ReceiptsOptions struct {
	*RootOptions
	DBPath string
	Types  []string
}

// ReceiptView is the printed form of a receipt.
type ReceiptView struct {
	Token      string     `json:"entitlement_token"`
	OrderID    string     `json:"order_id,omitempty"`
	SKUs       []string   `json:"skus"`
	Type       string     `json:"type"`
	OrderDate  time.Time  `json:"order_date"`
	CancelDate *time.Time `json:"cancel_date,omitempty"`
	Cancelled  bool       `json:"cancelled"`
	UserID     string     `json:"user_id,omitempty"`
}

func viewOf(r iap.Receipt) ReceiptView {
	return ReceiptView{
		Token:      r.EntitlementToken,
		OrderID:    r.OrderID,
		SKUs:       r.SKUs,
		Type:       r.Type.String(),
		OrderDate:  r.OrderDate.UTC(),
		CancelDate: r.CancelDate,
		Cancelled:  r.IsCancelled,
		UserID:     r.UserID,
	}
}

// NewReceiptsCommand creates the receipts command.
func NewReceiptsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReceiptsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "receipts",
		Short: "List receipts in the receipt journal",
		Long: `List the receipts recorded in the SQLite receipt journal, oldest first.

The journal path comes from --db or from receipts.path in the config file.

Examples:
  iapsync receipts --db receipts.db
  iapsync receipts --db receipts.db --type subscription
  iapsync receipts -c iapsync.yaml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReceipts(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DBPath, "db", "", "receipt journal (SQLite)")
	cmd.Flags().StringSliceVar(&opts.Types, "type", nil, "only list these product types (consumable|non_consumable|subscription)")

	return cmd
}

func runReceipts(opts *ReceiptsOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	path := opts.DBPath
	if path == "" {
		path = opts.Config.Receipts.Path
	}
	if path == "" {
		return NewExitError(ExitCommandError, "no receipt journal: pass --db or set receipts.path")
	}
	if _, err := os.Stat(path); err != nil {
		return WrapExitError(ExitCommandError, "receipt journal not found", err)
	}

	types := make([]iap.ProductType, 0, len(opts.Types))
	for _, name := range opts.Types {
		t, err := iap.ParseProductType(name)
		if err != nil || !t.Known() {
			return NewExitError(ExitCommandError, fmt.Sprintf("invalid product type %q", name))
		}
		types = append(types, t)
	}

	store, err := receipts.Open(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open receipt journal", err)
	}
	defer store.Close()

	list, err := store.List(cmd.Context(), types...)
	if err != nil {
		_ = formatter.Error(CodeReceipts, err.Error(), nil)
		return WrapExitError(ExitFailure, "failed to list receipts", err)
	}
	formatter.VerboseLog("%d receipt(s) in %s", len(list), path)

	views := make([]ReceiptView, 0, len(list))
	for _, r := range list {
		views = append(views, viewOf(r))
	}
	if formatter.JSON() {
		return formatter.Success(views)
	}
	writeReceiptsText(cmd.OutOrStdout(), views)
	return nil
}

func writeReceiptsText(w io.Writer, views []ReceiptView) {
	if len(views) == 0 {
		fmt.Fprintln(w, "No receipts.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TOKEN\tORDER\tSKUS\tTYPE\tORDERED\tCANCELLED")
	for _, v := range views {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%t\n",
			v.Token, orDash(v.OrderID), strings.Join(v.SKUs, ","), v.Type,
			v.OrderDate.Format(time.RFC3339), v.Cancelled)
	}
	tw.Flush()
}
