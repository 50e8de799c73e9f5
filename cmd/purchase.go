package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"ussd-airtime-bot/bulk"
	"ussd-airtime-bot/httpapi"
	"ussd-airtime-bot/model"
	"ussd-airtime-bot/purchase"
	"ussd-airtime-bot/store"
)

var buyCmd = &cobra.Command{
	Use:   "buy <sim> <destination> <amount>",
	Short: "Buy a data bundle now, or queue it for the purchaser",
	Long: `Buy a data bundle for a destination number through the SIM given by id
or operator name. With --recharge the second argument is a recharge code
and the amount is ignored.`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runBuy,
}

var importCmd = &cobra.Command{
	Use:   "import <file.csv>",
	Short: "Queue bundle purchases for every number in a CSV file",
	Args:  cobra.ExactArgs(1),
	RunE:  runImport,
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write bundle purchases as CSV to stdout",
	RunE:  runExport,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent transactions",
	RunE:  runList,
}

var clearCmd = &cobra.Command{
	Use:   "clear <operator>",
	Short: "Mark an operator's pending transactions unknown and resume it",
	Args:  cobra.ExactArgs(1),
	RunE:  runClear,
}

var (
	buyForce    bool
	buyRecharge bool
	buyQueue    bool

	importSIM    string
	importAmount string

	listStatus string
	listKind   string
	listLimit  int
)

func init() {
	rootCmd.AddCommand(buyCmd, importCmd, exportCmd, listCmd, clearCmd)

	buyCmd.Flags().BoolVar(&buyForce, "force", false, "dial even if the operator has a pending purchase or is halted")
	buyCmd.Flags().BoolVar(&buyRecharge, "recharge", false, "redeem a recharge code instead of buying a bundle")
	buyCmd.Flags().BoolVarP(&buyQueue, "queue", "q", false, "queue the purchase instead of dialling now")
	buyCmd.Long += `

Without Redis the purchase is sent to the running server's HTTP API, which
holds the operator locks.`

	importCmd.Flags().StringVar(&importSIM, "sim", "", "SIM id or operator name [REQUIRED]")
	importCmd.Flags().StringVar(&importAmount, "amount", "", "bundle amount for every row [REQUIRED]")
	importCmd.MarkFlagRequired("sim")
	importCmd.MarkFlagRequired("amount")

	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status code (Q, P, S, F, U)")
	listCmd.Flags().StringVar(&listKind, "kind", "", "filter by kind (bundle_purchase, recharge)")
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 20, "maximum rows")
}

func runBuy(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	mode := offline
	if !buyQueue {
		mode = online
	}
	a, err := newApp(ctx, storeOnly)
	if err != nil {
		return err
	}
	defer a.Close()

	sim, err := a.findSIM(ctx, args[0])
	if err != nil {
		return err
	}
	req := purchase.Request{SIMID: sim.ID, Kind: model.KindBundlePurchase, Crux: args[1]}
	if buyRecharge {
		req.Kind = model.KindRecharge
	} else if len(args) == 3 {
		req.Amount = args[2]
	}

	out := cmd.OutOrStdout()
	if mode == online && !a.sharedLock() {
		return buyRemote(cmd, a, req)
	}
	if err := a.openServices(ctx, mode == online); err != nil {
		return err
	}

	if buyQueue {
		tx, err := a.machine.Enqueue(ctx, req)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "queued %s\n", tx.Ref)
		return nil
	}

	res, err := a.machine.Initiate(ctx, req, buyForce)
	if err != nil {
		return err
	}
	if res.NoReply {
		fmt.Fprintln(out, res.Message())
		return nil
	}
	fmt.Fprintf(out, "%s %s\n%s\n", res.Transaction.Ref, res.Transaction.Status, res.Reply)
	return nil
}

func buyRemote(cmd *cobra.Command, a *app, req purchase.Request) error {
	body := httpapi.PurchaseRequest{
		SIMID:       req.SIMID,
		Kind:        string(req.Kind),
		Destination: req.Crux,
		Amount:      req.Amount,
		Force:       buyForce,
	}
	if req.Kind == model.KindRecharge {
		body.Destination, body.Code = "", req.Crux
	}
	res, msg, err := newAPIClient(a.cfg.App.Addr).Purchase(cmd.Context(), body)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if res.Transaction == nil {
		fmt.Fprintln(out, msg)
		return nil
	}
	fmt.Fprintf(out, "%s %s\n%s\n", res.Transaction.Ref, res.Transaction.Status, res.Reply)
	return nil
}

func runClear(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, storeOnly)
	if err != nil {
		return err
	}
	defer a.Close()

	var n int
	if a.sharedLock() {
		if err = a.openServices(ctx, false); err == nil {
			n, err = a.machine.Clear(ctx, args[0])
		}
	} else {
		n, err = newAPIClient(a.cfg.App.Addr).Clear(ctx, args[0])
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s cleared, %d pending marked unknown\n", args[0], n)
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	a, err := newApp(ctx, offline)
	if err != nil {
		return err
	}
	defer a.Close()

	sim, err := a.findSIM(ctx, importSIM)
	if err != nil {
		return err
	}
	res, err := bulk.Import(ctx, f, sim.ID, importAmount, a.machine)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, le := range res.Errors {
		fmt.Fprintf(out, "line %d: %q: %v\n", le.Line, le.Value, le.Err)
	}
	fmt.Fprintf(out, "%d queued for %s, %d rejected\n", len(res.Queued), sim.OperatorName, len(res.Errors))
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), storeOnly)
	if err != nil {
		return err
	}
	defer a.Close()

	txs, err := a.store.ListTransactions(cmd.Context(), store.TransactionFilter{Kind: model.KindBundlePurchase})
	if err != nil {
		return err
	}
	return bulk.Export(cmd.OutOrStdout(), txs)
}

func runList(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), storeOnly)
	if err != nil {
		return err
	}
	defer a.Close()

	txs, err := a.store.ListTransactions(cmd.Context(), store.TransactionFilter{
		Status: model.TransactionStatus(listStatus),
		Kind:   model.TransactionKind(listKind),
		Limit:  listLimit,
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "REF\tOPERATOR\tKIND\tCRUX\tAMOUNT\tSTATUS\tINITIATED")
	for _, tx := range txs {
		initiated := "-"
		if tx.InitiatedAt != nil {
			initiated = tx.InitiatedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", tx.Ref, tx.Operator, tx.Kind, tx.Crux, tx.Amount, tx.Status, initiated)
	}
	return w.Flush()
}
