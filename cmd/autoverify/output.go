package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/vasiliy-maslov/autoverify/internal/order"
	"github.com/vasiliy-maslov/autoverify/internal/redemption"
	"github.com/vasiliy-maslov/autoverify/internal/upstream"
)

const timeLayout = "2006-01-02 15:04:05"

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(timeLayout)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func renderTable(w io.Writer, header []string, rows [][]string) error {
	table := tablewriter.NewWriter(w)
	table.Header(header)
	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return err
		}
	}
	return table.Render()
}

func printOrders(w io.Writer, p order.Page[order.Order]) error {
	rows := make([][]string, 0, len(p.Items))
	for _, o := range p.Items {
		rows = append(rows, []string{
			o.OrderSN,
			o.Status.String(),
			o.Amount.StringFixed(2),
			o.BuyerName,
			formatTime(o.PayTime),
			formatTime(o.ShippedAt),
			yesNo(o.Verified),
			formatTime(o.VerifiedAt),
		})
	}
	if err := renderTable(w, []string{"Order", "Status", "Amount", "Buyer", "Paid", "Shipped", "Verified", "Verified at"}, rows); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "page %d, %d of %d orders\n", p.Page, len(p.Items), p.Total)
	return err
}

func printRecords(w io.Writer, p order.Page[order.VerificationRecord]) error {
	rows := make([][]string, 0, len(p.Items))
	for _, r := range p.Items {
		created := r.CreatedAt
		rows = append(rows, []string{
			strconv.FormatInt(r.ID, 10),
			r.OrderSN,
			string(r.Method),
			yesNo(r.Success),
			r.Result,
			formatTime(&created),
		})
	}
	if err := renderTable(w, []string{"ID", "Order", "Method", "Success", "Result", "Attempted"}, rows); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "page %d, %d of %d records\n", p.Page, len(p.Items), p.Total)
	return err
}

func printUpstreamRecords(w io.Writer, p *upstream.RecordPage) error {
	rows := make([][]string, 0, len(p.Records))
	for _, r := range p.Records {
		rows = append(rows, []string{r.OrderSN, yesNo(r.Success), r.Time})
	}
	if err := renderTable(w, []string{"Order", "Success", "Time"}, rows); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%d records upstream\n", p.TotalCount)
	return err
}

func printStats(w io.Writer, st order.Stats) error {
	rate := "-"
	if st.TotalVerifications > 0 {
		rate = fmt.Sprintf("%.1f%%", float64(st.SuccessfulVerifications)*100/float64(st.TotalVerifications))
	}
	return renderTable(w, []string{"Metric", "Value"}, [][]string{
		{"Orders", strconv.Itoa(st.TotalOrders)},
		{"Awaiting fulfilment", strconv.Itoa(st.PendingOrders)},
		{"Shipped", strconv.Itoa(st.ShippedOrders)},
		{"Finished", strconv.Itoa(st.FinishedOrders)},
		{"Awaiting verification", strconv.Itoa(st.VerifiableOrders)},
		{"Verification attempts", strconv.Itoa(st.TotalVerifications)},
		{"Successful verifications", strconv.Itoa(st.SuccessfulVerifications)},
		{"Success rate", rate},
	})
}

func printBatchResult(w io.Writer, res redemption.BatchResult) error {
	rows := make([][]string, 0, len(res.Results))
	for _, r := range res.Results {
		rows = append(rows, []string{r.OrderSN, yesNo(r.Success), string(r.Kind), r.Message})
	}
	if err := renderTable(w, []string{"Order", "Success", "Kind", "Message"}, rows); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "batch %s: %d total, %d succeeded, %d failed\n", res.BatchID, res.Total, res.Success, res.Failed)
	return err
}

func printResult(w io.Writer, res redemption.Result) {
	if res.Success {
		fmt.Fprintf(w, "order %s verified at %s\n", res.OrderSN, formatTime(res.VerifiedAt))
		return
	}
	fmt.Fprintf(w, "order %s not verified: %s (%s)\n", res.OrderSN, res.Message, res.Kind)
}

func printMonitorReport(w io.Writer, r order.MonitorReport) {
	fmt.Fprintf(w, "run %s: fetched %d, shipped %d, skipped %d, failed %d, recovered %d in %s\n",
		r.RunID, r.Fetched, r.Processed, r.Skipped, r.Failed, r.Reconciled, r.Duration.Round(time.Millisecond))
}

func printAutoReport(w io.Writer, r redemption.AutoReport) {
	fmt.Fprintf(w, "run %s: scanned %d, verified %d, failed %d, errors %d, fallback codes %d\n",
		r.RunID, r.Scanned, r.Verified, r.Failed, r.Errors, r.Fallbacks)
}
