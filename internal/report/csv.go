package report

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"course-anchor/internal/domain"
)

// Keep header order EXACT: operators diff these files across runs.
var resultHeader = []string{
	"SOURCE_ID",
	"COMPLETION_DATE",
	"STATUS",
	"CONTENT_HASH",
	"LEDGER_RECORD_ID",
	"TRANSACTION_REF",
	"COST_XLM",
	"RETRIES",
	"ERROR_KIND",
	"ERROR",
	"PENDING_TX_REF",
	"DRY_RUN",
}

// WriteResultsCSV writes one row per record result.
func WriteResultsCSV(w io.Writer, results []domain.MigrationResult) error {
	cw := csv.NewWriter(w)
	// spreadsheet friendly
	cw.UseCRLF = true

	if err := cw.Write(resultHeader); err != nil {
		return err
	}
	for _, r := range results {
		if err := cw.Write(toResultRow(r)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func toResultRow(r domain.MigrationResult) []string {
	var recordID, txRef, cost string
	if r.Receipt != nil {
		recordID = r.Receipt.LedgerRecordID
		txRef = r.Receipt.TransactionRef
		cost = decimal.New(r.Receipt.CostMetric, stroopExp).StringFixed(7)
	}

	completed := ""
	if !r.CompletionDate.IsZero() {
		completed = r.CompletionDate.UTC().Format(time.RFC3339)
	}

	return []string{
		r.SourceID,                   // SOURCE_ID
		completed,                    // COMPLETION_DATE
		string(r.Status),             // STATUS
		r.ContentHash.String(),       // CONTENT_HASH
		recordID,                     // LEDGER_RECORD_ID
		txRef,                        // TRANSACTION_REF
		cost,                         // COST_XLM
		strconv.Itoa(r.Retries),      // RETRIES
		r.ErrorKind,                  // ERROR_KIND
		r.Error,                      // ERROR
		r.PendingTxRef,               // PENDING_TX_REF
		strconv.FormatBool(r.DryRun), // DRY_RUN
	}
}
