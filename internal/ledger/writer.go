package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/stellar/go/amount"
	"go.uber.org/zap"

	"course-anchor/internal/clock"
	"course-anchor/internal/domain"
	"course-anchor/internal/httpx"
)

type WriterOptions struct {
	// ConfirmTimeout bounds the wait for a submitted transaction.
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	Clock          clock.Clock
}

// Writer anchors content hashes through the ledger gateway.
type Writer struct {
	gw       *Gateway
	resolver AddressResolver
	opts     WriterOptions
	log      *zap.Logger
}

func NewWriter(gw *Gateway, resolver AddressResolver, opts WriterOptions, log *zap.Logger) *Writer {
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 2 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{gw: gw, resolver: resolver, opts: opts, log: log.Named("ledger")}
}

// HasAnchorCapability reports whether address may write anchors.
func (w *Writer) HasAnchorCapability(ctx context.Context, address string) (bool, error) {
	caps, err := w.gw.capabilities(ctx, address)
	if err != nil {
		switch httpx.StatusCode(err) {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return false, nil
		}
		return false, fmt.Errorf("ledger capabilities: %w", err)
	}
	return caps.Anchor, nil
}

// SyncSequence seeds the signer with its account's current sequence.
func (w *Writer) SyncSequence(ctx context.Context, s *Signer) error {
	caps, err := w.gw.capabilities(ctx, s.Address())
	if err != nil {
		return fmt.Errorf("ledger sequence: %w", err)
	}
	s.SetSequence(caps.Sequence)
	return nil
}

// Anchor writes hash for rec and waits for confirmation. The record id is the
// idempotency key, so resubmitting a record never creates a second anchor.
func (w *Writer) Anchor(ctx context.Context, s *Signer, rec domain.SourceRecord, hash domain.ContentHash) (domain.AnchorReceipt, error) {
	addr, err := w.resolver.Resolve(ctx, rec.SubjectID)
	if err != nil {
		return domain.AnchorReceipt{}, anchorErr(domain.ErrAnchorRejected, rec.ID, "", err)
	}
	if !ValidAddress(addr) {
		return domain.AnchorReceipt{}, anchorErr(domain.ErrAnchorRejected, rec.ID, "",
			fmt.Errorf("invalid ledger address %q for subject %s", addr, rec.SubjectID))
	}

	body := anchorRequest{
		Network:             string(s.Network()),
		SubjectAddress:      addr,
		CourseID:            rec.CourseID,
		CourseName:          rec.CourseName,
		CompletionTimestamp: rec.CompletionDate.UTC().Unix(),
		ContentHash:         hash.String(),
		Signer:              s.Address(),
		Sequence:            s.Reserve(rec.ID),
	}
	unsigned, err := json.Marshal(body)
	if err != nil {
		s.Release(rec.ID)
		return domain.AnchorReceipt{}, anchorErr(domain.ErrAnchorRejected, rec.ID, "", err)
	}
	if body.Signature, err = s.Sign(unsigned); err != nil {
		s.Release(rec.ID)
		return domain.AnchorReceipt{}, anchorErr(domain.ErrAnchorRejected, rec.ID, "", err)
	}

	sub, err := w.gw.submit(ctx, rec.ID, body)
	if err != nil {
		if isRejection(err) {
			// refused before reaching the ledger; the sequence is still free
			s.Release(rec.ID)
			return domain.AnchorReceipt{}, anchorErr(domain.ErrAnchorRejected, rec.ID, "", err)
		}
		// the gateway may or may not have accepted it; a retry is safe
		return domain.AnchorReceipt{}, anchorErr(domain.ErrAnchorTimeout, rec.ID, "", err)
	}

	w.log.Debug("anchor submitted",
		zap.String("source_id", rec.ID),
		zap.String("tx_ref", sub.TxRef),
		zap.Int64("sequence", body.Sequence))

	return w.awaitConfirmation(ctx, rec.ID, sub.TxRef, hash)
}

func (w *Writer) awaitConfirmation(ctx context.Context, sourceID, txRef string, hash domain.ContentHash) (domain.AnchorReceipt, error) {
	deadline := w.opts.Clock.Now().Add(w.opts.ConfirmTimeout)
	for {
		st, err := w.gw.status(ctx, txRef)
		if err != nil {
			w.log.Debug("anchor status unavailable", zap.String("tx_ref", txRef), zap.Error(err))
		} else {
			switch st.Status {
			case txConfirmed:
				return w.receipt(sourceID, txRef, hash, st), nil
			case txRejected:
				return domain.AnchorReceipt{}, anchorErr(domain.ErrAnchorRejected, sourceID, txRef,
					fmt.Errorf("rejected by ledger: %s", st.Reason))
			}
		}

		if !w.opts.Clock.Now().Before(deadline) {
			return domain.AnchorReceipt{}, anchorErr(domain.ErrAnchorTimeout, sourceID, txRef,
				fmt.Errorf("not confirmed within %s", w.opts.ConfirmTimeout))
		}
		if err := w.opts.Clock.Sleep(ctx, w.opts.PollInterval); err != nil {
			return domain.AnchorReceipt{}, anchorErr(domain.ErrAnchorTimeout, sourceID, txRef, err)
		}
	}
}

func (w *Writer) receipt(sourceID, txRef string, hash domain.ContentHash, st txStatus) domain.AnchorReceipt {
	var cost int64
	if st.Fee != "" {
		stroops, err := amount.ParseInt64(st.Fee)
		if err != nil {
			w.log.Warn("unparsable anchor fee", zap.String("source_id", sourceID), zap.String("fee", st.Fee), zap.Error(err))
		} else {
			cost = stroops
		}
	}
	return domain.AnchorReceipt{
		LedgerRecordID: st.RecordID,
		TransactionRef: txRef,
		ContentHash:    hash,
		CostMetric:     cost,
		Confirmed:      true,
	}
}

// 4xx other than throttling/timeouts means the gateway refused the anchor.
func isRejection(err error) bool {
	code := httpx.StatusCode(err)
	if code < 400 || code >= 500 {
		return false
	}
	return code != http.StatusRequestTimeout && code != http.StatusTooManyRequests
}

func anchorErr(kind error, sourceID, txRef string, err error) error {
	return &domain.StageError{Kind: kind, Stage: domain.StageAnchoring, SourceID: sourceID, TxRef: txRef, Err: err}
}
