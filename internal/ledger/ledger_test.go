package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stellar/go/keypair"
	"github.com/stellar/go/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"course-anchor/internal/clock"
	"course-anchor/internal/domain"
	"course-anchor/internal/httpx"
)

func TestParseNetwork(t *testing.T) {
	for _, s := range []string{"testnet", "pubnet", "futurenet"} {
		n, err := ParseNetwork(s)
		require.NoError(t, err)
		assert.Equal(t, Network(s), n)
	}
	_, err := ParseNetwork("mainnet")
	assert.ErrorContains(t, err, `unknown network "mainnet"`)

	assert.Equal(t, network.PublicNetworkPassphrase, Pubnet.Passphrase())
	assert.Equal(t, network.TestNetworkPassphrase, Testnet.Passphrase())
	assert.Equal(t, network.FutureNetworkPassphrase, Futurenet.Passphrase())
}

func newSigner(t *testing.T, n Network) (*Signer, *keypair.Full) {
	t.Helper()
	kp := keypair.MustRandom()
	s, err := NewSigner(kp.Seed(), n)
	require.NoError(t, err)
	return s, kp
}

func TestSignerReserveReusesSequencePerRecord(t *testing.T) {
	s, _ := newSigner(t, Testnet)
	s.SetSequence(100)

	assert.Equal(t, int64(101), s.Reserve("a"))
	assert.Equal(t, int64(101), s.Reserve("a"), "retry keeps its sequence")
	assert.Equal(t, int64(102), s.Reserve("b"))
	assert.Equal(t, int64(103), s.Reserve("a"), "a later record gets a fresh one")
}

func TestSignerRelease(t *testing.T) {
	s, _ := newSigner(t, Testnet)
	s.SetSequence(10)

	assert.Equal(t, int64(11), s.Reserve("a"))
	s.Release("a")
	assert.Equal(t, int64(11), s.Reserve("b"), "released sequence is reused")

	s.Release("a")
	assert.Equal(t, int64(12), s.Reserve("c"), "releasing a stale record is a no-op")
}

func TestSignerSignIsNetworkBound(t *testing.T) {
	s, kp := newSigner(t, Testnet)
	payload := []byte(`{"contentHash":"bafkrei..."}`)

	sig, err := s.Sign(payload)
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(sig)
	require.NoError(t, err)

	id := network.ID(network.TestNetworkPassphrase)
	digest := sha256.Sum256(append(id[:], payload...))
	assert.NoError(t, kp.Verify(digest[:], raw))

	pub, err := NewSigner(kp.Seed(), Pubnet)
	require.NoError(t, err)
	other, err := pub.Sign(payload)
	require.NoError(t, err)
	assert.NotEqual(t, sig, other)
}

func TestNewSignerRejectsBadSeed(t *testing.T) {
	_, err := NewSigner("not-a-seed", Testnet)
	assert.ErrorContains(t, err, "parse secret seed")
}

func TestLoadDirectory(t *testing.T) {
	addr := keypair.MustRandom().Address()
	path := filepath.Join(t.TempDir(), "addresses.yaml")
	require.NoError(t, os.WriteFile(path, []byte("subjects:\n  learner-1: "+addr+"\n"), 0o600))

	d, err := LoadDirectory(path)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Len())

	got, err := d.Resolve(context.Background(), "learner-1")
	require.NoError(t, err)
	assert.Equal(t, addr, got)

	_, err = d.Resolve(context.Background(), "learner-2")
	assert.ErrorIs(t, err, ErrAddressNotFound)

	_, err = LoadDirectory(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidAddress(t *testing.T) {
	kp := keypair.MustRandom()
	assert.True(t, ValidAddress(kp.Address()))
	assert.False(t, ValidAddress(kp.Seed()))
	assert.False(t, ValidAddress("GNOTANADDRESS"))
	assert.False(t, ValidAddress(""))
}

// gatewayStub emulates the ledger gateway.
type gatewayStub struct {
	mu sync.Mutex

	capable      bool
	sequence     int64
	submitStatus int
	// rejectKeys fails the submission of specific idempotency keys
	rejectKeys map[string]int
	// statuses are returned by successive polls; the last one repeats
	statuses []txStatus
	polls    int

	submissions []anchorRequest
	idemKeys    []string
	subjects    map[string]string
}

func (g *gatewayStub) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		defer g.mu.Unlock()

		switch {
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/capabilities"):
			json.NewEncoder(w).Encode(capabilities{Anchor: g.capable, Sequence: g.sequence})
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v1/subjects/"):
			id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/subjects/"), "/address")
			addr, ok := g.subjects[id]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			json.NewEncoder(w).Encode(subjectAddress{Address: addr})
		case r.Method == http.MethodPost && r.URL.Path == "/v1/anchors":
			var body anchorRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			g.submissions = append(g.submissions, body)
			g.idemKeys = append(g.idemKeys, r.Header.Get("Idempotency-Key"))
			if code := g.rejectKeys[r.Header.Get("Idempotency-Key")]; code != 0 {
				w.WriteHeader(code)
				return
			}
			if g.submitStatus != 0 {
				w.WriteHeader(g.submitStatus)
				return
			}
			json.NewEncoder(w).Encode(submitResponse{TxRef: "tx-" + r.Header.Get("Idempotency-Key")})
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v1/anchors/"):
			i := g.polls
			if i >= len(g.statuses) {
				i = len(g.statuses) - 1
			}
			g.polls++
			json.NewEncoder(w).Encode(g.statuses[i])
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func fastHTTP() *httpx.Client {
	cfg := httpx.DefaultRetryConfig()
	cfg.MaxAttempts = 2
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = time.Millisecond
	cfg.Jitter = 0
	return httpx.NewClient(5*time.Second, cfg, nil)
}

type fixture struct {
	stub   *gatewayStub
	writer *Writer
	signer *Signer
	kp     *keypair.Full
	clock  *clock.FakeClock
	rec    domain.SourceRecord
	addr   string
}

func newFixture(t *testing.T, stub *gatewayStub) *fixture {
	t.Helper()
	srv := httptest.NewServer(stub.handler(t))
	t.Cleanup(srv.Close)

	addr := keypair.MustRandom().Address()
	fc := clock.NewFakeClock(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	w := NewWriter(
		NewGateway(srv.URL, "token", fastHTTP()),
		NewDirectory(map[string]string{"learner-1": addr, "learner-bad": "GBROKEN"}),
		WriterOptions{ConfirmTimeout: 30 * time.Second, PollInterval: 5 * time.Second, Clock: fc},
		nil,
	)
	s, kp := newSigner(t, Testnet)
	return &fixture{
		stub:   stub,
		writer: w,
		signer: s,
		kp:     kp,
		clock:  fc,
		addr:   addr,
		rec: domain.SourceRecord{
			ID:             "rec-1",
			SubjectID:      "learner-1",
			CourseID:       "go-101",
			CourseName:     "Go Basics",
			CompletionDate: time.Date(2024, 3, 10, 14, 0, 0, 0, time.UTC),
		},
	}
}

func TestAnchorConfirmed(t *testing.T) {
	f := newFixture(t, &gatewayStub{statuses: []txStatus{
		{Status: txPending},
		{Status: txPending},
		{Status: txConfirmed, RecordID: "anchor-77", Fee: "0.0000100"},
	}})
	f.signer.SetSequence(41)

	receipt, err := f.writer.Anchor(context.Background(), f.signer, f.rec, "bafkreihash")
	require.NoError(t, err)

	assert.Equal(t, domain.AnchorReceipt{
		LedgerRecordID: "anchor-77",
		TransactionRef: "tx-rec-1",
		ContentHash:    "bafkreihash",
		CostMetric:     100,
		Confirmed:      true,
	}, receipt)
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, f.clock.Sleeps())

	require.Len(t, f.stub.submissions, 1)
	sub := f.stub.submissions[0]
	assert.Equal(t, []string{"rec-1"}, f.stub.idemKeys)
	assert.Equal(t, f.addr, sub.SubjectAddress)
	assert.Equal(t, f.signer.Address(), sub.Signer)
	assert.Equal(t, int64(42), sub.Sequence)
	assert.Equal(t, f.rec.CompletionDate.Unix(), sub.CompletionTimestamp)

	// the signature covers the request without the signature field
	sig := sub.Signature
	sub.Signature = ""
	unsigned, err := json.Marshal(sub)
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(sig)
	require.NoError(t, err)
	id := network.ID(network.TestNetworkPassphrase)
	digest := sha256.Sum256(append(id[:], unsigned...))
	assert.NoError(t, f.kp.Verify(digest[:], raw))
}

func TestAnchorUnresolvedSubjectIsRejected(t *testing.T) {
	f := newFixture(t, &gatewayStub{statuses: []txStatus{{Status: txConfirmed}}})

	for _, subject := range []string{"learner-unknown", "learner-bad"} {
		rec := f.rec
		rec.SubjectID = subject
		_, err := f.writer.Anchor(context.Background(), f.signer, rec, "bafkreihash")
		assert.ErrorIs(t, err, domain.ErrAnchorRejected, subject)
	}
	assert.Empty(t, f.stub.submissions, "nothing is submitted without a valid address")
}

func TestAnchorSubmitRejected(t *testing.T) {
	f := newFixture(t, &gatewayStub{submitStatus: http.StatusUnprocessableEntity})

	_, err := f.writer.Anchor(context.Background(), f.signer, f.rec, "bafkreihash")
	assert.ErrorIs(t, err, domain.ErrAnchorRejected)
	assert.Len(t, f.stub.submissions, 1, "4xx is not retried")
}

func TestAnchorRejectionDoesNotConsumeSequence(t *testing.T) {
	stub := &gatewayStub{
		rejectKeys: map[string]int{"rec-1": http.StatusUnprocessableEntity},
		statuses:   []txStatus{{Status: txConfirmed, RecordID: "anchor-2"}},
	}
	f := newFixture(t, stub)
	f.signer.SetSequence(10)

	_, err := f.writer.Anchor(context.Background(), f.signer, f.rec, "bafkreihash")
	require.ErrorIs(t, err, domain.ErrAnchorRejected)

	next := f.rec
	next.ID = "rec-2"
	receipt, err := f.writer.Anchor(context.Background(), f.signer, next, "bafkreiother")
	require.NoError(t, err)
	assert.Equal(t, "tx-rec-2", receipt.TransactionRef)

	require.Len(t, stub.submissions, 2)
	assert.Equal(t, int64(11), stub.submissions[0].Sequence)
	assert.Equal(t, int64(11), stub.submissions[1].Sequence, "no gap after a refused submission")
}

func TestAnchorSubmitUnavailableKeepsSequence(t *testing.T) {
	f := newFixture(t, &gatewayStub{submitStatus: http.StatusServiceUnavailable})
	f.signer.SetSequence(10)

	_, err := f.writer.Anchor(context.Background(), f.signer, f.rec, "bafkreihash")
	require.ErrorIs(t, err, domain.ErrAnchorTimeout)

	// the gateway may have accepted it, so a retry of rec-1 reuses 11
	assert.Equal(t, int64(11), f.signer.Reserve("rec-1"))
}

func TestAnchorSubmitUnavailableIsRetryable(t *testing.T) {
	f := newFixture(t, &gatewayStub{submitStatus: http.StatusServiceUnavailable})

	_, err := f.writer.Anchor(context.Background(), f.signer, f.rec, "bafkreihash")
	assert.ErrorIs(t, err, domain.ErrAnchorTimeout)
}

func TestAnchorRejectedByLedger(t *testing.T) {
	f := newFixture(t, &gatewayStub{statuses: []txStatus{{Status: txRejected, Reason: "bad sequence"}}})

	_, err := f.writer.Anchor(context.Background(), f.signer, f.rec, "bafkreihash")
	assert.ErrorIs(t, err, domain.ErrAnchorRejected)

	var se *domain.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "tx-rec-1", se.TxRef)
	assert.Contains(t, err.Error(), "bad sequence")
}

func TestAnchorConfirmationTimeout(t *testing.T) {
	f := newFixture(t, &gatewayStub{statuses: []txStatus{{Status: txPending}}})

	_, err := f.writer.Anchor(context.Background(), f.signer, f.rec, "bafkreihash")
	assert.ErrorIs(t, err, domain.ErrAnchorTimeout)

	var se *domain.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "tx-rec-1", se.TxRef)
	assert.Equal(t, domain.StageAnchoring, se.Stage)
	// 30s timeout, 5s polls
	assert.Len(t, f.clock.Sleeps(), 6)
}

func TestAnchorRetryReusesSequenceAndKey(t *testing.T) {
	stub := &gatewayStub{statuses: []txStatus{{Status: txPending}}}
	f := newFixture(t, stub)

	_, err := f.writer.Anchor(context.Background(), f.signer, f.rec, "bafkreihash")
	require.ErrorIs(t, err, domain.ErrAnchorTimeout)

	stub.mu.Lock()
	stub.statuses = []txStatus{{Status: txConfirmed, RecordID: "anchor-1"}}
	stub.polls = 0
	stub.mu.Unlock()

	receipt, err := f.writer.Anchor(context.Background(), f.signer, f.rec, "bafkreihash")
	require.NoError(t, err)
	assert.Equal(t, "tx-rec-1", receipt.TransactionRef)
	assert.Equal(t, int64(0), receipt.CostMetric)

	require.Len(t, stub.submissions, 2)
	assert.Equal(t, stub.submissions[0].Sequence, stub.submissions[1].Sequence)
	assert.Equal(t, []string{"rec-1", "rec-1"}, stub.idemKeys)
}

func TestHasAnchorCapabilityAndSyncSequence(t *testing.T) {
	f := newFixture(t, &gatewayStub{capable: true, sequence: 900})

	ok, err := f.writer.HasAnchorCapability(context.Background(), f.signer.Address())
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, f.writer.SyncSequence(context.Background(), f.signer))
	assert.Equal(t, int64(901), f.signer.Reserve("next"))

	g := newFixture(t, &gatewayStub{capable: false})
	ok, err = g.writer.HasAnchorCapability(context.Background(), g.signer.Address())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGatewayResolve(t *testing.T) {
	addr := keypair.MustRandom().Address()
	stub := &gatewayStub{subjects: map[string]string{"learner-1": addr}}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()
	gw := NewGateway(srv.URL, "", fastHTTP())

	got, err := gw.Resolve(context.Background(), "learner-1")
	require.NoError(t, err)
	assert.Equal(t, addr, got)

	_, err = gw.Resolve(context.Background(), "learner-2")
	assert.ErrorIs(t, err, ErrAddressNotFound)
}
