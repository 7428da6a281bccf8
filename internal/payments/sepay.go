// Package payments adapts the bank-transfer provider's statement API to
// the reconciler's PaymentSource contract.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/tbqdigital/shopcore/internal/commerce"
	"go.uber.org/zap"
)

const (
	providerName       = "sepay"
	defaultHTTPTimeout = 15 * time.Second

	// Transfer descriptions carry the order reference the storefront asks
	// buyers to include.
	defaultReferencePattern = `ORD-([0-9a-fA-F-]{36})`
)

var (
	errMissingPollURL  = errors.New("payments: poll url is required")
	errMissingAPIToken = errors.New("payments: api token is required")
)

// SourceConfig configures the statement poller.
type SourceConfig struct {
	PollURL          string
	APIToken         string
	ReferencePattern string
	Timeout          time.Duration
	Logger           *zap.Logger
}

// Source polls the provider's statement endpoint and yields confirmed
// inbound transfers whose description references an order.
type Source struct {
	pollURL    string
	apiToken   string
	reference  *regexp.Regexp
	httpClient *http.Client
	logger     *zap.Logger
}

// NewSource validates the configuration and returns a Source.
func NewSource(cfg SourceConfig) (*Source, error) {
	if strings.TrimSpace(cfg.PollURL) == "" {
		return nil, errMissingPollURL
	}
	if strings.TrimSpace(cfg.APIToken) == "" {
		return nil, errMissingAPIToken
	}
	pattern := cfg.ReferencePattern
	if pattern == "" {
		pattern = defaultReferencePattern
	}
	reference, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("payments: invalid reference pattern: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{
		pollURL:    cfg.PollURL,
		apiToken:   cfg.APIToken,
		reference:  reference,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}, nil
}

type statementEntry struct {
	ID              string `json:"id"`
	ReferenceNumber string `json:"reference_number"`
	AmountIn        int64  `json:"amount_in"`
	TransactionDate string `json:"transaction_date"`
	Content         string `json:"content"`
}

// ConfirmedTransactions fetches the recent statement and maps entries
// with a recognizable order reference. Entries without one are skipped;
// the webhook path handles those it can, and unmatched transfers stay on
// the provider statement for manual review.
func (s *Source) ConfirmedTransactions(ctx context.Context) ([]commerce.ConfirmedTxn, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, s.pollURL, nil)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Authorization", "Bearer "+s.apiToken)

	response, err := s.httpClient.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("payments: statement poll failed: status %d", response.StatusCode)
	}

	var decoded struct {
		Transactions []statementEntry `json:"transactions"`
	}
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return nil, err
	}

	confirmed := make([]commerce.ConfirmedTxn, 0, len(decoded.Transactions))
	for _, entry := range decoded.Transactions {
		match := s.reference.FindStringSubmatch(entry.Content)
		if len(match) < 2 {
			continue
		}
		transactionID := entry.ID
		if transactionID == "" {
			transactionID = entry.ReferenceNumber
		}
		if transactionID == "" || entry.AmountIn <= 0 {
			continue
		}

		transactionAt := time.Now().UTC()
		if parsed, err := time.Parse(time.RFC3339, entry.TransactionDate); err == nil {
			transactionAt = parsed
		}

		confirmed = append(confirmed, commerce.ConfirmedTxn{
			OrderID: strings.ToLower(match[1]),
			Txn: commerce.PaymentTxn{
				Provider:      providerName,
				TransactionID: transactionID,
				AmountCents:   entry.AmountIn,
				TransactionAt: transactionAt,
			},
		})
	}
	return confirmed, nil
}
