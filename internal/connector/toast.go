// Tillsync - Resilient POS Ledger Synchronization
// Copyright 2026 Venue HQ
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuehq/tillsync

package connector

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/venuehq/tillsync/internal/models"
)

// ProviderToast is the provider slug for Toast POS.
const ProviderToast = "toast"

// tokenRefreshMargin renews the cached access token this long before its
// actual expiry so in-flight calls never race token death.
const tokenRefreshMargin = 5 * time.Minute

// ToastConfig configures one Toast connector instance.
type ToastConfig struct {
	BaseURL      string
	AuthURL      string
	ClientID     string
	ClientSecret string

	// RestaurantGUID is the Toast external location ID for the tenant.
	RestaurantGUID string
}

// Toast is the Toast POS connector. It authenticates with machine-client
// credentials, pages the bulk orders endpoint, and flattens orders into
// ledger transactions.
type Toast struct {
	core     *Core
	cfg      ToastConfig
	tenantID string
	client   *http.Client

	tokenMu     sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewToast creates a Toast connector for one tenant.
func NewToast(tenantID string, cfg ToastConfig, settings Settings) *Toast {
	return &Toast{
		core:     NewCore(fmt.Sprintf("%s/%s", ProviderToast, tenantID), settings),
		cfg:      cfg,
		tenantID: tenantID,
		client:   &http.Client{Timeout: settings.Timeout},
	}
}

// Provider returns "toast".
func (t *Toast) Provider() string { return ProviderToast }

// TenantID returns the tenant this connector serves.
func (t *Toast) TenantID() string { return t.tenantID }

// Metrics returns the connector health snapshot.
func (t *Toast) Metrics() Metrics { return t.core.Metrics() }

// ResetBreaker resets the circuit breaker to closed.
func (t *Toast) ResetBreaker() { t.core.Breaker().Reset() }

// ValidateCredentials authenticates against the Toast login endpoint.
func (t *Toast) ValidateCredentials(ctx context.Context) error {
	if _, err := t.token(ctx); err != nil {
		return Classify(err)
	}
	return nil
}

// TestConnection fetches the first page of today's orders, exercising auth
// and the data API end to end.
func (t *Toast) TestConnection(ctx context.Context) error {
	date := models.BusinessDateOf(time.Now(), time.UTC)
	if _, err := t.fetchOrders(ctx, date, 1); err != nil {
		return Classify(err)
	}
	return nil
}

type toastAuthRequest struct {
	ClientID       string `json:"clientId"`
	ClientSecret   string `json:"clientSecret"`
	UserAccessType string `json:"userAccessType"`
}

type toastAuthResponse struct {
	Token struct {
		AccessToken string `json:"accessToken"`
		ExpiresIn   int    `json:"expiresIn"`
	} `json:"token"`
}

// token returns a valid access token, authenticating when the cached token
// is absent or within the refresh margin of expiry.
func (t *Toast) token(ctx context.Context) (string, error) {
	t.tokenMu.Lock()
	defer t.tokenMu.Unlock()

	if t.accessToken != "" && time.Now().Before(t.tokenExpiry.Add(-tokenRefreshMargin)) {
		return t.accessToken, nil
	}

	body, err := json.Marshal(toastAuthRequest{
		ClientID:       t.cfg.ClientID,
		ClientSecret:   t.cfg.ClientSecret,
		UserAccessType: "TOAST_MACHINE_CLIENT",
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.AuthURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", &HTTPStatusError{Status: resp.StatusCode, Body: string(respBody)}
	}

	var auth toastAuthResponse
	if err := json.Unmarshal(respBody, &auth); err != nil {
		return "", &DecodeError{Err: err}
	}
	if auth.Token.AccessToken == "" {
		return "", &DecodeError{Err: fmt.Errorf("auth response missing access token")}
	}

	t.accessToken = auth.Token.AccessToken
	t.tokenExpiry = time.Now().Add(time.Duration(auth.Token.ExpiresIn) * time.Second)
	return t.accessToken, nil
}

// invalidateToken drops the cached token so the next call re-authenticates.
func (t *Toast) invalidateToken() {
	t.tokenMu.Lock()
	t.accessToken = ""
	t.tokenMu.Unlock()
}

// FetchPage fetches one page of orders for the business date via the bulk
// orders endpoint, through the full resilience stack.
func (t *Toast) FetchPage(ctx context.Context, date models.BusinessDate, page int) FetchResult[Page] {
	return Call(ctx, t.core, "fetch_orders", func(ctx context.Context) (Page, error) {
		orders, err := t.fetchOrders(ctx, date, page)
		if err != nil {
			return Page{}, err
		}
		return Page{Orders: orders, Number: page}, nil
	})
}

func (t *Toast) fetchOrders(ctx context.Context, date models.BusinessDate, page int) ([]Order, error) {
	token, err := t.token(ctx)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("businessDate", date.String())
	q.Set("page", strconv.Itoa(page))
	q.Set("pageSize", strconv.Itoa(PageSize))

	endpoint := fmt.Sprintf("%s/orders/v2/ordersBulk?%s", t.cfg.BaseURL, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Toast-Restaurant-External-ID", t.cfg.RestaurantGUID)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusUnauthorized {
			t.invalidateToken()
		}
		return nil, &HTTPStatusError{Status: resp.StatusCode, Body: string(body)}
	}

	var orders []Order
	if err := json.Unmarshal(body, &orders); err != nil {
		return nil, &DecodeError{Err: err}
	}
	return orders, nil
}

// Transform flattens orders into one ledger transaction per (check, payment)
// pair. Check-level figures (tax, discounts, service charges, line items)
// attach to the check's first payment so daily aggregates never double
// count. Voided orders and checks are skipped; malformed entries are dropped
// rather than failing the batch.
func (t *Toast) Transform(orders []Order, date models.BusinessDate) []models.Transaction {
	txns := make([]models.Transaction, 0, len(orders))

	for _, order := range orders {
		if order.Voided {
			continue
		}
		createdAt := parseToastTime(order.OpenedDate)

		for _, check := range order.Checks {
			if check.Voided || check.GUID == "" {
				continue
			}

			var discountMinor, chargeMinor int64
			for _, d := range check.AppliedDiscounts {
				discountMinor += ToMinor(d.DiscountAmount)
			}
			for _, sc := range check.AppliedServiceCharges {
				chargeMinor += ToMinor(sc.ChargeAmount)
			}

			items := make([]models.LineItem, 0, len(check.Selections))
			itemCount := 0
			uniqueItemCount := 0
			for _, sel := range check.Selections {
				if sel.GUID == "" {
					continue
				}
				items = append(items, models.LineItem{
					SelectionID: sel.GUID,
					ItemName:    sel.DisplayName,
					Quantity:    sel.Quantity,
					PriceMinor:  ToMinor(sel.Price),
					TaxMinor:    ToMinor(sel.Tax),
					Voided:      sel.Voided,
				})
				if !sel.Voided {
					itemCount += int(sel.Quantity)
					uniqueItemCount++
				}
			}

			kept := 0
			for _, payment := range check.Payments {
				if payment.GUID == "" {
					continue
				}
				txn := models.Transaction{
					TransactionID:    payment.GUID,
					TenantID:         t.tenantID,
					Provider:         ProviderToast,
					BusinessDate:     date,
					CreatedAt:        createdAt,
					TotalAmountMinor: ToMinor(payment.Amount),
					TipAmountMinor:   ToMinor(payment.TipAmount),
					SourceType:       order.Source,
					Status:           payment.Type,
					Voided:           false,
				}
				if ts := parseToastTime(payment.PaidDate); !ts.IsZero() {
					txn.CreatedAt = ts
				}
				// Check-level figures go on the first payment that survives
				// filtering, not on raw index 0.
				if kept == 0 {
					txn.TaxAmountMinor = ToMinor(check.TaxAmount)
					txn.DiscountAmountMinor = discountMinor
					txn.ServiceChargeAmountMinor = chargeMinor
					txn.ItemCount = itemCount
					txn.UniqueItemCount = uniqueItemCount
					txn.LineItems = attachLineItems(items, payment.GUID)
				}
				kept++
				txns = append(txns, txn)
			}
		}
	}

	return txns
}

func attachLineItems(items []models.LineItem, transactionID string) []models.LineItem {
	for i := range items {
		items[i].TransactionID = transactionID
	}
	return items
}

// parseToastTime parses Toast's RFC3339 timestamps with millisecond
// precision, returning the zero time on failure.
func parseToastTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000-0700"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts
		}
	}
	return time.Time{}
}
