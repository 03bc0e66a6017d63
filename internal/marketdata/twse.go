package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/tickerwatch/screener-service/internal/models"
)

var suffixPattern = regexp.MustCompile(`(?i)\.(TW|TWO)$`)

// NormalizeSymbol strips the .TW / .TWO exchange suffix.
func NormalizeSymbol(symbol string) string {
	return suffixPattern.ReplaceAllString(symbol, "")
}

// TWSEClient talks to the TWSE exchange-report and realtime quote
// endpoints.
type TWSEClient struct {
	historyURL  string
	realtimeURL string
	indexURL    string
	httpClient  *http.Client
	log         *logrus.Entry
}

// NewTWSEClient creates a TWSE provider client.
func NewTWSEClient(historyURL, realtimeURL, indexURL string, timeout time.Duration, logger *logrus.Logger) *TWSEClient {
	return &TWSEClient{
		historyURL:  historyURL,
		realtimeURL: realtimeURL,
		indexURL:    indexURL,
		httpClient:  &http.Client{Timeout: timeout},
		log:         logger.WithField("component", "twse"),
	}
}

type historyPayload struct {
	Stat string     `json:"stat"`
	Data [][]string `json:"data"`
}

type indexPayload struct {
	Stat string     `json:"stat"`
	Data [][]string `json:"data9"`
}

type realtimePayload struct {
	MsgArray []map[string]string `json:"msgArray"`
}

// FetchMonth fetches one month of daily bars for a symbol.
// Row layout: [date, shares traded, value, open, high, low, close, change, transactions].
func (c *TWSEClient) FetchMonth(ctx context.Context, symbol string, year int, month time.Month) ([]models.PriceBar, error) {
	symbol = NormalizeSymbol(symbol)

	q := url.Values{}
	q.Set("response", "json")
	q.Set("date", fmt.Sprintf("%04d%02d01", year, month))
	q.Set("stockNo", symbol)

	body, err := c.get(ctx, c.historyURL+"?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var payload historyPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse history payload for %s: %w", symbol, err)
	}

	if payload.Stat != "OK" {
		c.log.WithFields(logrus.Fields{"symbol": symbol, "stat": payload.Stat}).Warn("TWSE returned non-OK stat")
		return nil, ErrNoData
	}

	var bars []models.PriceBar
	for _, row := range payload.Data {
		if len(row) < 7 {
			continue
		}
		date, err := parseROCDate(row[0])
		if err != nil {
			c.log.WithField("symbol", symbol).Debugf("skipping row: %v", err)
			continue
		}
		closePrice := parseNumber(row[6])
		if closePrice == nil {
			continue
		}

		bar := models.PriceBar{
			Symbol: symbol,
			Date:   date,
			Close:  decimal.NewFromFloat(*closePrice),
		}
		if v := parseNumber(row[3]); v != nil {
			bar.Open = decimal.NewFromFloat(*v)
		} else {
			bar.Open = bar.Close
		}
		if v := parseNumber(row[4]); v != nil {
			bar.High = decimal.NewFromFloat(*v)
		} else {
			bar.High = bar.Close
		}
		if v := parseNumber(row[5]); v != nil {
			bar.Low = decimal.NewFromFloat(*v)
		} else {
			bar.Low = bar.Close
		}
		if v := parseInt(row[1]); v != nil {
			bar.Volume = *v
		}
		bars = append(bars, bar)
	}

	if len(bars) == 0 {
		return nil, ErrNoData
	}

	c.log.WithFields(logrus.Fields{
		"symbol": symbol,
		"month":  fmt.Sprintf("%04d/%02d", year, month),
		"days":   len(bars),
	}).Debug("fetched history month")
	return bars, nil
}

// FetchQuoteBatch fetches live quotes for up to the provider batch size of
// symbols in one call.
func (c *TWSEClient) FetchQuoteBatch(ctx context.Context, symbols []string) (map[string]models.Quote, error) {
	channels := make([]string, 0, len(symbols))
	for _, s := range symbols {
		channels = append(channels, "tse_"+NormalizeSymbol(s)+".tw")
	}

	q := url.Values{}
	q.Set("ex_ch", strings.Join(channels, "|"))
	q.Set("json", "1")
	q.Set("delay", "0")

	body, err := c.get(ctx, c.realtimeURL+"?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var payload realtimePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse realtime payload: %w", err)
	}

	quotes := make(map[string]models.Quote, len(payload.MsgArray))
	for _, item := range payload.MsgArray {
		symbol := item["c"]
		if symbol == "" {
			continue
		}

		quote := models.Quote{
			Symbol:    symbol,
			Name:      item["n"],
			Time:      item["t"],
			Open:      parseNumber(item["o"]),
			High:      parseNumber(item["h"]),
			Low:       parseNumber(item["l"]),
			PrevClose: parseNumber(item["y"]),
			Volume:    parseInt(item["v"]),
		}
		// No trade yet falls back to the previous close.
		quote.Price = parseNumber(item["z"])
		if quote.Price == nil {
			quote.Price = quote.PrevClose
		}
		quotes[symbol] = quote
	}
	return quotes, nil
}

// FetchTopTradingSymbols fetches the day's whole-market summary and
// returns up to count regular-stock symbols ordered by trading value
// descending. ETFs and non-4-digit codes are filtered out.
func (c *TWSEClient) FetchTopTradingSymbols(ctx context.Context, date time.Time, count int) ([]string, error) {
	q := url.Values{}
	q.Set("response", "json")
	q.Set("date", recentTradingDate(date).Format("20060102"))
	q.Set("type", "ALLBUT0999")

	body, err := c.get(ctx, c.indexURL+"?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var payload indexPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse index payload: %w", err)
	}

	if payload.Stat != "OK" {
		c.log.WithField("stat", payload.Stat).Warn("TWSE index returned non-OK stat")
		return nil, ErrNoData
	}

	type ranked struct {
		symbol string
		value  int64
	}
	var stocks []ranked
	for _, row := range payload.Data {
		if len(row) < 5 {
			continue
		}
		symbol := strings.TrimSpace(row[0])
		if !isRegularStock(symbol) {
			continue
		}
		var value int64
		if v := parseInt(row[4]); v != nil {
			value = *v
		}
		stocks = append(stocks, ranked{symbol: symbol, value: value})
	}

	if len(stocks) == 0 {
		return nil, ErrNoData
	}

	sort.SliceStable(stocks, func(i, j int) bool { return stocks[i].value > stocks[j].value })
	if count > 0 && len(stocks) > count {
		stocks = stocks[:count]
	}

	symbols := make([]string, len(stocks))
	for i, s := range stocks {
		symbols[i] = s.symbol
	}

	c.log.WithField("symbols", len(symbols)).Debug("fetched top trading symbols")
	return symbols, nil
}

// isRegularStock keeps 4-digit codes and drops the 00-prefixed ETF range.
func isRegularStock(symbol string) bool {
	if len(symbol) != 4 || strings.HasPrefix(symbol, "00") {
		return false
	}
	for _, r := range symbol {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// recentTradingDate steps weekend dates back to the preceding Friday.
func recentTradingDate(t time.Time) time.Time {
	switch t.Weekday() {
	case time.Saturday:
		return t.AddDate(0, 0, -1)
	case time.Sunday:
		return t.AddDate(0, 0, -2)
	}
	return t
}

func (c *TWSEClient) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7)")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("provider rate limit: %s", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return body, nil
}

// parseROCDate converts a Republic-of-China calendar date such as
// "114/01/15" to a UTC time (ROC year + 1911 = Gregorian year).
func parseROCDate(s string) (time.Time, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return time.Time{}, fmt.Errorf("invalid ROC date format: %q", s)
	}
	year, err := strconv.Atoi(parts[0])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid ROC year in %q", s)
	}
	month, err := strconv.Atoi(parts[1])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid month in %q", s)
	}
	day, err := strconv.Atoi(parts[2])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid day in %q", s)
	}
	return time.Date(year+1911, time.Month(month), day, 0, 0, 0, 0, time.UTC), nil
}

// parseNumber parses a comma-grouped number, returning nil for the
// provider's "field unavailable" sentinels.
func parseNumber(s string) *float64 {
	if s == "" || s == "-" || s == "--" {
		return nil
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil {
		return nil
	}
	return &f
}

func parseInt(s string) *int64 {
	if s == "" || s == "-" || s == "--" {
		return nil
	}
	n, err := strconv.ParseInt(strings.ReplaceAll(s, ",", ""), 10, 64)
	if err != nil {
		// Realtime volume sometimes arrives with a decimal point.
		f, ferr := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
		if ferr != nil {
			return nil
		}
		v := int64(f)
		return &v
	}
	return &n
}
