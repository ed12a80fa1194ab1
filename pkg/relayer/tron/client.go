package tron

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

// client is a thin wrapper over the node's HTTP JSON API. Requests are rate
// limited; public endpoints throttle aggressively.
type client struct {
	base    string
	http    *http.Client
	limiter *rate.Limiter
}

func newClient(base string) *client {
	return &client{
		base:    strings.TrimSuffix(base, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(10), 20),
	}
}

func (c *client) post(ctx context.Context, path, body string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewBufferString(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d: %s", path, resp.StatusCode, out)
	}
	return out, nil
}

func (c *client) genesisBlockID(ctx context.Context) (string, error) {
	out, err := c.post(ctx, "/wallet/getblockbynum", `{"num": 0}`)
	if err != nil {
		return "", err
	}
	id := gjson.GetBytes(out, "blockID")
	if !id.Exists() {
		return "", fmt.Errorf("no blockID in genesis response")
	}
	return id.String(), nil
}

func (c *client) nowBlock(ctx context.Context) (uint64, error) {
	out, err := c.post(ctx, "/wallet/getnowblock", `{}`)
	if err != nil {
		return 0, err
	}
	num := gjson.GetBytes(out, "block_header.raw_data.number")
	if !num.Exists() {
		return 0, fmt.Errorf("no block number in response")
	}
	return num.Uint(), nil
}

func (c *client) accountBalance(ctx context.Context, address string) (*big.Int, error) {
	body := fmt.Sprintf(`{"address": "%s"}`, address)
	out, err := c.post(ctx, "/wallet/getaccount", body)
	if err != nil {
		return nil, err
	}
	// An account the chain has never seen comes back empty; its balance is
	// zero, not an error.
	return new(big.Int).SetInt64(gjson.GetBytes(out, "balance").Int()), nil
}

// triggerConstantContract dry-runs a read-only contract call.
func (c *client) triggerConstantContract(ctx context.Context, owner, contract, selector, param string) ([]byte, error) {
	body := fmt.Sprintf(
		`{"owner_address": "%s", "contract_address": "%s", "function_selector": "%s", "parameter": "%s"}`,
		owner, contract, selector, param)
	out, err := c.post(ctx, "/wallet/triggerconstantcontract", body)
	if err != nil {
		return nil, err
	}
	if msg := apiError(out); msg != "" {
		return nil, fmt.Errorf("constant call rejected: %s", msg)
	}
	return out, nil
}

// estimateEnergy dry-runs the state-changing call and reports the energy it
// would consume.
func (c *client) estimateEnergy(ctx context.Context, owner, contract, selector, param string) (uint64, error) {
	out, err := c.triggerConstantContract(ctx, owner, contract, selector, param)
	if err != nil {
		return 0, err
	}
	energy := gjson.GetBytes(out, "energy_used")
	if !energy.Exists() || energy.Uint() == 0 {
		return 0, fmt.Errorf("no energy estimate in response")
	}
	return energy.Uint(), nil
}

type unsignedTx struct {
	txID       string
	rawDataHex string
	// raw is the full transaction JSON the node built; it is re-sent
	// verbatim at broadcast with our signature attached.
	raw string
}

func (c *client) triggerSmartContract(ctx context.Context, owner, contract, selector, param string, feeLimit uint64) (*unsignedTx, error) {
	body := fmt.Sprintf(
		`{"owner_address": "%s", "contract_address": "%s", "function_selector": "%s", "parameter": "%s", "fee_limit": %d}`,
		owner, contract, selector, param, feeLimit)
	out, err := c.post(ctx, "/wallet/triggersmartcontract", body)
	if err != nil {
		return nil, err
	}
	if msg := apiError(out); msg != "" {
		return nil, fmt.Errorf("trigger rejected: %s", msg)
	}

	tx := gjson.GetBytes(out, "transaction")
	if !tx.Exists() {
		return nil, fmt.Errorf("no transaction in response")
	}
	return &unsignedTx{
		txID:       tx.Get("txID").String(),
		rawDataHex: tx.Get("raw_data_hex").String(),
		raw:        tx.Raw,
	}, nil
}

func (c *client) broadcast(ctx context.Context, txJSON, signatureHex string) error {
	// Splice our signature into the node-built transaction JSON.
	body := fmt.Sprintf(`%s, "signature": ["%s"]}`, strings.TrimSuffix(strings.TrimSpace(txJSON), "}"), signatureHex)
	out, err := c.post(ctx, "/wallet/broadcasttransaction", body)
	if err != nil {
		return err
	}
	if !gjson.GetBytes(out, "result").Bool() {
		return fmt.Errorf("broadcast rejected: %s", decodeHexMessage(gjson.GetBytes(out, "message").String()))
	}
	return nil
}

type receipt struct {
	success       bool
	energyUsed    uint64
	blockNumber   uint64
	revertMessage string
}

// transactionInfo polls for the transaction receipt. found is false while
// the transaction is not yet solidified into a block.
func (c *client) transactionInfo(ctx context.Context, txID string) (*receipt, bool, error) {
	body := fmt.Sprintf(`{"value": "%s"}`, txID)
	out, err := c.post(ctx, "/wallet/gettransactioninfobyid", body)
	if err != nil {
		return nil, false, err
	}

	rec, found := parseReceipt(out)
	return rec, found, nil
}

func parseReceipt(out []byte) (*receipt, bool) {
	res := gjson.GetBytes(out, "receipt.result")
	if !res.Exists() {
		return nil, false
	}

	rec := &receipt{
		success:     res.String() == "SUCCESS",
		energyUsed:  gjson.GetBytes(out, "receipt.energy_usage_total").Uint(),
		blockNumber: gjson.GetBytes(out, "blockNumber").Uint(),
	}
	if !rec.success {
		rec.revertMessage = decodeHexMessage(gjson.GetBytes(out, "resMessage").String())
		if rec.revertMessage == "" {
			rec.revertMessage = res.String()
		}
	}
	return rec, true
}

// apiError extracts the error the API reports inside a 200 response.
func apiError(out []byte) string {
	if e := gjson.GetBytes(out, "Error"); e.Exists() {
		return e.String()
	}
	if ok := gjson.GetBytes(out, "result.result"); ok.Exists() && !ok.Bool() {
		return decodeHexMessage(gjson.GetBytes(out, "result.message").String())
	}
	return ""
}

// decodeHexMessage renders the API's hex-encoded failure strings readable.
func decodeHexMessage(s string) string {
	b := make([]byte, len(s)/2)
	if _, err := fmt.Sscanf(s, "%x", &b); err != nil {
		return s
	}
	return string(b)
}
