package payment

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/saasbill/backend/internal/domain/payment"
)

const (
	alipayGatewayURL        = "https://openapi.alipay.com/gateway.do"
	alipaySandboxGatewayURL = "https://openapi-sandbox.dl.alipaydev.com/gateway.do"
	alipayFormat            = "JSON"
	alipayCharset           = "utf-8"
	alipayVersion           = "1.0"
	alipayTimeLayout        = "2006-01-02 15:04:05"
)

// AlipayAdapter implements the provider port for Alipay. Charges run
// against a signed deduction agreement, so customer and subscription
// setup happen in the agreement signing flow rather than through this
// adapter.
type AlipayAdapter struct {
	config     *AlipayConfig
	logger     *zap.Logger
	httpClient *http.Client
}

// NewAlipayAdapter creates a new Alipay adapter
func NewAlipayAdapter(config *AlipayConfig, logger *zap.Logger) (*AlipayAdapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &AlipayAdapter{
		config: config,
		logger: logger,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}, nil
}

// ProviderType returns the provider identity
func (a *AlipayAdapter) ProviderType() payment.ProviderType {
	return payment.ProviderTypeAlipay
}

// Charge deducts the amount via the customer's signed agreement. The
// idempotency key doubles as out_trade_no so a retried dispatch maps to
// the same Alipay trade.
func (a *AlipayAdapter) Charge(ctx context.Context, req *payment.ChargeRequest) (*payment.ChargeResult, error) {
	a.logger.Debug("Creating Alipay agreement charge",
		zap.String("tenant_id", req.TenantID.String()),
		zap.String("agreement_no", req.CustomerRef),
		zap.String("amount", req.Amount.String()))

	bizContent := alipayBizContent{
		OutTradeNo:  req.IdempotencyKey,
		ProductCode: "GENERAL_WITHHOLDING",
		TotalAmount: req.Amount.StringFixed(2),
		Subject:     req.Description,
		Agreement:   &alipayAgreementInfo{AgreementNo: req.CustomerRef},
	}

	respBody, err := a.call(ctx, alipayMethodTradePay, bizContent)
	if err != nil {
		return nil, err
	}

	var payResp alipayTradePayResponse
	if err := json.Unmarshal(respBody, &payResp); err != nil {
		return nil, fmt.Errorf("alipay: failed to parse response: %w", err)
	}

	result := &payment.ChargeResult{
		Provider:    payment.ProviderTypeAlipay,
		PaymentID:   payResp.Response.TradeNo,
		Amount:      req.Amount,
		Currency:    req.Currency,
		ProcessedAt: time.Now(),
	}

	if !payResp.Response.IsSuccess() {
		result.ErrorKind = classifyAlipaySubCode(payResp.Response.SubCode)
		result.ErrorMessage = fmt.Sprintf("%s: %s", payResp.Response.SubCode, payResp.Response.SubMsg)
		a.logger.Warn("Alipay charge rejected",
			zap.String("tenant_id", req.TenantID.String()),
			zap.String("sub_code", payResp.Response.SubCode),
			zap.String("error_kind", result.ErrorKind.String()))
		return result, nil
	}

	result.Success = payResp.Response.TradeStatus == alipayTradeStatusTradeSuccess ||
		payResp.Response.TradeStatus == alipayTradeStatusTradeFinished
	if !result.Success {
		result.ErrorKind = payment.ErrorKindUnknown
		result.ErrorMessage = fmt.Sprintf("unexpected trade status %s", payResp.Response.TradeStatus)
	}

	a.logger.Info("Alipay charge processed",
		zap.String("trade_no", payResp.Response.TradeNo),
		zap.Bool("success", result.Success))

	return result, nil
}

// Refund returns a previously collected amount. Alipay refunds are
// synchronous against the original trade.
func (a *AlipayAdapter) Refund(ctx context.Context, paymentID string, amount decimal.Decimal) (*payment.RefundResult, error) {
	outRequestNo := fmt.Sprintf("refund-%s-%d", paymentID, time.Now().Unix())

	bizContent := alipayBizContent{
		TradeNo:      paymentID,
		RefundAmount: amount.StringFixed(2),
		OutRequestNo: outRequestNo,
	}

	respBody, err := a.call(ctx, alipayMethodRefund, bizContent)
	if err != nil {
		return nil, err
	}

	var refundResp alipayTradeRefundResponse
	if err := json.Unmarshal(respBody, &refundResp); err != nil {
		return nil, fmt.Errorf("alipay: failed to parse response: %w", err)
	}

	if !refundResp.Response.IsSuccess() {
		return &payment.RefundResult{
				Provider:  payment.ProviderTypeAlipay,
				Amount:    amount,
				ErrorKind: classifyAlipaySubCode(refundResp.Response.SubCode),
			}, fmt.Errorf("alipay: refund rejected: %s - %s",
				refundResp.Response.SubCode, refundResp.Response.SubMsg)
	}

	a.logger.Info("Alipay refund created",
		zap.String("trade_no", paymentID),
		zap.String("out_request_no", outRequestNo))

	return &payment.RefundResult{
		Success:  true,
		Provider: payment.ProviderTypeAlipay,
		RefundID: outRequestNo,
		Amount:   amount,
	}, nil
}

// CreateCustomer is unsupported: the deduction agreement number acts as
// the customer reference and is established in the signing flow.
func (a *AlipayAdapter) CreateCustomer(ctx context.Context, tenantID uuid.UUID, email, name string) (*payment.CustomerResult, error) {
	return nil, fmt.Errorf("alipay: customers are established through the agreement signing flow: %w",
		payment.ErrProviderNotConfigured)
}

// CreateSubscription is unsupported for the same reason as CreateCustomer
func (a *AlipayAdapter) CreateSubscription(ctx context.Context, customerRef, priceRef string) (*payment.SubscriptionResult, error) {
	return nil, fmt.Errorf("alipay: subscriptions are established through the agreement signing flow: %w",
		payment.ErrProviderNotConfigured)
}

// CancelSubscription unsigns the deduction agreement
func (a *AlipayAdapter) CancelSubscription(ctx context.Context, subscriptionRef string) error {
	bizContent := alipayBizContent{
		AgreementNo: subscriptionRef,
	}

	respBody, err := a.call(ctx, alipayMethodAgreementQuit, bizContent)
	if err != nil {
		return err
	}

	var unsignResp alipayAgreementUnsignResponse
	if err := json.Unmarshal(respBody, &unsignResp); err != nil {
		return fmt.Errorf("alipay: failed to parse response: %w", err)
	}

	if !unsignResp.Response.IsSuccess() {
		return fmt.Errorf("alipay: unsign rejected: %s - %s",
			unsignResp.Response.SubCode, unsignResp.Response.SubMsg)
	}

	a.logger.Info("Alipay agreement unsigned", zap.String("agreement_no", subscriptionRef))
	return nil
}

// ValidateWebhookSignature verifies the notification signature. Alipay
// notifications are URL-encoded form data carrying their own sign field;
// signatureHeader is accepted as an override for transports that strip it
// out of the body.
func (a *AlipayAdapter) ValidateWebhookSignature(payload []byte, signatureHeader string) bool {
	values, err := url.ParseQuery(string(payload))
	if err != nil {
		return false
	}

	signature := signatureHeader
	if signature == "" {
		signature = values.Get("sign")
	}
	if signature == "" {
		return false
	}

	params := make(map[string]string)
	for key := range values {
		if key != "sign" && key != "sign_type" {
			params[key] = values.Get(key)
		}
	}

	return a.verifySign(params, signature)
}

// call signs and posts one API request, returning the raw response body
func (a *AlipayAdapter) call(ctx context.Context, method string, bizContent alipayBizContent) ([]byte, error) {
	params := a.buildCommonParams(method)

	bizContentBytes, err := json.Marshal(bizContent)
	if err != nil {
		return nil, fmt.Errorf("alipay: failed to marshal biz_content: %w", err)
	}
	params["biz_content"] = string(bizContentBytes)

	sign, err := a.sign(params)
	if err != nil {
		return nil, fmt.Errorf("alipay: failed to sign request: %w", err)
	}
	params["sign"] = sign

	return a.doRequest(ctx, params)
}

// buildCommonParams builds common parameters for API requests
func (a *AlipayAdapter) buildCommonParams(method string) map[string]string {
	return map[string]string{
		"app_id":     a.config.AppID,
		"method":     method,
		"format":     alipayFormat,
		"charset":    alipayCharset,
		"sign_type":  a.config.SignType,
		"timestamp":  time.Now().Format(alipayTimeLayout),
		"version":    alipayVersion,
		"notify_url": a.config.NotifyURL,
	}
}

// sign signs the parameters with SHA256 and RSA (RSA2)
func (a *AlipayAdapter) sign(params map[string]string) (string, error) {
	signStr := buildSignString(params)

	hash := sha256.Sum256([]byte(signStr))
	signature, err := rsa.SignPKCS1v15(rand.Reader, a.config.PrivateKey, crypto.SHA256, hash[:])
	if err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(signature), nil
}

// verifySign verifies a signature against Alipay's public key
func (a *AlipayAdapter) verifySign(params map[string]string, signature string) bool {
	signStr := buildSignString(params)

	sigBytes, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}

	hash := sha256.Sum256([]byte(signStr))
	return rsa.VerifyPKCS1v15(a.config.AlipayPublicKey, crypto.SHA256, hash[:], sigBytes) == nil
}

// buildSignString builds the canonical string to sign: non-empty params
// sorted by key, joined as key=value with ampersands
func buildSignString(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for key := range params {
		if params[key] != "" && key != "sign" {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	var parts []string
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", key, params[key]))
	}

	return strings.Join(parts, "&")
}

// doRequest performs an HTTP request to the Alipay gateway
func (a *AlipayAdapter) doRequest(ctx context.Context, params map[string]string) ([]byte, error) {
	gatewayURL := alipayGatewayURL
	if a.config.IsSandbox {
		gatewayURL = alipaySandboxGatewayURL
	}

	values := url.Values{}
	for key, value := range params {
		values.Set(key, value)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gatewayURL, strings.NewReader(values.Encode()))
	if err != nil {
		return nil, fmt.Errorf("alipay: failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded;charset=utf-8")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", payment.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("alipay: failed to read response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: HTTP %d", payment.ErrProviderUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("alipay: gateway rejected request with HTTP %d", resp.StatusCode)
	}

	return respBody, nil
}

// classifyAlipaySubCode maps a gateway sub_code to a provider-neutral
// error kind
func classifyAlipaySubCode(subCode string) payment.ErrorKind {
	switch subCode {
	case "ACQ.BUYER_BALANCE_NOT_ENOUGH",
		"ACQ.BUYER_BANKCARD_BALANCE_NOT_ENOUGH",
		"ACQ.USER_BALANCE_NOT_ENOUGH",
		"ACQ.PAYMENT_FAIL":
		return payment.ErrorKindCardDeclined
	case "ACQ.AGREEMENT_NOT_EXIST",
		"ACQ.AGREEMENT_INVALID",
		"ACQ.INVALID_PARAMETER",
		"ACQ.TRADE_BUYER_NOT_MATCH":
		return payment.ErrorKindInvalidRequest
	case "ACQ.SYSTEM_ERROR", "aop.ACQ.SYSTEM_ERROR":
		return payment.ErrorKindProviderUnavailable
	default:
		return payment.ErrorKindUnknown
	}
}

// Ensure AlipayAdapter implements the provider port
var _ payment.ProviderAdapter = (*AlipayAdapter)(nil)
