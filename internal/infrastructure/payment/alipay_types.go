package payment

// Alipay API method names
const (
	alipayMethodTradePay      = "alipay.trade.pay"
	alipayMethodRefund        = "alipay.trade.refund"
	alipayMethodAgreementQuit = "alipay.user.agreement.unsign"
)

// Alipay trade status values
const (
	alipayTradeStatusTradeSuccess  = "TRADE_SUCCESS"
	alipayTradeStatusTradeFinished = "TRADE_FINISHED"
	alipayTradeStatusTradeClosed   = "TRADE_CLOSED"
	alipayTradeStatusWaitBuyerPay  = "WAIT_BUYER_PAY"
)

// alipayBizContent is the biz_content payload across trade APIs. Only
// the fields relevant to the invoked method are populated.
type alipayBizContent struct {
	OutTradeNo   string               `json:"out_trade_no,omitempty"`
	TradeNo      string               `json:"trade_no,omitempty"`
	ProductCode  string               `json:"product_code,omitempty"`
	TotalAmount  string               `json:"total_amount,omitempty"`
	Subject      string               `json:"subject,omitempty"`
	Body         string               `json:"body,omitempty"`
	RefundAmount string               `json:"refund_amount,omitempty"`
	RefundReason string               `json:"refund_reason,omitempty"`
	OutRequestNo string               `json:"out_request_no,omitempty"`
	AgreementNo  string               `json:"agreement_no,omitempty"`
	Agreement    *alipayAgreementInfo `json:"agreement_params,omitempty"`
}

// alipayAgreementInfo identifies the signed deduction agreement used for
// merchant-initiated charges
type alipayAgreementInfo struct {
	AgreementNo string `json:"agreement_no"`
}

// alipayResponseMeta carries the common response envelope fields
type alipayResponseMeta struct {
	Code    string `json:"code"`
	Msg     string `json:"msg"`
	SubCode string `json:"sub_code"`
	SubMsg  string `json:"sub_msg"`
}

// IsSuccess returns true when the gateway accepted the request
func (m alipayResponseMeta) IsSuccess() bool {
	return m.Code == "10000"
}

// alipayTradePayResponse is the response to alipay.trade.pay
type alipayTradePayResponse struct {
	Response struct {
		alipayResponseMeta
		TradeNo     string `json:"trade_no"`
		OutTradeNo  string `json:"out_trade_no"`
		TotalAmount string `json:"total_amount"`
		TradeStatus string `json:"trade_status"`
		GmtPayment  string `json:"gmt_payment"`
	} `json:"alipay_trade_pay_response"`
	Sign string `json:"sign"`
}

// alipayTradeRefundResponse is the response to alipay.trade.refund
type alipayTradeRefundResponse struct {
	Response struct {
		alipayResponseMeta
		TradeNo      string `json:"trade_no"`
		OutTradeNo   string `json:"out_trade_no"`
		RefundFee    string `json:"refund_fee"`
		GmtRefundPay string `json:"gmt_refund_pay"`
	} `json:"alipay_trade_refund_response"`
	Sign string `json:"sign"`
}

// alipayAgreementUnsignResponse is the response to alipay.user.agreement.unsign
type alipayAgreementUnsignResponse struct {
	Response struct {
		alipayResponseMeta
	} `json:"alipay_user_agreement_unsign_response"`
	Sign string `json:"sign"`
}
