package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	ediDateLayout    = "20060102150405"
	moidPrefix       = "enroll_"
	draftMoidPrefix  = "temp_"
	cancelPath       = "/v2/cancel"
	queryPath        = "/v2/order"
)

var (
	ErrRefundExceedsPaid    = errors.New("refund exceeds paid amount")
	ErrGatewayCommunication = errors.New("payment gateway communication failed")
	ErrRefundRejected       = errors.New("payment gateway rejected refund")
	ErrInvalidMoid          = errors.New("invalid moid")
	ErrInvalidAmount        = errors.New("invalid amount")
)

var (
	paymentSuccessCodes = map[string]struct{}{"0000": {}, "3001": {}}
	cancelSuccessCodes  = map[string]struct{}{"2001": {}, "2002": {}}
)

// DefaultLocation is the gateway's business time zone, Asia/Seoul, with a
// fixed +09:00 fallback when the zone database is missing.
func DefaultLocation() *time.Location {
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		return time.FixedZone("KST", 9*60*60)
	}
	return loc
}

type Config struct {
	MID         string
	MerchantKey string
	BaseURL     string
	ReturnURL   string
	NotifyURL   string
	Timeout     time.Duration
	Location    *time.Location
}

// Client talks to the KISPG hosted payment page and its server APIs. It knows
// nothing about enrollments beyond the id embedded in the moid.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = DefaultLocation()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With("component", "kispg"),
		now:        time.Now,
	}
}

func (c *Client) ediDate() string {
	return c.now().In(c.cfg.Location).Format(ediDateLayout)
}

// NewMoid builds the per-attempt merchant order id.
func NewMoid(enrollmentID int64, at time.Time) string {
	return moidPrefix + strconv.FormatInt(enrollmentID, 10) + "_" + strconv.FormatInt(at.UnixMilli(), 10)
}

func ParseMoid(moid string) (int64, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(moid), moidPrefix)
	if !ok {
		return 0, ErrInvalidMoid
	}
	idPart, _, ok := strings.Cut(rest, "_")
	if !ok {
		return 0, ErrInvalidMoid
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrInvalidMoid
	}
	return id, nil
}

// DraftOrder is a payment started before any enrollment row exists. The
// enrollment is created when the gateway reports the capture.
type DraftOrder struct {
	LessonID int64
	UserID   int64
}

// NewDraftMoid builds the order id of a draft payment.
func NewDraftMoid(lessonID, userID int64, at time.Time) string {
	return draftMoidPrefix + strconv.FormatInt(lessonID, 10) + "_" + strconv.FormatInt(userID, 10) + "_" + strconv.FormatInt(at.UnixMilli(), 10)
}

func IsDraftMoid(moid string) bool {
	return strings.HasPrefix(strings.TrimSpace(moid), draftMoidPrefix)
}

func ParseDraftMoid(moid string) (DraftOrder, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(moid), draftMoidPrefix)
	if !ok {
		return DraftOrder{}, ErrInvalidMoid
	}
	parts := strings.Split(rest, "_")
	if len(parts) != 3 {
		return DraftOrder{}, ErrInvalidMoid
	}
	lessonID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || lessonID <= 0 {
		return DraftOrder{}, ErrInvalidMoid
	}
	userID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || userID <= 0 {
		return DraftOrder{}, ErrInvalidMoid
	}
	if _, err := strconv.ParseInt(parts[2], 10, 64); err != nil {
		return DraftOrder{}, ErrInvalidMoid
	}
	return DraftOrder{LessonID: lessonID, UserID: userID}, nil
}

type Buyer struct {
	Name  string
	Email string
	Tel   string
}

type InitParams struct {
	MID          string `json:"mid"`
	Moid         string `json:"moid"`
	Amount       string `json:"amt"`
	ItemName     string `json:"itemName"`
	BuyerName    string `json:"buyerName,omitempty"`
	BuyerEmail   string `json:"buyerEmail,omitempty"`
	BuyerTel     string `json:"buyerTel,omitempty"`
	ReturnURL    string `json:"returnUrl"`
	NotifyURL    string `json:"notifyUrl"`
	EdiDate      string `json:"ediDate"`
	RequestHash  string `json:"requestHash"`
	GoodsSplAmt  string `json:"goodsSplAmt"`
	GoodsVat     string `json:"goodsVat"`
	MbsUsrID     string `json:"mbsUsrId,omitempty"`
	MbsReserved1 string `json:"mbsReserved1"`
}

// GenerateInitParams signs mid+moid+amt with the merchant key. The key itself
// never leaves the adapter.
func (c *Client) GenerateInitParams(enrollmentID, amount int64, itemName string, buyer Buyer, userID int64) (*InitParams, error) {
	if enrollmentID <= 0 {
		return nil, ErrInvalidMoid
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	return c.initParams(NewMoid(enrollmentID, c.now()), amount, itemName, buyer, userID, strconv.FormatInt(enrollmentID, 10)), nil
}

// GenerateDraftInitParams prepares a payment for a lesson the user has not
// enrolled in yet.
func (c *Client) GenerateDraftInitParams(lessonID, amount int64, itemName string, buyer Buyer, userID int64) (*InitParams, error) {
	if lessonID <= 0 || userID <= 0 {
		return nil, ErrInvalidMoid
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	return c.initParams(NewDraftMoid(lessonID, userID, c.now()), amount, itemName, buyer, userID, ""), nil
}

func (c *Client) initParams(moid string, amount int64, itemName string, buyer Buyer, userID int64, reserved string) *InitParams {
	amt := strconv.FormatInt(amount, 10)
	vat := amount / 11

	return &InitParams{
		MID:          c.cfg.MID,
		Moid:         moid,
		Amount:       amt,
		ItemName:     itemName,
		BuyerName:    buyer.Name,
		BuyerEmail:   buyer.Email,
		BuyerTel:     buyer.Tel,
		ReturnURL:    c.cfg.ReturnURL,
		NotifyURL:    c.cfg.NotifyURL,
		EdiDate:      c.ediDate(),
		RequestHash:  sign(c.cfg.MID, moid, amt, c.cfg.MerchantKey),
		GoodsSplAmt:  strconv.FormatInt(amount-vat, 10),
		GoodsVat:     strconv.FormatInt(vat, 10),
		MbsUsrID:     strconv.FormatInt(userID, 10),
		MbsReserved1: reserved,
	}
}

// Notification is the form-encoded payment result the gateway posts to the
// notify url. The browser return carries the same fields.
type Notification struct {
	MID        string `form:"mid" json:"mid"`
	TID        string `form:"tid" json:"tid"`
	Moid       string `form:"moid" json:"moid"`
	Amt        string `form:"amt" json:"amt"`
	ResultCode string `form:"resultCode" json:"resultCode"`
	ResultMsg  string `form:"resultMsg" json:"resultMsg"`
	PayMethod  string `form:"payMethod" json:"payMethod"`
	ApproveNo  string `form:"approveNo" json:"approveNo"`
	CardQuota  string `form:"cardQuota" json:"cardQuota"`
	EncData    string `form:"encData" json:"encData"`
	BuyerName  string `form:"buyerName" json:"buyerName"`
	BuyerTel   string `form:"buyerTel" json:"buyerTel"`
	BuyerEmail string `form:"buyerEmail" json:"buyerEmail"`
	VactNum    string `form:"vactNum" json:"vactNum"`
	VactDate   string `form:"vactDate" json:"vactDate"`
}

func (n Notification) Succeeded() bool {
	_, ok := paymentSuccessCodes[strings.TrimSpace(n.ResultCode)]
	return ok
}

func (n Notification) Amount() (int64, error) {
	amount, err := strconv.ParseInt(strings.TrimSpace(n.Amt), 10, 64)
	if err != nil || amount < 0 {
		return 0, ErrInvalidAmount
	}
	return amount, nil
}

// SignNotification computes the encData the gateway is expected to send.
func (c *Client) SignNotification(n Notification) string {
	return sign(n.MID, n.TID, n.Moid, n.Amt, c.cfg.MerchantKey)
}

func (c *Client) VerifyNotification(n Notification) bool {
	if n.MID != c.cfg.MID {
		c.logger.Warn("notification merchant id mismatch", "moid", n.Moid, "tid", n.TID, "mid", n.MID)
		return false
	}
	expected := c.SignNotification(n)
	if !signaturesEqual(expected, n.EncData) {
		c.logger.Warn("notification signature mismatch",
			"moid", n.Moid,
			"tid", n.TID,
			"expected", maskSignature(expected),
			"received", maskSignature(n.EncData),
		)
		return false
	}
	return true
}

type RefundRequest struct {
	TID             string
	Moid            string
	PayMethod       string
	Amount          int64
	PaidAmount      int64
	AlreadyRefunded int64
	Reason          string
	Partial         bool
}

type RefundResult struct {
	ResultCode string `json:"resultCd"`
	ResultMsg  string `json:"resultMsg"`
	PayMethod  string `json:"payMethod"`
	TID        string `json:"tid"`
	ApprovedAt string `json:"appDtm"`
	ApproveNo  string `json:"appNo"`
	OrderNo    string `json:"ordNo"`
	Amount     string `json:"amt"`
	CancelYN   string `json:"cancelYN"`
}

type cancelPayload struct {
	PayMethod  string `json:"payMethod"`
	TID        string `json:"tid"`
	MID        string `json:"mid"`
	CanAmt     string `json:"canAmt"`
	CanMsg     string `json:"canMsg"`
	PartCanFlg string `json:"partCanFlg"`
	EncData    string `json:"encData"`
	EdiDate    string `json:"ediDate"`
	Charset    string `json:"charset"`
}

// RefundRejectedError carries the gateway result code of a refused cancel.
type RefundRejectedError struct {
	ResultCode string
	ResultMsg  string
}

func (e *RefundRejectedError) Error() string {
	return fmt.Sprintf("refund rejected: %s %s", e.ResultCode, e.ResultMsg)
}

func (e *RefundRejectedError) Unwrap() error {
	return ErrRefundRejected
}

func (c *Client) RequestRefund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if strings.TrimSpace(req.TID) == "" || req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.Amount > req.PaidAmount-req.AlreadyRefunded {
		return nil, ErrRefundExceedsPaid
	}

	ediDate := c.ediDate()
	canAmt := strconv.FormatInt(req.Amount, 10)
	partial := "0"
	if req.Partial {
		partial = "1"
	}
	payload := cancelPayload{
		PayMethod:  req.PayMethod,
		TID:        req.TID,
		MID:        c.cfg.MID,
		CanAmt:     canAmt,
		CanMsg:     req.Reason,
		PartCanFlg: partial,
		EncData:    sign(c.cfg.MID, ediDate, canAmt, c.cfg.MerchantKey),
		EdiDate:    ediDate,
		Charset:    "UTF-8",
	}

	var result RefundResult
	if err := c.postJSON(ctx, cancelPath, payload, &result); err != nil {
		return nil, err
	}
	if _, ok := cancelSuccessCodes[result.ResultCode]; !ok {
		c.logger.Warn("refund rejected", "tid", req.TID, "moid", req.Moid, "result_code", result.ResultCode, "result_msg", result.ResultMsg)
		return &result, &RefundRejectedError{ResultCode: result.ResultCode, ResultMsg: result.ResultMsg}
	}

	c.logger.Info("refund accepted", "tid", req.TID, "moid", req.Moid, "amount", req.Amount, "partial", req.Partial)
	return &result, nil
}

type queryPayload struct {
	MID     string `json:"mid"`
	Ver     string `json:"ver"`
	TID     string `json:"tid,omitempty"`
	Moid    string `json:"moid,omitempty"`
	Amt     string `json:"amt"`
	EdiDate string `json:"ediDate"`
	EncData string `json:"encData"`
}

// QueryTransaction returns the gateway's raw record for a tid or moid.
func (c *Client) QueryTransaction(ctx context.Context, tid, moid string, amount int64) (map[string]any, error) {
	if strings.TrimSpace(tid) == "" && strings.TrimSpace(moid) == "" {
		return nil, ErrInvalidMoid
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	ediDate := c.ediDate()
	amt := strconv.FormatInt(amount, 10)
	payload := queryPayload{
		MID:     c.cfg.MID,
		Ver:     "2",
		TID:     tid,
		Moid:    moid,
		Amt:     amt,
		EdiDate: ediDate,
		EncData: sign(c.cfg.MID, ediDate, amt, c.cfg.MerchantKey),
	}

	record := map[string]any{}
	if err := c.postJSON(ctx, queryPath, payload, &record); err != nil {
		return nil, err
	}
	return record, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGatewayCommunication, err)
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGatewayCommunication, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrGatewayCommunication, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned %d", ErrGatewayCommunication, path, resp.StatusCode)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", ErrGatewayCommunication, path, err)
	}
	return nil
}
