package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"civicsync/internal/domain"
)

// WSConfig configures the websocket ledger gateway connection.
type WSConfig struct {
	// URL of the ledger gateway, e.g. ws://ledger:8899/rpc.
	URL string
	// Identity is the sending identity recorded on every transaction.
	Identity string
	// HandshakeTimeout bounds the initial dial and every redial.
	HandshakeTimeout time.Duration
	// ResponseTimeout bounds the wait for an individual RPC response when the
	// caller's context carries no earlier deadline.
	ResponseTimeout time.Duration
	// ReconnectMaxInterval caps the redial backoff after the connection drops.
	ReconnectMaxInterval time.Duration
}

func (c WSConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("ledger.url is required")
	}
	if c.Identity == "" {
		return fmt.Errorf("ledger.identity is required")
	}
	return nil
}

func (c *WSConfig) withDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 30 * time.Second
	}
	if c.ReconnectMaxInterval <= 0 {
		c.ReconnectMaxInterval = 30 * time.Second
	}
}

type rpcRequest struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

// Gateway error codes the client gives special treatment. Everything else in
// a response error is an opaque rejection.
const codeNotFound = 404

type createParams struct {
	Sequence    uint64 `json:"sequence"`
	ComplaintID int64  `json:"complaint_id"`
	City        string `json:"city"`
	Category    string `json:"category"`
	RecordedBy  string `json:"recorded_by"`
}

type updateStatusParams struct {
	Sequence    uint64 `json:"sequence"`
	ComplaintID int64  `json:"complaint_id"`
	StatusCode  int    `json:"status_code"`
	RecordedBy  string `json:"recorded_by"`
}

type readParams struct {
	ComplaintID int64 `json:"complaint_id"`
}

type sequenceParams struct {
	Identity string `json:"identity"`
}

type receiptResult struct {
	TxID     string `json:"tx_id"`
	Sequence uint64 `json:"sequence"`
}

type recordResult struct {
	ComplaintID  int64     `json:"complaint_id"`
	City         string    `json:"city"`
	Category     string    `json:"category"`
	RecordedBy   string    `json:"recorded_by"`
	TimestampUTC time.Time `json:"timestamp_utc"`
	StatusCode   int       `json:"status_code"`
}

type sequenceResult struct {
	Next uint64 `json:"next"`
}

// wsSession is one live connection. Its done channel closes when the read
// loop exits, failing waiters on this session fast instead of holding them
// until their deadline.
type wsSession struct {
	conn *websocket.Conn
	done chan struct{}
}

// WSClient is a websocket Client for the ledger gateway. Requests carry a
// correlation id; a single read loop per connection dispatches responses to
// waiters. A dropped connection is redialed with backoff in the background;
// calls made in the gap fail with ErrUnreachable so the engine records them
// as transient.
type WSClient struct {
	cfg    WSConfig
	log    zerolog.Logger
	dialer *websocket.Dialer

	sessMu sync.Mutex
	sess   *wsSession

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan rpcResponse

	closed    chan struct{}
	closeOnce sync.Once
}

// DialWS connects to the ledger gateway and starts the response reader.
// A dial failure at startup is the one connectivity error treated as fatal by
// the caller; once connected, lost connections are redialed automatically.
func DialWS(ctx context.Context, cfg WSConfig, log zerolog.Logger) (*WSClient, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dialer := &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrUnreachable, cfg.URL, err)
	}
	c := &WSClient{
		cfg:     cfg,
		log:     log.With().Str("component", "ledger").Logger(),
		dialer:  dialer,
		pending: make(map[string]chan rpcResponse),
		closed:  make(chan struct{}),
	}
	sess := &wsSession{conn: conn, done: make(chan struct{})}
	c.sess = sess
	go c.readLoop(sess)
	return c, nil
}

func (c *WSClient) Create(ctx context.Context, seq uint64, complaintID int64, city, category string) (Receipt, error) {
	return c.callReceipt(ctx, "create", createParams{
		Sequence:    seq,
		ComplaintID: complaintID,
		City:        city,
		Category:    category,
		RecordedBy:  c.cfg.Identity,
	})
}

func (c *WSClient) UpdateStatus(ctx context.Context, seq uint64, complaintID int64, code domain.StatusCode) (Receipt, error) {
	return c.callReceipt(ctx, "update_status", updateStatusParams{
		Sequence:    seq,
		ComplaintID: complaintID,
		StatusCode:  int(code),
		RecordedBy:  c.cfg.Identity,
	})
}

func (c *WSClient) Read(ctx context.Context, complaintID int64) (domain.LedgerRecord, error) {
	raw, err := c.call(ctx, "read", readParams{ComplaintID: complaintID})
	if err != nil {
		return domain.LedgerRecord{}, err
	}
	var rec recordResult
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.LedgerRecord{}, fmt.Errorf("decode read result: %w", err)
	}
	return domain.LedgerRecord{
		ComplaintID:  rec.ComplaintID,
		City:         rec.City,
		Category:     rec.Category,
		RecordedBy:   rec.RecordedBy,
		TimestampUTC: rec.TimestampUTC,
		StatusCode:   domain.StatusCode(rec.StatusCode),
	}, nil
}

func (c *WSClient) NextSequence(ctx context.Context) (uint64, error) {
	raw, err := c.call(ctx, "next_sequence", sequenceParams{Identity: c.cfg.Identity})
	if err != nil {
		return 0, err
	}
	var res sequenceResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return 0, fmt.Errorf("decode sequence result: %w", err)
	}
	return res.Next, nil
}

func (c *WSClient) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	if sess := c.session(); sess != nil {
		return sess.conn.Close()
	}
	return nil
}

func (c *WSClient) session() *wsSession {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	return c.sess
}

func (c *WSClient) callReceipt(ctx context.Context, method string, params any) (Receipt, error) {
	raw, err := c.call(ctx, method, params)
	if err != nil {
		return Receipt{}, err
	}
	var res receiptResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return Receipt{}, fmt.Errorf("decode %s receipt: %w", method, err)
	}
	return Receipt{TxID: res.TxID, Sequence: res.Sequence}, nil
}

func (c *WSClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ResponseTimeout)
		defer cancel()
	}

	sess := c.session()
	select {
	case <-sess.done:
		return nil, fmt.Errorf("%w: connection lost, redial pending", ErrUnreachable)
	default:
	}

	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", method, err)
	}
	req := rpcRequest{ID: uuid.NewString(), Method: method, Params: body}

	ch := make(chan rpcResponse, 1)
	c.pendingMu.Lock()
	c.pending[req.ID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, req.ID)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	err = sess.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: write %s: %v", ErrUnreachable, method, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			if resp.Error.Code == codeNotFound {
				return nil, ErrNotFound
			}
			return nil, &RejectedError{Reason: resp.Error.Message}
		}
		return resp.Result, nil
	case <-sess.done:
		return nil, fmt.Errorf("%w: connection lost before response", ErrUnreachable)
	case <-c.closed:
		return nil, fmt.Errorf("%w: connection closed", ErrUnreachable)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *WSClient) readLoop(sess *wsSession) {
	for {
		var resp rpcResponse
		if err := sess.conn.ReadJSON(&resp); err != nil {
			close(sess.done)
			select {
			case <-c.closed:
			default:
				c.log.Warn().Err(err).Msg("ledger connection lost, redialing")
				go c.redial()
			}
			return
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		c.pendingMu.Unlock()
		if !ok {
			c.log.Debug().Str("id", resp.ID).Msg("response for unknown request id")
			continue
		}
		ch <- resp
	}
}

// redial re-establishes the gateway connection with exponential backoff,
// forever, until Close. Calls made while it runs fail with ErrUnreachable;
// nothing queues behind the gap.
func (c *WSClient) redial() {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = c.cfg.ReconnectMaxInterval
	bo.MaxElapsedTime = 0

	for {
		select {
		case <-c.closed:
			return
		case <-time.After(bo.NextBackOff()):
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
		conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
		cancel()
		if err != nil {
			c.log.Warn().Err(err).Str("url", c.cfg.URL).Msg("ledger redial failed")
			continue
		}

		sess := &wsSession{conn: conn, done: make(chan struct{})}
		c.sessMu.Lock()
		c.sess = sess
		c.sessMu.Unlock()
		go c.readLoop(sess)
		c.log.Info().Str("url", c.cfg.URL).Msg("ledger connection re-established")

		// Close may have raced the dial; shut the fresh conn so its read
		// loop exits instead of lingering past shutdown.
		select {
		case <-c.closed:
			_ = conn.Close()
		default:
		}
		return
	}
}
