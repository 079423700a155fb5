// Package upload implements the resumable chunked transfer protocol
// against the remote archive endpoint. One Session lives for one
// transfer attempt; the confirmed offset is always re-verified against
// the server before resuming, never trusted from local state alone.
package upload

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/Starisian-Technologies/starmus-audio-recorder-sub003/pkg/config"
	"github.com/Starisian-Technologies/starmus-audio-recorder-sub003/pkg/faults"
	"github.com/Starisian-Technologies/starmus-audio-recorder-sub003/pkg/models"
	"github.com/Starisian-Technologies/starmus-audio-recorder-sub003/pkg/upload/protocol"
)

// sessionTTL bounds how long a stale session is kept for resumption.
// Anything older restarts from zero anyway, so it is dropped instead of
// accumulating in a long-lived daemon.
const sessionTTL = 24 * time.Hour

// Session is the per-attempt transfer state. Ephemeral: rebuilt (or
// offset-verified) on every attempt.
type Session struct {
	UploadID        string
	ConfirmedOffset int64
	ChunkSize       int
	StartedAt       time.Time
}

type createRequest struct {
	IdempotencyKey string            `json:"idempotency_key"`
	Size           int64             `json:"size"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type createResponse struct {
	UploadID string `json:"upload_id"`
}

// Client sends queue entries to the archive endpoint.
type Client struct {
	http     *resty.Client
	endpoint string
	secret   string
	logger   *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session // idempotency key -> stale session from a prior attempt
	clock    func() time.Time
}

func NewClient(cfg config.UploadConfig, logger *zap.Logger) *Client {
	httpc := resty.New().
		SetBaseURL(cfg.Endpoint).
		SetTimeout(cfg.RequestTimeout).
		SetRetryCount(0) // retry policy belongs to the orchestrator
	return &Client{
		http:     httpc,
		endpoint: cfg.Endpoint,
		secret:   cfg.Secret,
		logger:   logger,
		sessions: make(map[string]*Session),
		clock:    time.Now,
	}
}

// Send transfers the payload for entry. Errors come back classified:
// faults.RetryableError for transient failures, faults.FatalError for
// auth/validation rejections. With an empty secret nothing is
// transmitted at all.
func (c *Client) Send(ctx context.Context, entry *models.QueueEntry, payload []byte) error {
	if c.secret == "" {
		return faults.Fatal("send", faults.ErrAuthMissing)
	}

	key := entry.IdempotencyKey
	size := int64(len(payload))

	sess, err := c.resumeOrCreate(ctx, entry, size)
	if err != nil {
		return err
	}

	for sess.ConfirmedOffset < size {
		select {
		case <-ctx.Done():
			// An issued chunk always ran to completion or error before
			// we get here; stopping between chunks cannot corrupt the
			// remote offset bookkeeping.
			return faults.Retryable("send", ctx.Err())
		default:
		}

		end := sess.ConfirmedOffset + int64(sess.ChunkSize)
		if end > size {
			end = size
		}
		confirmed, err := c.putChunk(ctx, sess, payload[sess.ConfirmedOffset:end])
		if err != nil {
			c.rememberOrForget(key, sess, err)
			return err
		}
		if confirmed < sess.ConfirmedOffset {
			// Server lost ground mid-transfer; resume from what it has.
			c.logger.Warn("server confirmed less than sent, rewinding",
				zap.Int64("local", sess.ConfirmedOffset), zap.Int64("server", confirmed))
		}
		sess.ConfirmedOffset = confirmed
	}

	if err := c.complete(ctx, sess, entry); err != nil {
		c.rememberOrForget(key, sess, err)
		return err
	}
	c.forget(key)
	return nil
}

// resumeOrCreate verifies a prior session's offset with the server, or
// opens a fresh one. An offset disagreement discards the stale session
// and restarts from 0.
func (c *Client) resumeOrCreate(ctx context.Context, entry *models.QueueEntry, size int64) (*Session, error) {
	key := entry.IdempotencyKey

	c.mu.Lock()
	prior := c.sessions[key]
	c.mu.Unlock()

	if prior != nil && c.clock().Sub(prior.StartedAt) > sessionTTL {
		c.forget(key)
		prior = nil
	}
	if prior != nil {
		serverOffset, err := c.probeOffset(ctx, prior)
		if err == nil && serverOffset == prior.ConfirmedOffset {
			prior.ChunkSize = entry.Tier.UploadChunkBytes()
			return prior, nil
		}
		if err == nil {
			c.logger.Warn("stale upload session, restarting from zero",
				zap.String("key", key),
				zap.Int64("local", prior.ConfirmedOffset),
				zap.Int64("server", serverOffset))
		}
		c.forget(key)
	}

	return c.create(ctx, entry, size)
}

func (c *Client) create(ctx context.Context, entry *models.QueueEntry, size int64) (*Session, error) {
	var out createResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader(protocol.HeaderSecret, protocol.Sign(c.secret, entry.IdempotencyKey)).
		SetBody(createRequest{
			IdempotencyKey: entry.IdempotencyKey,
			Size:           size,
			Metadata:       entry.Metadata,
		}).
		SetResult(&out).
		Post("/uploads")
	if err := classify("create upload", resp, err); err != nil {
		return nil, err
	}
	if out.UploadID == "" {
		return nil, faults.Fatal("create upload", fmt.Errorf("endpoint returned no upload id"))
	}
	return &Session{
		UploadID:  out.UploadID,
		ChunkSize: entry.Tier.UploadChunkBytes(),
		StartedAt: time.Now(),
	}, nil
}

func (c *Client) probeOffset(ctx context.Context, sess *Session) (int64, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader(protocol.HeaderSecret, protocol.Sign(c.secret, sess.UploadID)).
		Head("/uploads/" + sess.UploadID)
	if err := classify("probe offset", resp, err); err != nil {
		return 0, err
	}
	return strconv.ParseInt(resp.Header().Get(protocol.HeaderOffset), 10, 64)
}

func (c *Client) putChunk(ctx context.Context, sess *Session, chunk []byte) (int64, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader(protocol.HeaderSecret, protocol.Sign(c.secret, sess.UploadID)).
		SetHeader(protocol.HeaderOffset, strconv.FormatInt(sess.ConfirmedOffset, 10)).
		SetHeader("Content-Type", "application/offset+octet-stream").
		SetBody(chunk).
		Patch("/uploads/" + sess.UploadID)
	if err := classify("put chunk", resp, err); err != nil {
		return 0, err
	}
	confirmed, perr := strconv.ParseInt(resp.Header().Get(protocol.HeaderOffset), 10, 64)
	if perr != nil {
		return 0, faults.Retryable("put chunk", fmt.Errorf("missing confirmed offset: %w", perr))
	}
	return confirmed, nil
}

func (c *Client) complete(ctx context.Context, sess *Session, entry *models.QueueEntry) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader(protocol.HeaderSecret, protocol.Sign(c.secret, sess.UploadID)).
		SetBody(map[string]string{"idempotency_key": entry.IdempotencyKey}).
		Post("/uploads/" + sess.UploadID + "/complete")
	return classify("complete upload", resp, err)
}

// rememberOrForget keeps the session for resumption after a retryable
// failure. A fatal failure parks the entry with no further attempts, so
// its session is released immediately.
func (c *Client) rememberOrForget(key string, sess *Session, sendErr error) {
	if faults.IsFatal(sendErr) {
		c.forget(key)
		return
	}
	c.remember(key, sess)
}

func (c *Client) remember(key string, sess *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Opportunistic sweep: sessions whose entries dead-lettered are
	// never retried, so age is the only signal that they are abandoned.
	now := c.clock()
	for k, s := range c.sessions {
		if now.Sub(s.StartedAt) > sessionTTL {
			delete(c.sessions, k)
		}
	}
	c.sessions[key] = sess
}

func (c *Client) forget(key string) {
	c.mu.Lock()
	delete(c.sessions, key)
	c.mu.Unlock()
}
