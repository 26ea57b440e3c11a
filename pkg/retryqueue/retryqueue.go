// Package retryqueue is the bridge's Retry Queue: a durable FIFO-by-due-time
// of failed sends and failed media downloads, drained by a single
// cooperatively scheduled worker with exponential backoff.
package retryqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chatrelay/bridge/pkg/coremsg"
	"github.com/chatrelay/bridge/pkg/log"
	"github.com/chatrelay/bridge/pkg/storage"
)

var logger = log.ForService("retryqueue")

const (
	tickInterval       = 10 * time.Second
	maxSendPerTick     = 50
	maxDownloadPerTick = 30
	sendBaseInterval   = 2 * time.Second
	downloadBaseInterval = 5 * time.Second
	maxBackoff         = 300 * time.Second
)

// SendResult is returned by a registered send callback on success.
type SendResult struct {
	TargetMessageID string
}

// SendCallback delivers one previously-failed forward to targetPlatform.
type SendCallback func(ctx context.Context, rec coremsg.SendRetryRecord) (SendResult, error)

// DownloadCallback retries one previously-failed media fetch.
type DownloadCallback func(ctx context.Context, rec coremsg.DownloadRetryRecord) (localPath string, err error)

// Queue is the bridge's Retry Queue. It shares the Mapping Store's database
// file (retry_send / retry_download are tables in that same durable file)
// but owns its own processing loop.
type Queue struct {
	db    *sql.DB
	store *storage.Store

	mu                sync.RWMutex
	sendCallbacks     map[coremsg.Platform]SendCallback
	downloadCallbacks map[coremsg.Platform]DownloadCallback

	tickInterval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Retry Queue backed by store's database. store is also used to
// write the MessageMapping on a successful send retry.
func New(store *storage.Store) *Queue {
	return &Queue{
		db:                store.DB(),
		store:             store,
		sendCallbacks:     make(map[coremsg.Platform]SendCallback),
		downloadCallbacks: make(map[coremsg.Platform]DownloadCallback),
		tickInterval:      tickInterval,
	}
}

func (q *Queue) RegisterSendCallback(targetPlatform coremsg.Platform, f SendCallback) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sendCallbacks[targetPlatform] = f
}

func (q *Queue) RegisterDownloadCallback(platform coremsg.Platform, f DownloadCallback) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.downloadCallbacks[platform] = f
}

// AddSendRetry durably enqueues a failed forward for later retry. payload is
// the already-translated segment set, so a retry never re-runs the Message
// Translator.
func (q *Queue) AddSendRetry(rec coremsg.SendRetryRecord) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("marshaling retry payload: %w", err)
	}
	if rec.MaxAttempts == 0 {
		rec.MaxAttempts = 5
	}
	// One send attempt has already failed by the time a caller reaches here,
	// so the row starts at attempt_count 1 and its own backoff delay rather
	// than an immediate retry.
	_, err = q.db.Exec(`
		INSERT INTO retry_send
			(source_platform, source_message_id, target_platform, conversation_id,
			 source_conversation_id, target_topic_id, payload, attempt_count,
			 max_attempts, next_attempt_at, last_failure_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT (source_platform, source_message_id, target_platform) DO UPDATE SET
			payload = excluded.payload,
			last_failure_reason = excluded.last_failure_reason
	`, string(rec.SourcePlatform), rec.SourceMessageID, string(rec.TargetPlatform), rec.ConversationID,
		rec.SourceConversationID, rec.TargetTopicID, payload, rec.MaxAttempts, backoff(0, sendBaseInterval), rec.LastFailureReason)
	if err != nil {
		return fmt.Errorf("enqueueing send retry: %w", err)
	}
	return nil
}

// AddDownloadRetry durably enqueues a failed media fetch for later retry.
func (q *Queue) AddDownloadRetry(rec coremsg.DownloadRetryRecord) error {
	if rec.MaxAttempts == 0 {
		rec.MaxAttempts = 3
	}
	// One fetch attempt has already failed by the time a caller reaches
	// here, so the row starts at attempt_count 1 and its own backoff delay
	// rather than an immediate retry.
	_, err := q.db.Exec(`
		INSERT INTO retry_download
			(platform, file_id, kind, url, local_path, use_proxy, attempt_count,
			 max_attempts, next_attempt_at, last_failure_reason)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT (platform, file_id) DO UPDATE SET
			url = excluded.url,
			local_path = excluded.local_path,
			use_proxy = excluded.use_proxy,
			last_failure_reason = excluded.last_failure_reason
	`, string(rec.Platform), rec.FileID, rec.Kind, rec.URL, rec.LocalPath, rec.UseProxy,
		rec.MaxAttempts, backoff(0, downloadBaseInterval), rec.LastFailureReason)
	if err != nil {
		return fmt.Errorf("enqueueing download retry: %w", err)
	}
	return nil
}

// Start launches the processing loop. Safe to call once; Stop cancels it.
func (q *Queue) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	q.wg.Add(1)
	go q.run(ctx)
}

// Stop cancels the timer; the loop exits at its next await point. In-flight
// callback invocations are not forcibly cancelled.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

func (q *Queue) run(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.tick(ctx)
		}
	}
}

// tick processes one round of due records. A panic or SQL fault in either
// half sleeps the standard tick interval and continues; time.Ticker already
// gives us that via the outer select loop, so tick itself only needs to log
// and move on.
func (q *Queue) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("retry tick panicked: %v", r)
		}
	}()
	if err := q.processSends(ctx); err != nil {
		logger.Errorf("processing send retries: %v", err)
	}
	if err := q.processDownloads(ctx); err != nil {
		logger.Errorf("processing download retries: %v", err)
	}
}

type sendRow struct {
	sourcePlatform, targetPlatform string
	sourceMessageID                string
	conversationID                 string
	sourceConversationID           string
	targetTopicID                  string
	payload                        []byte
	attemptCount, maxAttempts      int
}

func (q *Queue) processSends(ctx context.Context) error {
	rows, err := q.db.Query(`
		SELECT source_platform, source_message_id, target_platform, conversation_id,
		       source_conversation_id, target_topic_id, payload, attempt_count, max_attempts
		FROM retry_send WHERE next_attempt_at <= ? ORDER BY next_attempt_at LIMIT ?
	`, time.Now(), maxSendPerTick)
	if err != nil {
		return fmt.Errorf("querying due send retries: %w", err)
	}
	var due []sendRow
	for rows.Next() {
		var r sendRow
		if err := rows.Scan(&r.sourcePlatform, &r.sourceMessageID, &r.targetPlatform, &r.conversationID,
			&r.sourceConversationID, &r.targetTopicID, &r.payload, &r.attemptCount, &r.maxAttempts); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scanning due send retry: %w", err)
		}
		due = append(due, r)
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, r := range due {
		q.processSend(ctx, r)
	}
	return nil
}

func (q *Queue) processSend(ctx context.Context, r sendRow) {
	var payload coremsg.Message
	if err := json.Unmarshal(r.payload, &payload); err != nil {
		logger.Errorf("discarding corrupt retry payload for %s/%s: %v", r.sourcePlatform, r.sourceMessageID, err)
		q.deleteSendRecord(r.sourcePlatform, r.sourceMessageID, r.targetPlatform)
		return
	}

	q.mu.RLock()
	cb, ok := q.sendCallbacks[coremsg.Platform(r.targetPlatform)]
	q.mu.RUnlock()
	if !ok {
		logger.Warnf("no send callback registered for platform %s, leaving retry queued", r.targetPlatform)
		return
	}

	rec := coremsg.SendRetryRecord{
		SourcePlatform:       coremsg.Platform(r.sourcePlatform),
		SourceMessageID:      r.sourceMessageID,
		TargetPlatform:       coremsg.Platform(r.targetPlatform),
		ConversationID:       r.conversationID,
		SourceConversationID: r.sourceConversationID,
		TargetTopicID:        r.targetTopicID,
		Payload:              payload,
		AttemptCount:         r.attemptCount,
		MaxAttempts:          r.maxAttempts,
	}

	result, err := cb(ctx, rec)
	if err == nil {
		if _, mErr := q.store.AddMapping(coremsg.MessageMapping{
			SourcePlatform:  rec.SourcePlatform,
			SourceMessageID: rec.SourceMessageID,
			TargetPlatform:  rec.TargetPlatform,
			TargetMessageID: result.TargetMessageID,
		}); mErr != nil {
			logger.Errorf("recording mapping for retried send %s/%s: %v", r.sourcePlatform, r.sourceMessageID, mErr)
		}
		q.deleteSendRecord(r.sourcePlatform, r.sourceMessageID, r.targetPlatform)
		return
	}

	attempt := r.attemptCount + 1
	if attempt >= r.maxAttempts {
		logger.Warnf("send retry exhausted for %s/%s after %d attempts: %v", r.sourcePlatform, r.sourceMessageID, attempt, err)
		q.deleteSendRecord(r.sourcePlatform, r.sourceMessageID, r.targetPlatform)
		return
	}

	next := backoff(r.attemptCount, sendBaseInterval)
	if _, uErr := q.db.Exec(`
		UPDATE retry_send SET attempt_count = ?, next_attempt_at = ?, last_failure_reason = ?
		WHERE source_platform = ? AND source_message_id = ? AND target_platform = ?
	`, attempt, next, err.Error(), r.sourcePlatform, r.sourceMessageID, r.targetPlatform); uErr != nil {
		logger.Errorf("rescheduling send retry %s/%s: %v", r.sourcePlatform, r.sourceMessageID, uErr)
	}
}

func (q *Queue) deleteSendRecord(sourcePlatform, sourceMessageID, targetPlatform string) {
	if _, err := q.db.Exec(`
		DELETE FROM retry_send WHERE source_platform = ? AND source_message_id = ? AND target_platform = ?
	`, sourcePlatform, sourceMessageID, targetPlatform); err != nil {
		logger.Errorf("deleting send retry record %s/%s: %v", sourcePlatform, sourceMessageID, err)
	}
}

type downloadRow struct {
	platform, fileID, kind, url, localPath string
	useProxy                               bool
	attemptCount, maxAttempts              int
}

func (q *Queue) processDownloads(ctx context.Context) error {
	rows, err := q.db.Query(`
		SELECT platform, file_id, kind, url, local_path, use_proxy, attempt_count, max_attempts
		FROM retry_download WHERE next_attempt_at <= ? ORDER BY next_attempt_at LIMIT ?
	`, time.Now(), maxDownloadPerTick)
	if err != nil {
		return fmt.Errorf("querying due download retries: %w", err)
	}
	var due []downloadRow
	for rows.Next() {
		var r downloadRow
		if err := rows.Scan(&r.platform, &r.fileID, &r.kind, &r.url, &r.localPath, &r.useProxy,
			&r.attemptCount, &r.maxAttempts); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scanning due download retry: %w", err)
		}
		due = append(due, r)
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, r := range due {
		q.processDownload(ctx, r)
	}
	return nil
}

func (q *Queue) processDownload(ctx context.Context, r downloadRow) {
	q.mu.RLock()
	cb, ok := q.downloadCallbacks[coremsg.Platform(r.platform)]
	q.mu.RUnlock()
	if !ok {
		logger.Warnf("no download callback registered for platform %s, leaving retry queued", r.platform)
		return
	}

	rec := coremsg.DownloadRetryRecord{
		Platform:     coremsg.Platform(r.platform),
		FileID:       r.fileID,
		Kind:         r.kind,
		URL:          r.url,
		LocalPath:    r.localPath,
		UseProxy:     r.useProxy,
		AttemptCount: r.attemptCount,
		MaxAttempts:  r.maxAttempts,
	}

	_, err := cb(ctx, rec)
	if err == nil {
		q.deleteDownloadRecord(r.platform, r.fileID)
		return
	}

	attempt := r.attemptCount + 1
	if attempt >= r.maxAttempts {
		if r.useProxy {
			// Proxy exhausted: flip to a direct connection for one more
			// attempt before giving up entirely.
			logger.Warnf("proxy exhausted for download %s/%s, retrying once direct: %v", r.platform, r.fileID, err)
			if _, uErr := q.db.Exec(`
				UPDATE retry_download SET use_proxy = 0, attempt_count = ?, next_attempt_at = ?, last_failure_reason = ?
				WHERE platform = ? AND file_id = ?
			`, r.maxAttempts-1, time.Now().Add(downloadBaseInterval), "proxy_exhausted_falling_back_direct", r.platform, r.fileID); uErr != nil {
				logger.Errorf("flipping download retry %s/%s to direct: %v", r.platform, r.fileID, uErr)
			}
			return
		}
		logger.Warnf("download retry exhausted for %s/%s after %d attempts: %v", r.platform, r.fileID, attempt, err)
		q.deleteDownloadRecord(r.platform, r.fileID)
		return
	}

	next := backoff(r.attemptCount, downloadBaseInterval)
	if _, uErr := q.db.Exec(`
		UPDATE retry_download SET attempt_count = ?, next_attempt_at = ?, last_failure_reason = ?
		WHERE platform = ? AND file_id = ?
	`, attempt, next, err.Error(), r.platform, r.fileID); uErr != nil {
		logger.Errorf("rescheduling download retry %s/%s: %v", r.platform, r.fileID, uErr)
	}
}

func (q *Queue) deleteDownloadRecord(platform, fileID string) {
	if _, err := q.db.Exec(`DELETE FROM retry_download WHERE platform = ? AND file_id = ?`, platform, fileID); err != nil {
		logger.Errorf("deleting download retry record %s/%s: %v", platform, fileID, err)
	}
}

// backoff implements next_attempt_at = now + min(2^attempt_count * base, 300s).
func backoff(attempt int, base time.Duration) time.Time {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			d = maxBackoff
			break
		}
	}
	return time.Now().Add(d)
}
