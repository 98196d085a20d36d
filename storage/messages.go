package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// SaveMessage inserts one append-only message record.
func (s *Store) SaveMessage(message Message) error {
	if message.MessageID == "" {
		return errors.New("message_id is required")
	}
	if err := validateDirection(message.Direction); err != nil {
		return err
	}
	if message.Timestamp == 0 {
		message.Timestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(s.rebind(
		`INSERT INTO messages (
			message_id, message_code, direction, peer_domain,
			timestamp, note, params, reply_to_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		message.MessageID,
		message.MessageCode,
		message.Direction,
		nullString(message.PeerDomain),
		message.Timestamp,
		message.Note,
		message.Params,
		nullString(message.ReplyToID),
	)
	if err != nil {
		return fmt.Errorf("insert message %q: %w", message.MessageID, err)
	}
	return nil
}

const messageColumns = `message_id, message_code, direction, peer_domain,
	timestamp, note, params, reply_to_id`

func scanMessage(row interface{ Scan(...any) error }) (Message, error) {
	var (
		message Message
		peer    sql.NullString
		replyTo sql.NullString
	)
	err := row.Scan(
		&message.MessageID,
		&message.MessageCode,
		&message.Direction,
		&peer,
		&message.Timestamp,
		&message.Note,
		&message.Params,
		&replyTo,
	)
	if err != nil {
		return Message{}, err
	}
	message.PeerDomain = stringPtr(peer)
	message.ReplyToID = stringPtr(replyTo)
	return message, nil
}

// GetMessage returns one message by id.
func (s *Store) GetMessage(messageID string) (Message, error) {
	row := s.db.QueryRow(s.rebind(
		`SELECT `+messageColumns+` FROM messages WHERE message_id = ?`), messageID)
	message, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, fmt.Errorf("message %q: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return Message{}, fmt.Errorf("get message %q: %w", messageID, err)
	}
	return message, nil
}

// AttachReply records the correlation back-reference from a received
// request to the reply produced for it. This is the only mutation a
// persisted message ever receives.
func (s *Store) AttachReply(messageID, replyID string) error {
	res, err := s.db.Exec(s.rebind(
		`UPDATE messages SET reply_to_id = ? WHERE message_id = ?`),
		replyID, messageID)
	if err != nil {
		return fmt.Errorf("attach reply to %q: %w", messageID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("message %q: %w", messageID, ErrNotFound)
	}
	return nil
}

// ListMessages returns the latest messages, newest first.
func (s *Store) ListMessages(limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(s.rebind(
		`SELECT `+messageColumns+` FROM messages ORDER BY timestamp DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, message)
	}
	return messages, rows.Err()
}

// CountReceivedRequestsSince counts inbound messages from one peer since
// the given timestamp, restricted to the given message codes. It backs the
// daily request limit check; status and notice broadcasts are kept out of
// the budget by the code filter. An empty code set counts nothing.
func (s *Store) CountReceivedRequestsSince(domain string, since int64, codes []byte) (int, error) {
	if len(codes) == 0 {
		return 0, nil
	}

	placeholders := make([]string, len(codes))
	args := []any{domain, DirectionReceived, since}
	for i, code := range codes {
		placeholders[i] = "?"
		args = append(args, code)
	}
	query := `SELECT COUNT(*) FROM messages
		WHERE peer_domain = ? AND direction = ? AND timestamp >= ?
		AND message_code IN (` + strings.Join(placeholders, ", ") + `)`

	var count int
	err := s.db.QueryRow(s.rebind(query), args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count requests from %q: %w", domain, err)
	}
	return count, nil
}

// AddAttempts creates one pending delivery attempt per target peer for an
// outbound message.
func (s *Store) AddAttempts(messageID string, targets []string) error {
	if messageID == "" {
		return errors.New("message_id is required")
	}
	if len(targets) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, target := range targets {
		if _, err := tx.Exec(s.rebind(
			`INSERT INTO message_attempts (message_id, target_domain, delivery_status, attempt_count)
			VALUES (?, ?, ?, 0)`),
			messageID, target, DeliveryStatusPending); err != nil {
			return fmt.Errorf("insert attempt (%q, %q): %w", messageID, target, err)
		}
	}
	return tx.Commit()
}

// PendingDelivery pairs one due attempt with its message for transmission.
type PendingDelivery struct {
	Attempt MessageAttempt
	Message Message
}

// DuePendingAttempts returns pending attempts oldest-first, joined with
// their messages.
func (s *Store) DuePendingAttempts(limit int) ([]PendingDelivery, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(s.rebind(
		`SELECT
			a.message_id, a.target_domain, a.delivery_status, a.attempt_count, a.last_attempt,
			m.message_id, m.message_code, m.direction, m.peer_domain,
			m.timestamp, m.note, m.params, m.reply_to_id
		FROM message_attempts a
		JOIN messages m ON m.message_id = a.message_id
		WHERE a.delivery_status = ?
		ORDER BY m.timestamp ASC
		LIMIT ?`),
		DeliveryStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("due pending attempts: %w", err)
	}
	defer rows.Close()

	var due []PendingDelivery
	for rows.Next() {
		var (
			d           PendingDelivery
			lastAttempt sql.NullInt64
			peer        sql.NullString
			replyTo     sql.NullString
		)
		err := rows.Scan(
			&d.Attempt.MessageID,
			&d.Attempt.TargetDomain,
			&d.Attempt.DeliveryStatus,
			&d.Attempt.AttemptCount,
			&lastAttempt,
			&d.Message.MessageID,
			&d.Message.MessageCode,
			&d.Message.Direction,
			&peer,
			&d.Message.Timestamp,
			&d.Message.Note,
			&d.Message.Params,
			&replyTo,
		)
		if err != nil {
			return nil, fmt.Errorf("scan pending delivery: %w", err)
		}
		d.Attempt.LastAttempt = int64Ptr(lastAttempt)
		d.Message.PeerDomain = stringPtr(peer)
		d.Message.ReplyToID = stringPtr(replyTo)
		due = append(due, d)
	}
	return due, rows.Err()
}

// MarkAttemptDelivered finalizes one attempt after transport success. No
// further attempts occur for that target.
func (s *Store) MarkAttemptDelivered(messageID, target string) error {
	res, err := s.db.Exec(s.rebind(
		`UPDATE message_attempts
		SET delivery_status = ?, attempt_count = attempt_count + 1, last_attempt = ?
		WHERE message_id = ? AND target_domain = ? AND delivery_status = ?`),
		DeliveryStatusDelivered, nowUnixMilli(), messageID, target, DeliveryStatusPending)
	if err != nil {
		return fmt.Errorf("mark delivered (%q, %q): %w", messageID, target, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("pending attempt (%q, %q): %w", messageID, target, ErrNotFound)
	}
	return nil
}

// RecordAttemptFailure increments the attempt count after a transport
// failure. When the count reaches the message type's retry ceiling the
// attempt becomes FAILED, which is terminal. The resulting delivery status
// is returned.
func (s *Store) RecordAttemptFailure(messageID, target string, ceiling int) (string, error) {
	if ceiling <= 0 {
		ceiling = 1
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var (
		status string
		count  int
	)
	err = tx.QueryRow(s.rebind(
		`SELECT delivery_status, attempt_count FROM message_attempts
		WHERE message_id = ? AND target_domain = ?`),
		messageID, target).Scan(&status, &count)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("attempt (%q, %q): %w", messageID, target, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("load attempt (%q, %q): %w", messageID, target, err)
	}
	if status != DeliveryStatusPending {
		// Delivered and failed attempts are terminal.
		return status, tx.Commit()
	}

	count++
	status = DeliveryStatusPending
	if count >= ceiling {
		status = DeliveryStatusFailed
	}

	if _, err := tx.Exec(s.rebind(
		`UPDATE message_attempts
		SET delivery_status = ?, attempt_count = ?, last_attempt = ?
		WHERE message_id = ? AND target_domain = ?`),
		status, count, nowUnixMilli(), messageID, target); err != nil {
		return "", fmt.Errorf("record failure (%q, %q): %w", messageID, target, err)
	}
	return status, tx.Commit()
}

// AttemptsForMessage returns all delivery attempts of one message.
func (s *Store) AttemptsForMessage(messageID string) ([]MessageAttempt, error) {
	rows, err := s.db.Query(s.rebind(
		`SELECT message_id, target_domain, delivery_status, attempt_count, last_attempt
		FROM message_attempts WHERE message_id = ? ORDER BY target_domain`), messageID)
	if err != nil {
		return nil, fmt.Errorf("attempts for %q: %w", messageID, err)
	}
	defer rows.Close()

	var attempts []MessageAttempt
	for rows.Next() {
		var (
			attempt     MessageAttempt
			lastAttempt sql.NullInt64
		)
		if err := rows.Scan(&attempt.MessageID, &attempt.TargetDomain, &attempt.DeliveryStatus, &attempt.AttemptCount, &lastAttempt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		attempt.LastAttempt = int64Ptr(lastAttempt)
		attempts = append(attempts, attempt)
	}
	return attempts, rows.Err()
}
