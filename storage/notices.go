package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// OpenNotice records a new open notice for a domain.
//
// Maintenance notices are idempotent by replacement: a new one supersedes
// any prior open maintenance notice of the same domain. Discontinuation
// notices are singular: opening a second one while one is still open fails
// with ErrNoticeAlreadyOpen. The assigned id is returned.
func (s *Store) OpenNotice(notice Notice) (int64, error) {
	if err := validateNoticeClass(notice.Class); err != nil {
		return 0, err
	}
	if notice.Domain == "" {
		return 0, errors.New("notice domain is required")
	}
	if notice.FromTimestamp == 0 {
		notice.FromTimestamp = nowUnixMilli()
	}
	if notice.CreatedTimestamp == 0 {
		notice.CreatedTimestamp = nowUnixMilli()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	switch notice.Class {
	case NoticeClassMaintenance:
		if _, err := tx.Exec(s.rebind(
			`UPDATE notices SET status = ? WHERE domain = ? AND class = ? AND status = ?`),
			NoticeStatusSuperseded, notice.Domain, notice.Class, NoticeStatusOpen); err != nil {
			return 0, fmt.Errorf("supersede open maintenance notice: %w", err)
		}
	case NoticeClassDiscontinued:
		var existing int64
		err := tx.QueryRow(s.rebind(
			`SELECT id FROM notices WHERE domain = ? AND class = ? AND status = ?`),
			notice.Domain, notice.Class, NoticeStatusOpen).Scan(&existing)
		if err == nil {
			return 0, ErrNoticeAlreadyOpen
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("check open discontinuation notice: %w", err)
		}
	}

	id, err := s.insertReturningID(tx,
		s.rebind(`INSERT INTO notices (class, domain, status, from_timestamp, until_timestamp, note, created_timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		notice.Class,
		notice.Domain,
		NoticeStatusOpen,
		notice.FromTimestamp,
		nullInt64(notice.UntilTimestamp),
		notice.Note,
		notice.CreatedTimestamp)
	if err != nil {
		return 0, fmt.Errorf("insert notice: %w", err)
	}
	return id, tx.Commit()
}

// CancelNotice closes the open notice of one class for a domain. Canceling
// when nothing is open is a no-op, matching the idempotent cancel
// broadcasts.
func (s *Store) CancelNotice(domain, class string) error {
	if err := validateNoticeClass(class); err != nil {
		return err
	}

	if _, err := s.db.Exec(s.rebind(
		`UPDATE notices SET status = ? WHERE domain = ? AND class = ? AND status = ?`),
		NoticeStatusCanceled, domain, class, NoticeStatusOpen); err != nil {
		return fmt.Errorf("cancel notice (%q, %q): %w", domain, class, err)
	}
	return nil
}

// OpenNoticeOfClass returns the open notice of one class for a domain, or
// ErrNotFound when none is open.
func (s *Store) OpenNoticeOfClass(domain, class string) (Notice, error) {
	if err := validateNoticeClass(class); err != nil {
		return Notice{}, err
	}

	row := s.db.QueryRow(s.rebind(
		`SELECT id, class, domain, status, from_timestamp, until_timestamp, note, created_timestamp
		FROM notices WHERE domain = ? AND class = ? AND status = ?`),
		domain, class, NoticeStatusOpen)

	var (
		notice Notice
		until  sql.NullInt64
	)
	err := row.Scan(&notice.ID, &notice.Class, &notice.Domain, &notice.Status,
		&notice.FromTimestamp, &until, &notice.Note, &notice.CreatedTimestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return Notice{}, fmt.Errorf("open notice (%q, %q): %w", domain, class, ErrNotFound)
	}
	if err != nil {
		return Notice{}, fmt.Errorf("load open notice (%q, %q): %w", domain, class, err)
	}
	notice.UntilTimestamp = int64Ptr(until)
	return notice, nil
}
