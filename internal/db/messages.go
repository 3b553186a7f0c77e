package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/vdavid/mailcore/internal/models"
)

// ErrMessageNotFound is returned when a requested message cannot be found.
var ErrMessageNotFound = errors.New("message not found")

// DeliveryUpdate describes a delivery status transition of an outbound message.
type DeliveryUpdate struct {
	Status models.DeliveryStatus
	// ExternalMessageID is stored when non-empty (the provider's id after accept).
	ExternalMessageID string
	Error             string
	CountAttempt      bool
	SentAt            *time.Time
}

// MessageExists reports whether a message with the given provider id is stored.
func MessageExists(ctx context.Context, q Querier, externalMessageID string) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM messages WHERE external_message_id = $1)
	`, externalMessageID).Scan(&exists)
	if err != nil {
		return false, dbErr("failed to check message existence", err)
	}
	return exists, nil
}

// InsertMessage stores a message and its attachments. inserted is false when a
// message with the same external id already exists; nothing is written then.
func InsertMessage(ctx context.Context, q Querier, message *models.Message) (inserted bool, err error) {
	err = q.QueryRow(ctx, `
		INSERT INTO messages (
			thread_id,
			account_id,
			user_id,
			external_message_id,
			message_id_header,
			in_reply_to,
			reference_ids,
			direction,
			delivery_status,
			delivery_error,
			from_address,
			to_addresses,
			cc_addresses,
			bcc_addresses,
			subject,
			body_html,
			body_text,
			is_read,
			is_starred,
			sent_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (external_message_id) WHERE external_message_id IS NOT NULL DO NOTHING
		RETURNING id, created_at, updated_at
	`,
		message.ThreadID,
		nullable(message.AccountID),
		message.UserID,
		nullable(message.ExternalMessageID),
		message.MessageIDHeader,
		message.InReplyTo,
		orEmpty(message.References),
		string(message.Direction),
		string(message.DeliveryStatus),
		message.DeliveryError,
		message.FromAddress,
		orEmpty(message.ToAddresses),
		orEmpty(message.CCAddresses),
		orEmpty(message.BCCAddresses),
		message.Subject,
		message.BodyHTML,
		message.BodyText,
		message.IsRead,
		message.IsStarred,
		message.SentAt,
	).Scan(&message.ID, &message.CreatedAt, &message.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, dbErr("failed to insert message", err)
	}

	for i := range message.Attachments {
		att := &message.Attachments[i]
		att.MessageID = message.ID
		if att.SizeBytes == 0 {
			att.SizeBytes = int64(len(att.Content))
		}
		if err := insertAttachment(ctx, q, att); err != nil {
			return false, err
		}
	}

	return true, nil
}

func insertAttachment(ctx context.Context, q Querier, attachment *models.Attachment) error {
	err := q.QueryRow(ctx, `
		INSERT INTO attachments (message_id, filename, mime_type, size_bytes, is_inline, content_id, content)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`,
		attachment.MessageID, attachment.Filename, attachment.MimeType, attachment.SizeBytes,
		attachment.IsInline, attachment.ContentID, attachment.Content,
	).Scan(&attachment.ID)

	if err != nil {
		return dbErr("failed to save attachment", err)
	}
	return nil
}

// GetMessage returns a message with its attachments, content included.
func GetMessage(ctx context.Context, q Querier, messageID string) (*models.Message, error) {
	var msg models.Message
	var accountID, externalID *string
	var direction, status string

	err := q.QueryRow(ctx, `
		SELECT
			id, thread_id, account_id, user_id, external_message_id, message_id_header,
			in_reply_to, reference_ids, direction, delivery_status, delivery_error,
			delivery_attempts, from_address, to_addresses, cc_addresses, bcc_addresses,
			subject, body_html, body_text, is_read, is_starred, sent_at, created_at, updated_at
		FROM messages
		WHERE id = $1
	`, messageID).Scan(
		&msg.ID, &msg.ThreadID, &accountID, &msg.UserID, &externalID, &msg.MessageIDHeader,
		&msg.InReplyTo, &msg.References, &direction, &status, &msg.DeliveryError,
		&msg.DeliveryAttempts, &msg.FromAddress, &msg.ToAddresses, &msg.CCAddresses, &msg.BCCAddresses,
		&msg.Subject, &msg.BodyHTML, &msg.BodyText, &msg.IsRead, &msg.IsStarred, &msg.SentAt,
		&msg.CreatedAt, &msg.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, dbErr("failed to get message", err)
	}

	msg.AccountID = deref(accountID)
	msg.ExternalMessageID = deref(externalID)
	msg.Direction = models.Direction(direction)
	msg.DeliveryStatus = models.DeliveryStatus(status)

	attachments, err := getAttachments(ctx, q, messageID)
	if err != nil {
		return nil, err
	}
	msg.Attachments = attachments

	return &msg, nil
}

func getAttachments(ctx context.Context, q Querier, messageID string) ([]models.Attachment, error) {
	rows, err := q.Query(ctx, `
		SELECT id, message_id, filename, mime_type, size_bytes, is_inline, content_id, content
		FROM attachments
		WHERE message_id = $1
		ORDER BY filename
	`, messageID)
	if err != nil {
		return nil, dbErr("failed to get attachments", err)
	}
	defer rows.Close()

	var attachments []models.Attachment
	for rows.Next() {
		var att models.Attachment
		if err := rows.Scan(
			&att.ID,
			&att.MessageID,
			&att.Filename,
			&att.MimeType,
			&att.SizeBytes,
			&att.IsInline,
			&att.ContentID,
			&att.Content,
		); err != nil {
			return nil, dbErr("failed to scan attachment", err)
		}
		attachments = append(attachments, att)
	}

	if err := rows.Err(); err != nil {
		return nil, dbErr("error iterating attachments", err)
	}

	return attachments, nil
}

// UpdateMessageDelivery applies a delivery status transition.
func UpdateMessageDelivery(ctx context.Context, q Querier, messageID string, update DeliveryUpdate) error {
	attempts := 0
	if update.CountAttempt {
		attempts = 1
	}

	tag, err := q.Exec(ctx, `
		UPDATE messages
		SET delivery_status = $2,
			external_message_id = COALESCE($3, external_message_id),
			delivery_error = $4,
			delivery_attempts = delivery_attempts + $5,
			sent_at = COALESCE($6, sent_at),
			updated_at = now()
		WHERE id = $1
	`, messageID, string(update.Status), nullable(update.ExternalMessageID), update.Error, attempts, update.SentAt)
	if err != nil {
		return dbErr("failed to update message delivery", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMessageNotFound
	}

	return nil
}
