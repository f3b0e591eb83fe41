package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/teamchat/internal/fanout"
	"github.com/teamchat/internal/logger"
	"github.com/teamchat/internal/metrics"
	"github.com/teamchat/internal/model"
	"github.com/teamchat/internal/objectstore"
)

// scheduleUploads загружает файлы в фоне. Итог по каждому файлу уходит событием
// attachments.completed; частичный отказ не отменяет остальные файлы.
func (s *MessageService) scheduleUploads(msg model.Message, files []FileInput) {
	err := s.uploads.Submit(msg.ID, "upload", func(ctx context.Context) error {
		return s.upload(ctx, msg, files)
	})
	if err == nil {
		return
	}
	logger.L().Error().Err(err).Str("message_id", msg.ID).Int("files", len(files)).Msg("upload: not scheduled")
	results := make([]fanout.AttachmentResult, len(files))
	for i, f := range files {
		results[i] = fanout.AttachmentResult{FileName: f.Name, Error: "upload queue unavailable"}
		metrics.Uploads.WithLabelValues("dropped").Inc()
	}
	s.completeUploads(msg, results)
}

func (s *MessageService) upload(ctx context.Context, msg model.Message, files []FileInput) error {
	results := make([]fanout.AttachmentResult, len(files))
	atts := make([]model.Attachment, 0, len(files))
	var errs []error
	for i, f := range files {
		results[i].FileName = f.Name
		obj, err := s.objects.Put(ctx, f.Name, f.MimeType, bytes.NewReader(f.Data))
		if err != nil {
			results[i].Error = uploadErrorText(err)
			errs = append(errs, fmt.Errorf("%s: %w", f.Name, err))
			metrics.Uploads.WithLabelValues("error").Inc()
			continue
		}
		atts = append(atts, model.Attachment{
			ID:         uuid.NewString(),
			MessageID:  msg.ID,
			FileName:   obj.FileName,
			URL:        obj.URL,
			StorageKey: obj.Key,
			Size:       obj.Size,
			MimeType:   obj.MimeType,
			CreatedAt:  s.now().UTC(),
		})
	}

	if len(atts) > 0 {
		if err := s.attachments.AddAttachments(ctx, atts); err != nil {
			errs = append(errs, fmt.Errorf("save attachments: %w", err))
			for i := range results {
				if results[i].Error == "" {
					results[i].Error = "failed to save attachment"
					metrics.Uploads.WithLabelValues("error").Inc()
				}
			}
			atts = nil
		}
	}

	next := 0
	for i := range results {
		if results[i].Error != "" {
			continue
		}
		a := atts[next]
		next++
		results[i].OK = true
		results[i].Attachment = &a
		metrics.Uploads.WithLabelValues("ok").Inc()
	}
	s.completeUploads(msg, results)
	return errors.Join(errs...)
}

func (s *MessageService) completeUploads(msg model.Message, results []fanout.AttachmentResult) {
	s.dispatch.Broadcast(msg.ChannelID, "", fanout.EventAttachmentsCompleted, fanout.AttachmentsCompletedPayload{
		MessageID: msg.ID,
		ChannelID: msg.ChannelID,
		Results:   results,
	})
}

// uploadErrorText — текст для клиента без внутренних путей.
func uploadErrorText(err error) string {
	switch {
	case errors.Is(err, objectstore.ErrBlockedType),
		errors.Is(err, objectstore.ErrContentMismatch),
		errors.Is(err, objectstore.ErrTooLarge):
		return err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "upload timed out"
	}
	return "upload failed"
}
