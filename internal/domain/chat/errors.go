package chat

import "errors"

var (
	ErrAttachmentNotFound = errors.New("attachment not found")
	ErrEmptyMessage       = errors.New("message needs a body or an attachment")
	ErrBodyTooLong        = errors.New("message body is too long")
	ErrChatClosed         = errors.New("chat is closed for a cancelled appointment")
	ErrCaptionRequired    = errors.New("attachments require a caption")
)
