package engine

import (
	"firebase.google.com/go/v4/messaging"

	"github.com/tinywideclouds/go-dispatch-service/pkg/dispatch"
)

// BuildMessage translates content into a provider message with no target set.
// Platform options are forwarded as given. Content without title and body
// becomes a data-only background message that still carries the options a
// notification-less payload can use; Android priority defaults to high there.
func BuildMessage(c dispatch.Content) *messaging.Message {
	opts := c.Options
	msg := &messaging.Message{Data: c.Data}

	if c.Silent() {
		priority := opts.Priority
		if priority == "" {
			priority = "high"
		}
		msg.Android = &messaging.AndroidConfig{Priority: priority}
		aps := &messaging.Aps{ContentAvailable: true, Badge: opts.Badge, Category: opts.ClickAction}
		msg.APNS = &messaging.APNSConfig{
			Headers: map[string]string{
				"apns-push-type": "background",
				"apns-priority":  "5",
			},
			Payload: &messaging.APNSPayload{Aps: aps},
		}
		if opts.Link != "" || opts.Priority != "" {
			msg.Webpush = &messaging.WebpushConfig{}
			if opts.Priority != "" {
				msg.Webpush.Headers = map[string]string{"Urgency": opts.Priority}
			}
			if opts.Link != "" {
				msg.Webpush.FCMOptions = &messaging.WebpushFCMOptions{Link: opts.Link}
			}
		}
		return msg
	}

	msg.Notification = &messaging.Notification{
		Title:    c.Title,
		Body:     c.Body,
		ImageURL: opts.ImageURL,
	}

	msg.Android = &messaging.AndroidConfig{
		Priority: opts.Priority,
		Notification: &messaging.AndroidNotification{
			Icon:        opts.Icon,
			ClickAction: opts.ClickAction,
			ImageURL:    opts.ImageURL,
			ChannelID:   opts.ChannelID,
			Sound:       opts.Sound,
		},
	}

	aps := &messaging.Aps{Sound: opts.Sound, Badge: opts.Badge}
	if opts.ClickAction != "" {
		aps.Category = opts.ClickAction
	}
	msg.APNS = &messaging.APNSConfig{Payload: &messaging.APNSPayload{Aps: aps}}
	if opts.ImageURL != "" {
		aps.MutableContent = true
		msg.APNS.FCMOptions = &messaging.APNSFCMOptions{ImageURL: opts.ImageURL}
	}

	msg.Webpush = &messaging.WebpushConfig{
		Notification: &messaging.WebpushNotification{
			Title: c.Title,
			Body:  c.Body,
			Icon:  opts.Icon,
			Image: opts.ImageURL,
		},
	}
	if opts.Link != "" {
		msg.Webpush.FCMOptions = &messaging.WebpushFCMOptions{Link: opts.Link}
	}
	return msg
}

func toMulticast(msg *messaging.Message, tokens []string) *messaging.MulticastMessage {
	return &messaging.MulticastMessage{
		Tokens:       tokens,
		Data:         msg.Data,
		Notification: msg.Notification,
		Android:      msg.Android,
		Webpush:      msg.Webpush,
		APNS:         msg.APNS,
	}
}
