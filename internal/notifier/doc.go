// Package notifier provides an async delivery pipeline for outgoing
// Telegram messages: bounded queue, worker pool, rate limiting and
// bounded retry with jittered exponential backoff.
//
// Delivery is at-least-once from the caller's point of view: Notify
// enqueues without blocking and delivery outcomes are published on the
// event bus (notify.queued / notify.sent / notify.failed / notify.dropped).
//
// For operator visibility the service keeps a small in-memory history of
// recently sent messages.
package notifier
