package notify

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"

	"fleet-patch-backend/internal/model"
	"fleet-patch-backend/internal/store"
)

// Template identifiers for the notification contract. Rendering and final
// delivery are external; this layer only selects the template and carries
// the context.
const (
	TemplateInitialApprovalNotice   = "initial_approval_notice"
	TemplateApprovalFollowup        = "approval_followup"
	TemplateApprovalFinalEscalation = "approval_final_escalation"
	TemplateApprovalConfirmed       = "approval_confirmed"
	TemplatePrecheckFailed          = "precheck_failed"
	TemplatePatchCompleted          = "patch_completed"
	TemplatePatchFailed             = "patch_failed"
	TemplateRollbackNotice          = "rollback_notice"
)

// Notification is one queued notification request.
type Notification struct {
	Template   string            `json:"template"`
	ServerName string            `json:"server"`
	HostGroup  string            `json:"host_group"`
	Recipient  string            `json:"recipient"`
	Context    map[string]string `json:"context,omitempty"`
}

// Notifier accepts notification requests for asynchronous delivery.
type Notifier interface {
	Notify(n Notification)
}

// Sender defines the interface for delivering a single web push message.
type Sender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is the real Sender backed by the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// WorkerPool manages a pool of workers delivering notifications to the
// operator push subscriptions scoped to the affected host group.
type WorkerPool struct {
	size    int
	jobs    chan Notification
	store   store.Store
	webpush *webpush.Options
	sender  Sender
}

// NewWorkerPool creates a new notification worker pool.
func NewWorkerPool(size int, st store.Store, webpushOptions *webpush.Options) *WorkerPool {
	return &WorkerPool{
		size:    size,
		jobs:    make(chan Notification, size*4),
		store:   st,
		webpush: webpushOptions,
		sender:  &WebPushSender{},
	}
}

// SetSender replaces the delivery backend; used by tests.
func (wp *WorkerPool) SetSender(s Sender) {
	wp.sender = s
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	log.Printf("Notification worker %d started", id)
	for {
		select {
		case n := <-wp.jobs:
			wp.deliver(ctx, n)
		case <-ctx.Done():
			log.Printf("Notification worker %d shutting down", id)
			return
		}
	}
}

// Notify queues a notification for delivery.
func (wp *WorkerPool) Notify(n Notification) {
	select {
	case wp.jobs <- n:
	default:
		// Dropping beats blocking the orchestration sweep on a full queue.
		log.Printf("Notification queue full, dropping %s for %s", n.Template, n.ServerName)
	}
}

// Jobs returns the jobs channel for testing.
func (wp *WorkerPool) Jobs() chan Notification {
	return wp.jobs
}

// deliver fans one notification out to every subscription scoped to the
// server's host group.
func (wp *WorkerPool) deliver(ctx context.Context, n Notification) {
	log.Printf("Notification %s for server %s (recipient %s)", n.Template, n.ServerName, n.Recipient)

	subs, err := wp.store.SubscriptionsForGroup(ctx, n.HostGroup)
	if err != nil {
		log.Printf("Error fetching subscriptions for group %s: %v", n.HostGroup, err)
		return
	}
	if len(subs) == 0 {
		return
	}

	payload, err := json.Marshal(n)
	if err != nil {
		log.Printf("Error marshalling notification payload: %v", err)
		return
	}

	for _, sub := range subs {
		wp.send(ctx, sub, payload)
	}
}

func (wp *WorkerPool) send(ctx context.Context, sub model.PushSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	if err != nil {
		log.Printf("Error sending notification to %s: %v", sub.Endpoint, err)
		return
	}
	defer resp.Body.Close()

	// Handle expired subscriptions
	if resp.StatusCode == http.StatusGone {
		log.Printf("Subscription for endpoint %s is expired. Deleting.", sub.Endpoint)
		if err := wp.store.DeleteSubscription(ctx, sub.Endpoint); err != nil {
			log.Printf("Failed to delete expired subscription %s: %v", sub.Endpoint, err)
		}
	}
}
