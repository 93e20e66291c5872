package notification

import (
	"context"
	"log"
	"sync"
	"time"
)

// deliveryTimeout bounds one delivery attempt, including webhook retries.
const deliveryTimeout = 30 * time.Second

// Dispatcher delivers messages asynchronously and best-effort. Security
// operations fire and forget: a delivery failure is logged, never returned,
// so notifications cannot fail or slow a decision, termination, or approval.
type Dispatcher struct {
	notifier Notifier
	wg       sync.WaitGroup
}

// NewDispatcher creates a Dispatcher over the given notifier.
// If notifier is nil, a NoopNotifier is used (no messages delivered).
func NewDispatcher(notifier Notifier) *Dispatcher {
	if notifier == nil {
		notifier = &NoopNotifier{}
	}
	return &Dispatcher{notifier: notifier}
}

// UserNotify delivers a message to one principal.
func (d *Dispatcher) UserNotify(eventType EventType, principalID, title, body string, priority Priority, data map[string]string) {
	d.Send(NewUserMessage(eventType, principalID, title, body, priority, data))
}

// AdminBroadcast delivers a message to the administrator channel.
func (d *Dispatcher) AdminBroadcast(eventType EventType, title, body string, priority Priority, data map[string]string) {
	d.Send(NewAdminMessage(eventType, title, body, priority, data))
}

// Send validates and delivers the message in the background. Invalid
// messages and delivery failures are logged and dropped.
func (d *Dispatcher) Send(msg *Message) {
	if err := msg.Validate(); err != nil {
		log.Printf("notification dropped (%s): %v", msg.Type, err)
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		// Deliveries outlive the caller's request context on purpose: a
		// terminated session's alert must still go out.
		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		defer cancel()

		if err := d.notifier.Notify(ctx, msg); err != nil {
			log.Printf("notification error (%s): %v", msg.Type, err)
		}
	}()
}

// Flush blocks until all in-flight deliveries complete. Used on shutdown
// and in tests.
func (d *Dispatcher) Flush() {
	d.wg.Wait()
}
