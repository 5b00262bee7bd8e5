// Package webhook forwards submission events to configured HTTP
// endpoints so a companion service can observe delivery progress
// without polling the agent.
package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/civiq/fieldsync/internal/events"
)

type Endpoint struct {
	URL    string
	Secret string
}

type Payload struct {
	Event     string       `json:"event"`
	Timestamp time.Time    `json:"timestamp"`
	Data      events.Event `json:"data"`
	Signature string       `json:"signature,omitempty"`
}

type Config struct {
	Endpoints   []Endpoint
	RetryCount  int
	RetryDelay  time.Duration
	Timeout     time.Duration
	WorkerCount int
	QueueSize   int
}

type task struct {
	endpoint Endpoint
	payload  *Payload
	attempt  int
}

type Notifier struct {
	endpoints   []Endpoint
	httpClient  *http.Client
	retryCount  int
	retryDelay  time.Duration
	workerCount int
	queue       chan *task
	stopCh      chan struct{}
	wg          sync.WaitGroup
	unsubscribe func()
}

func NewNotifier(cfg Config) *Notifier {
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 3
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}

	return &Notifier{
		endpoints: cfg.Endpoints,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		retryCount:  cfg.RetryCount,
		retryDelay:  cfg.RetryDelay,
		workerCount: cfg.WorkerCount,
		queue:       make(chan *task, cfg.QueueSize),
		stopCh:      make(chan struct{}),
	}
}

// Start subscribes to the bus and launches delivery workers. With no
// endpoints configured the notifier stays idle.
func (n *Notifier) Start(bus *events.Bus) {
	if len(n.endpoints) == 0 {
		return
	}

	n.unsubscribe = bus.Subscribe(n.enqueue)

	for i := 0; i < n.workerCount; i++ {
		n.wg.Add(1)
		go n.worker(i)
	}
}

func (n *Notifier) Stop() {
	if n.unsubscribe != nil {
		n.unsubscribe()
		n.unsubscribe = nil
	}
	close(n.stopCh)
	n.wg.Wait()
}

func (n *Notifier) enqueue(event events.Event) {
	for _, endpoint := range n.endpoints {
		t := &task{
			endpoint: endpoint,
			payload: &Payload{
				Event:     string(event.Type),
				Timestamp: time.Now(),
				Data:      event,
			},
		}

		select {
		case n.queue <- t:
		default:
			log.Printf("[webhook] queue full, dropping %s for %s", event.Type, endpoint.URL)
		}
	}
}

func (n *Notifier) worker(id int) {
	defer n.wg.Done()

	for {
		select {
		case <-n.stopCh:
			return
		case t := <-n.queue:
			if err := n.sendWithRetry(t); err != nil {
				log.Printf("[webhook worker %d] giving up on %s for %s after %d attempts: %v",
					id, t.payload.Event, t.endpoint.URL, t.attempt, err)
			}
		}
	}
}

func (n *Notifier) sendWithRetry(t *task) error {
	var lastErr error
	for t.attempt < n.retryCount {
		t.attempt++

		err := n.send(t.endpoint, t.payload)
		if err == nil {
			return nil
		}
		lastErr = err

		if isClientError(err) {
			return err
		}

		if t.attempt < n.retryCount {
			backoff := n.retryDelay * time.Duration(1<<(t.attempt-1))
			select {
			case <-n.stopCh:
				return fmt.Errorf("shutdown requested")
			case <-time.After(backoff):
			}
		}
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (n *Notifier) send(endpoint Endpoint, payload *Payload) error {
	dataBytes, err := json.Marshal(payload.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}

	if endpoint.Secret != "" {
		payload.Signature = sign(dataBytes, endpoint.Secret)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", payload.Signature)
	req.Header.Set("X-Webhook-Event", payload.Event)

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("http error: %d", resp.StatusCode)
	}
	return nil
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func isClientError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "http error: 4")
}
