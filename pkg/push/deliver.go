package push

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/cuemby/jmap-push/pkg/log"
	"github.com/cuemby/jmap-push/pkg/push/ece"
	"github.com/cuemby/jmap-push/pkg/pushmetrics"
)

// NewClient builds the shared *http.Client used for outbound delivery and
// verification POSTs. insecureSkipVerify disables TLS certificate checks;
// it comes from Config.InsecureSkipVerify, which cmd/pushd serve sets from
// its --insecure-skip-verify flag (default false).
func NewClient(insecureSkipVerify bool) *http.Client {
	transport := &http.Transport{}
	if insecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &http.Client{Transport: transport}
}

// poster issues the outbound POSTs the manager's delivery and verification
// tasks need. It holds no subscription state; every call is self-contained.
// An optional token-bucket limiter caps the aggregate outbound rate across
// every subscriber, the same way an ingress middleware throttles inbound
// requests per client, guarding against a reconciliation storm fanning out
// thousands of simultaneous POSTs.
type poster struct {
	client  *http.Client
	limiter *rate.Limiter
}

func newPoster(client *http.Client) *poster {
	return &poster{client: client}
}

// withRateLimit caps this poster's outbound request rate to rps requests
// per second, bursting up to burst. rps <= 0 leaves outbound requests
// unlimited.
func (p *poster) withRateLimit(rps float64, burst int) *poster {
	if rps > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return p
}

// post sends body to url with the given headers, bounded by timeout.
// Success is HTTP status in [200,299]; anything else, including transport
// errors, is reported as a failure (spec §6, §7).
func (p *poster) post(ctx context.Context, url string, headers map[string]string, body []byte, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("deliver: rate limit wait: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("deliver: build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("deliver: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// sendTask is the detached delivery task spawned by the manager's Send
// step (spec §4.6.3). It owns no shared state: snapshot, url, and keys are
// all value copies handed to it at spawn time, and it reports its outcome
// back over events rather than mutating anything directly (invariant I3).
type sendTask struct {
	poster  *poster
	events  EventChannel
	timeout time.Duration
}

func newSendTask(p *poster, events EventChannel, timeout time.Duration) *sendTask {
	return &sendTask{poster: p, events: events, timeout: timeout}
}

// run executes one delivery attempt and reports DeliverySuccess or
// DeliveryFailure back to the manager. It never panics and never blocks
// the caller beyond push_timeout plus the cost of the (non-blocking)
// channel send.
func (t *sendTask) run(ctx context.Context, id SubscriptionId, url string, keys *EncryptionKeys, snapshot []StateChange) {
	timer := pushmetrics.NewTimer()
	outcome := "success"
	defer func() {
		timer.ObserveDuration(pushmetrics.DeliveryDuration)
		pushmetrics.DeliveriesTotal.WithLabelValues(outcome).Inc()
	}()

	response := foldStateChanges(snapshot)
	payload, err := json.Marshal(response)
	if err != nil {
		// Marshaling our own struct cannot realistically fail; if it ever
		// does, treat it like any other permanent misconfiguration.
		t.reportEncryptionFailure(id)
		return
	}

	headers := map[string]string{
		"Content-Type": "application/json",
		"TTL":          "86400",
	}
	body := payload

	if keys != nil {
		ciphertext, err := ece.Encrypt(ece.Keys{P256dh: keys.P256dh, Auth: keys.Auth}, payload)
		if err != nil {
			// Encryption failure is a permanent misconfiguration, not a
			// transient transport error: report success to stop burning
			// retries (spec §4.6.3c, §7).
			log.WithSubscriptionID(jmapID(uint64(id))).Debug().Err(err).Msg("payload encryption failed, treated as delivered")
			outcome = "success"
			t.reportEncryptionFailure(id)
			return
		}
		headers["Content-Encoding"] = "aes128gcm"
		body = []byte(base64.URLEncoding.EncodeToString(ciphertext))
	}

	if err := t.poster.post(ctx, url, headers, body, t.timeout); err != nil {
		outcome = "failure"
		t.events.sendDeliveryFailure(id, snapshot)
		return
	}

	t.events.sendDeliverySuccess(id)
}

func (t *sendTask) reportEncryptionFailure(id SubscriptionId) {
	t.events.sendDeliverySuccess(id)
}
