// Package loopback is an in-process media engine used for development and
// tests. It implements the engine interfaces with fabricated ICE/DTLS
// parameters and forwards no media; it exists so the whole control plane can
// run end-to-end without a real SFU worker, and so tests can trigger
// engine-initiated lifecycle events (unilateral closes, router death) on
// live handles.
package loopback

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/meetmesh/signaling/internal/v1/engine"
	"github.com/meetmesh/signaling/internal/v1/types"
)

// Engine tracks every object it hands out so tests can reach live handles
// by id and simulate engine-initiated closures.
type Engine struct {
	mu         sync.Mutex
	workers    []*Worker
	transports map[string]*Transport
	producers  map[string]*Producer
	consumers  map[string]*Consumer
}

func New() *Engine {
	return &Engine{
		transports: make(map[string]*Transport),
		producers:  make(map[string]*Producer),
		consumers:  make(map[string]*Consumer),
	}
}

// Factory returns a WorkerFactory spawning loopback workers.
func (e *Engine) Factory() engine.WorkerFactory {
	return func(ctx context.Context) (engine.Worker, error) {
		w := &Worker{engine: e}
		e.mu.Lock()
		e.workers = append(e.workers, w)
		e.mu.Unlock()
		return w, nil
	}
}

// Workers returns the spawned workers in creation order.
func (e *Engine) Workers() []*Worker {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Worker(nil), e.workers...)
}

// Transport returns the live transport with the given id, or nil.
func (e *Engine) Transport(id string) *Transport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transports[id]
}

// Producer returns the live producer with the given id, or nil.
func (e *Engine) Producer(id string) *Producer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.producers[id]
}

// Consumer returns the live consumer with the given id, or nil.
func (e *Engine) Consumer(id string) *Consumer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.consumers[id]
}

// closeNotifier implements the one-shot OnClose contract shared by every
// loopback object.
type closeNotifier struct {
	mu     sync.Mutex
	fns    []func(reason string)
	closed bool
}

func (n *closeNotifier) OnClose(fn func(reason string)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fns = append(n.fns, fn)
}

// fire runs the handlers at most once and reports whether this call won.
func (n *closeNotifier) fire(reason string) bool {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return false
	}
	n.closed = true
	fns := n.fns
	n.mu.Unlock()
	for _, fn := range fns {
		fn(reason)
	}
	return true
}

// Worker is one loopback engine worker.
type Worker struct {
	engine *Engine

	mu      sync.Mutex
	routers []*Router
	diedFns []func(error)
	dead    bool
}

func (w *Worker) CreateRouter(ctx context.Context, codecs []engine.RtpCodecCapability) (engine.Router, error) {
	r := &Router{
		id:     "router-" + uuid.NewString(),
		worker: w,
		codecs: codecs,
	}
	w.mu.Lock()
	w.routers = append(w.routers, r)
	w.mu.Unlock()
	return r, nil
}

func (w *Worker) OnDied(fn func(err error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.diedFns = append(w.diedFns, fn)
}

// Die simulates an unrecoverable worker crash.
func (w *Worker) Die(err error) {
	w.mu.Lock()
	if w.dead {
		w.mu.Unlock()
		return
	}
	w.dead = true
	fns := w.diedFns
	routers := w.routers
	w.mu.Unlock()

	for _, r := range routers {
		r.Close()
	}
	for _, fn := range fns {
		fn(err)
	}
}

func (w *Worker) Close() {
	w.mu.Lock()
	routers := w.routers
	w.routers = nil
	w.mu.Unlock()
	for _, r := range routers {
		r.Close()
	}
}

// RouterCount reports how many routers this worker hosts.
func (w *Worker) RouterCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.routers)
}

// Router is a loopback routing domain.
type Router struct {
	id     string
	worker *Worker
	codecs []engine.RtpCodecCapability

	mu         sync.Mutex
	transports []*Transport
	closed     bool
}

func (r *Router) ID() string { return r.id }

func (r *Router) RtpCapabilities() json.RawMessage {
	caps, _ := json.Marshal(map[string]any{"codecs": r.codecs})
	return caps
}

func (r *Router) CanConsume(producerID string, rtpCapabilities json.RawMessage) bool {
	if len(rtpCapabilities) == 0 || string(rtpCapabilities) == "null" {
		return false
	}
	return r.worker.engine.Producer(producerID) != nil
}

func (r *Router) CreateWebRtcTransport(ctx context.Context, opts engine.WebRtcTransportOptions) (engine.Transport, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("router %s is closed", r.id)
	}
	r.mu.Unlock()

	candidates := make([]map[string]any, 0, len(opts.ListenIPs))
	for i, ip := range opts.ListenIPs {
		addr := ip.AnnouncedIP
		if addr == "" {
			addr = ip.IP
		}
		candidates = append(candidates, map[string]any{
			"foundation": fmt.Sprintf("udpcandidate%d", i),
			"ip":         addr,
			"port":       40000 + i,
			"protocol":   "udp",
			"type":       "host",
		})
	}
	iceCandidates, _ := json.Marshal(candidates)
	iceParams, _ := json.Marshal(map[string]any{
		"usernameFragment": uuid.NewString()[:8],
		"password":         uuid.NewString(),
		"iceLite":          true,
	})
	dtlsParams, _ := json.Marshal(map[string]any{
		"role":         "auto",
		"fingerprints": []map[string]string{{"algorithm": "sha-256", "value": uuid.NewString()}},
	})

	t := &Transport{
		id:            "transport-" + uuid.NewString(),
		router:        r,
		iceParameters: iceParams,
		iceCandidates: iceCandidates,
		dtlsParams:    dtlsParams,
	}

	r.mu.Lock()
	r.transports = append(r.transports, t)
	r.mu.Unlock()

	e := r.worker.engine
	e.mu.Lock()
	e.transports[t.id] = t
	e.mu.Unlock()

	return t, nil
}

func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	transports := r.transports
	r.mu.Unlock()

	for _, t := range transports {
		t.closeWithReason("routerclose")
	}
}

// Transport is a loopback media conduit.
type Transport struct {
	id            string
	router        *Router
	iceParameters json.RawMessage
	iceCandidates json.RawMessage
	dtlsParams    json.RawMessage

	notifier closeNotifier

	mu        sync.Mutex
	connected bool
	producers []*Producer
	consumers []*Consumer
}

func (t *Transport) ID() string                      { return t.id }
func (t *Transport) ICEParameters() json.RawMessage  { return t.iceParameters }
func (t *Transport) ICECandidates() json.RawMessage  { return t.iceCandidates }
func (t *Transport) DTLSParameters() json.RawMessage { return t.dtlsParams }

func (t *Transport) Connect(ctx context.Context, dtlsParameters json.RawMessage) error {
	if len(dtlsParameters) == 0 || string(dtlsParameters) == "null" {
		return fmt.Errorf("missing dtls parameters")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return fmt.Errorf("transport %s already connected", t.id)
	}
	t.connected = true
	return nil
}

// Connected reports whether Connect has completed.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) Produce(ctx context.Context, kind types.MediaKind, rtpParameters json.RawMessage) (engine.Producer, error) {
	if len(rtpParameters) == 0 || string(rtpParameters) == "null" {
		return nil, fmt.Errorf("missing rtp parameters")
	}

	p := &Producer{
		id:            "producer-" + uuid.NewString(),
		kind:          kind,
		rtpParameters: rtpParameters,
		transport:     t,
	}

	t.mu.Lock()
	t.producers = append(t.producers, p)
	t.mu.Unlock()

	e := t.router.worker.engine
	e.mu.Lock()
	e.producers[p.id] = p
	e.mu.Unlock()

	return p, nil
}

func (t *Transport) Consume(ctx context.Context, producerID string, rtpCapabilities json.RawMessage) (engine.Consumer, error) {
	e := t.router.worker.engine
	producer := e.Producer(producerID)
	if producer == nil {
		return nil, fmt.Errorf("producer %s not found", producerID)
	}

	c := &Consumer{
		id:            "consumer-" + uuid.NewString(),
		producerID:    producerID,
		kind:          producer.kind,
		rtpParameters: producer.rtpParameters,
		transport:     t,
	}

	t.mu.Lock()
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()

	e.mu.Lock()
	e.consumers[c.id] = c
	e.mu.Unlock()

	producer.mu.Lock()
	producer.consumers = append(producer.consumers, c)
	producer.mu.Unlock()

	return c, nil
}

func (t *Transport) OnClose(fn func(reason string)) { t.notifier.OnClose(fn) }

func (t *Transport) Close() { t.closeWithReason("close") }

func (t *Transport) closeWithReason(reason string) {
	if !t.notifier.fire(reason) {
		return
	}

	t.mu.Lock()
	producers := t.producers
	consumers := t.consumers
	t.mu.Unlock()

	for _, p := range producers {
		p.closeWithReason("transportclose")
	}
	for _, c := range consumers {
		c.closeWithReason("transportclose")
	}

	e := t.router.worker.engine
	e.mu.Lock()
	delete(e.transports, t.id)
	e.mu.Unlock()
}

// Producer is a loopback inbound-track sink.
type Producer struct {
	id            string
	kind          types.MediaKind
	rtpParameters json.RawMessage
	transport     *Transport

	notifier closeNotifier

	mu        sync.Mutex
	consumers []*Consumer
}

func (p *Producer) ID() string                     { return p.id }
func (p *Producer) Kind() types.MediaKind          { return p.kind }
func (p *Producer) RtpParameters() json.RawMessage { return p.rtpParameters }
func (p *Producer) OnClose(fn func(reason string)) { p.notifier.OnClose(fn) }

func (p *Producer) Close() { p.closeWithReason("close") }

func (p *Producer) closeWithReason(reason string) {
	if !p.notifier.fire(reason) {
		return
	}

	p.mu.Lock()
	consumers := p.consumers
	p.mu.Unlock()
	for _, c := range consumers {
		c.closeWithReason("producerclose")
	}

	e := p.transport.router.worker.engine
	e.mu.Lock()
	delete(e.producers, p.id)
	e.mu.Unlock()
}

// Consumer is a loopback outbound-track source.
type Consumer struct {
	id            string
	producerID    string
	kind          types.MediaKind
	rtpParameters json.RawMessage
	transport     *Transport

	notifier closeNotifier

	mu      sync.Mutex
	resumed bool
}

func (c *Consumer) ID() string                     { return c.id }
func (c *Consumer) ProducerID() string             { return c.producerID }
func (c *Consumer) Kind() types.MediaKind          { return c.kind }
func (c *Consumer) RtpParameters() json.RawMessage { return c.rtpParameters }

func (c *Consumer) Resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resumed = true
	return nil
}

// Resumed reports whether Resume was called.
func (c *Consumer) Resumed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumed
}

func (c *Consumer) OnClose(fn func(reason string)) { c.notifier.OnClose(fn) }

func (c *Consumer) Close() { c.closeWithReason("close") }

func (c *Consumer) closeWithReason(reason string) {
	if !c.notifier.fire(reason) {
		return
	}

	e := c.transport.router.worker.engine
	e.mu.Lock()
	delete(e.consumers, c.id)
	e.mu.Unlock()
}
