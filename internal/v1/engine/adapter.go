package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/zap"

	"github.com/meetmesh/signaling/internal/v1/config"
	"github.com/meetmesh/signaling/internal/v1/logging"
	"github.com/meetmesh/signaling/internal/v1/metrics"
	"github.com/meetmesh/signaling/internal/v1/types"
)

var (
	ErrTransportNotFound = errors.New("transport not found")
	ErrProducerNotFound  = errors.New("producer not found")
	ErrWrongRoom         = errors.New("transport belongs to different room")
	ErrCannotConsume     = errors.New("cannot consume with provided rtpCapabilities")
)

// Options configure an Adapter.
type Options struct {
	Factory   WorkerFactory
	ListenIPs []config.ListenIP

	// NumWorkers defaults to max(1, NumCPU-1).
	NumWorkers int

	// OnWorkerDied is the fatal-failure hook. The default logs at Fatal,
	// which exits the process non-zero: in-memory engine state cannot be
	// reconstructed after a worker death.
	OnWorkerDied func(error)
}

// Adapter pools engine workers, creates room routers on demand, and owns the
// resource tables mapping transport/producer/consumer ids to their engine
// handles and control-plane metadata.
//
// Locking: mu guards the tables and is never held across an engine call.
// initMu serializes worker spawning and router creation, which do suspend on
// the engine.
type Adapter struct {
	factory    WorkerFactory
	listenIPs  []config.ListenIP
	numWorkers int
	onDied     func(error)

	initMu     sync.Mutex
	workers    []Worker
	nextWorker int

	mu         sync.Mutex
	rooms      map[types.RoomName]*roomContext
	transports map[string]*transportRecord
	producers  map[string]*producerRecord
	consumers  map[string]*consumerRecord

	handlerMu sync.RWMutex
	handler   func(Event)
}

type roomContext struct {
	router Router

	transports map[string]struct{}
	producers  map[string]struct{}
	consumers  map[string]struct{}

	// lifetime counters, never decremented
	producersTotal int
	consumersTotal int
}

type transportRecord struct {
	transport Transport
	room      types.RoomName
	clientID  types.ClientID
	direction types.Direction
	cleanup   sync.Once
}

type producerRecord struct {
	producer Producer
	room     types.RoomName
	clientID types.ClientID
	kind     types.MediaKind
	cleanup  sync.Once
}

type consumerRecord struct {
	consumer   Consumer
	producerID string
	room       types.RoomName
	clientID   types.ClientID
	kind       types.MediaKind
	cleanup    sync.Once
}

// NewAdapter builds an Adapter. Workers are spawned by Start or on first use.
func NewAdapter(opts Options) *Adapter {
	n := opts.NumWorkers
	if n <= 0 {
		n = runtime.NumCPU() - 1
		if n < 1 {
			n = 1
		}
	}
	onDied := opts.OnWorkerDied
	if onDied == nil {
		onDied = func(err error) {
			logging.Fatal(context.Background(), "media engine worker died", zap.Error(err))
		}
	}
	return &Adapter{
		factory:    opts.Factory,
		listenIPs:  opts.ListenIPs,
		numWorkers: n,
		onDied:     onDied,
		rooms:      make(map[types.RoomName]*roomContext),
		transports: make(map[string]*transportRecord),
		producers:  make(map[string]*producerRecord),
		consumers:  make(map[string]*consumerRecord),
	}
}

// Start spawns the worker pool eagerly. The creation paths still spawn on
// demand, so Start is optional, but readiness checks keyed on the worker
// count need it called at boot; it also surfaces a broken factory before any
// client traffic arrives.
func (a *Adapter) Start(ctx context.Context) error {
	a.initMu.Lock()
	defer a.initMu.Unlock()
	return a.ensureWorkersLocked(ctx)
}

// SetEventHandler registers the single lifecycle event subscriber. The event
// bridge wires this once at construction, before any client traffic.
func (a *Adapter) SetEventHandler(h func(Event)) {
	a.handlerMu.Lock()
	defer a.handlerMu.Unlock()
	a.handler = h
}

func (a *Adapter) emit(ev Event) {
	a.handlerMu.RLock()
	h := a.handler
	a.handlerMu.RUnlock()
	if h != nil {
		h(ev)
	}
}

// ensureWorkers spawns the pool on first use. Caller holds initMu.
func (a *Adapter) ensureWorkersLocked(ctx context.Context) error {
	if len(a.workers) > 0 {
		return nil
	}
	spawned := make([]Worker, 0, a.numWorkers)
	for i := 0; i < a.numWorkers; i++ {
		w, err := a.factory(ctx)
		if err != nil {
			for _, s := range spawned {
				s.Close()
			}
			return fmt.Errorf("failed to spawn engine worker %d: %w", i, err)
		}
		w.OnDied(a.onDied)
		spawned = append(spawned, w)
	}
	a.workers = spawned
	logging.Info(ctx, "media engine workers spawned", zap.Int("count", len(spawned)))
	return nil
}

// ensureRoom returns the room's context, creating the router lazily on the
// next worker in round-robin order.
func (a *Adapter) ensureRoom(ctx context.Context, room types.RoomName) (*roomContext, error) {
	a.initMu.Lock()
	defer a.initMu.Unlock()

	a.mu.Lock()
	rc := a.rooms[room]
	a.mu.Unlock()
	if rc != nil {
		return rc, nil
	}

	if err := a.ensureWorkersLocked(ctx); err != nil {
		return nil, err
	}

	worker := a.workers[a.nextWorker%len(a.workers)]
	router, err := worker.CreateRouter(ctx, DefaultCodecs())
	if err != nil {
		return nil, fmt.Errorf("failed to create router for room %q: %w", room, err)
	}

	rc = &roomContext{
		router:     router,
		transports: make(map[string]struct{}),
		producers:  make(map[string]struct{}),
		consumers:  make(map[string]struct{}),
	}

	a.mu.Lock()
	a.rooms[room] = rc
	a.nextWorker++
	a.mu.Unlock()

	logging.Info(ctx, "room router created",
		zap.String("room", string(room)),
		zap.String("router_id", router.ID()),
		zap.Int("worker_index", (a.nextWorker-1)%len(a.workers)))
	return rc, nil
}

// TransportInfo is the reply payload of a successful transport creation.
type TransportInfo struct {
	ID                    string
	ICEParameters         json.RawMessage
	ICECandidates         json.RawMessage
	DTLSParameters        json.RawMessage
	RouterRtpCapabilities json.RawMessage
	Direction             types.Direction
}

// CreateWebRtcTransport creates a transport on the room's router and
// registers it under the owning client before returning.
func (a *Adapter) CreateWebRtcTransport(ctx context.Context, room types.RoomName, clientID types.ClientID, direction types.Direction) (*TransportInfo, error) {
	rc, err := a.ensureRoom(ctx, room)
	if err != nil {
		metrics.EngineOperations.WithLabelValues("createTransport", "error").Inc()
		return nil, err
	}

	transport, err := rc.router.CreateWebRtcTransport(ctx, WebRtcTransportOptions{
		ListenIPs: a.listenIPs,
		EnableUDP: true,
		EnableTCP: true,
		PreferUDP: true,
	})
	if err != nil {
		metrics.EngineOperations.WithLabelValues("createTransport", "error").Inc()
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	rec := &transportRecord{
		transport: transport,
		room:      room,
		clientID:  clientID,
		direction: direction,
	}

	a.mu.Lock()
	a.transports[transport.ID()] = rec
	rc.transports[transport.ID()] = struct{}{}
	a.mu.Unlock()
	metrics.EngineResources.WithLabelValues("transport").Inc()

	// Both direct closure and router closure land here; the record's
	// sync.Once makes the second fire a no-op.
	transport.OnClose(func(reason string) {
		a.cleanupTransport(rec, transport.ID(), reason)
	})

	metrics.EngineOperations.WithLabelValues("createTransport", "success").Inc()
	return &TransportInfo{
		ID:                    transport.ID(),
		ICEParameters:         transport.ICEParameters(),
		ICECandidates:         transport.ICECandidates(),
		DTLSParameters:        transport.DTLSParameters(),
		RouterRtpCapabilities: rc.router.RtpCapabilities(),
		Direction:             direction,
	}, nil
}

// ConnectTransport completes the DTLS handshake for a transport.
func (a *Adapter) ConnectTransport(ctx context.Context, transportID string, dtlsParameters json.RawMessage) error {
	a.mu.Lock()
	rec := a.transports[transportID]
	a.mu.Unlock()
	if rec == nil {
		metrics.EngineOperations.WithLabelValues("connectTransport", "error").Inc()
		return ErrTransportNotFound
	}

	if err := rec.transport.Connect(ctx, dtlsParameters); err != nil {
		metrics.EngineOperations.WithLabelValues("connectTransport", "error").Inc()
		return fmt.Errorf("failed to connect transport: %w", err)
	}
	metrics.EngineOperations.WithLabelValues("connectTransport", "success").Inc()
	return nil
}

// CloseTransport closes a transport explicitly. Unknown ids are a no-op:
// explicit closes race with engine-initiated ones by design.
func (a *Adapter) CloseTransport(transportID string) {
	a.mu.Lock()
	rec := a.transports[transportID]
	a.mu.Unlock()
	if rec == nil {
		return
	}
	rec.transport.Close()
	a.cleanupTransport(rec, transportID, "closed")
}

func (a *Adapter) cleanupTransport(rec *transportRecord, id, reason string) {
	rec.cleanup.Do(func() {
		a.mu.Lock()
		delete(a.transports, id)
		if rc := a.rooms[rec.room]; rc != nil {
			delete(rc.transports, id)
		}
		a.mu.Unlock()
		metrics.EngineResources.WithLabelValues("transport").Dec()

		a.emit(Event{
			Kind:     EventTransportClosed,
			Room:     rec.room,
			ClientID: rec.clientID,
			ID:       id,
			Reason:   reason,
		})
	})
}

// ProducerRequest parameterizes producer creation.
type ProducerRequest struct {
	TransportID   string
	Room          types.RoomName // optional; must match the transport's room when set
	ClientID      types.ClientID
	Kind          types.MediaKind
	RtpParameters json.RawMessage
}

// ProducerResult is the reply payload of a successful produce.
type ProducerResult struct {
	ID   string
	Kind types.MediaKind
	Room types.RoomName
}

// CreateProducer produces on the given transport and registers the producer
// under the transport's room.
func (a *Adapter) CreateProducer(ctx context.Context, req ProducerRequest) (*ProducerResult, error) {
	a.mu.Lock()
	trec := a.transports[req.TransportID]
	a.mu.Unlock()
	if trec == nil {
		metrics.EngineOperations.WithLabelValues("produce", "error").Inc()
		return nil, ErrTransportNotFound
	}
	if req.Room != "" && req.Room != trec.room {
		metrics.EngineOperations.WithLabelValues("produce", "error").Inc()
		return nil, ErrWrongRoom
	}

	producer, err := trec.transport.Produce(ctx, req.Kind, req.RtpParameters)
	if err != nil {
		metrics.EngineOperations.WithLabelValues("produce", "error").Inc()
		return nil, fmt.Errorf("failed to produce: %w", err)
	}

	rec := &producerRecord{
		producer: producer,
		room:     trec.room,
		clientID: req.ClientID,
		kind:     req.Kind,
	}

	a.mu.Lock()
	a.producers[producer.ID()] = rec
	if rc := a.rooms[trec.room]; rc != nil {
		rc.producers[producer.ID()] = struct{}{}
		rc.producersTotal++
	}
	a.mu.Unlock()
	metrics.EngineResources.WithLabelValues("producer").Inc()

	producer.OnClose(func(reason string) {
		a.cleanupProducer(rec, producer.ID(), reason)
	})

	metrics.EngineOperations.WithLabelValues("produce", "success").Inc()
	return &ProducerResult{ID: producer.ID(), Kind: req.Kind, Room: trec.room}, nil
}

// CloseProducer closes a producer explicitly. Unknown ids are a no-op.
func (a *Adapter) CloseProducer(producerID string) {
	a.mu.Lock()
	rec := a.producers[producerID]
	a.mu.Unlock()
	if rec == nil {
		return
	}
	rec.producer.Close()
	a.cleanupProducer(rec, producerID, "closed")
}

func (a *Adapter) cleanupProducer(rec *producerRecord, id, reason string) {
	rec.cleanup.Do(func() {
		a.mu.Lock()
		delete(a.producers, id)
		if rc := a.rooms[rec.room]; rc != nil {
			delete(rc.producers, id)
		}
		a.mu.Unlock()
		metrics.EngineResources.WithLabelValues("producer").Dec()

		a.emit(Event{
			Kind:     EventProducerClosed,
			Room:     rec.room,
			ClientID: rec.clientID,
			ID:       id,
			Reason:   reason,
		})
	})
}

// ConsumerRequest parameterizes consumer creation.
type ConsumerRequest struct {
	TransportID     string
	ProducerID      string
	ClientID        types.ClientID
	RtpCapabilities json.RawMessage
}

// ConsumerResult is the reply payload of a successful consume.
type ConsumerResult struct {
	ID            string
	ProducerID    string
	Kind          types.MediaKind
	RtpParameters json.RawMessage
}

// CreateConsumer consumes the named producer on the given transport. The
// consumer is resumed immediately after registration; a resume failure is
// logged but not fatal, some engines need the nudge to start sending RTP.
func (a *Adapter) CreateConsumer(ctx context.Context, req ConsumerRequest) (*ConsumerResult, error) {
	a.mu.Lock()
	trec := a.transports[req.TransportID]
	prec := a.producers[req.ProducerID]
	var rc *roomContext
	if trec != nil {
		rc = a.rooms[trec.room]
	}
	a.mu.Unlock()

	if trec == nil {
		metrics.EngineOperations.WithLabelValues("consume", "error").Inc()
		return nil, ErrTransportNotFound
	}
	if prec == nil {
		metrics.EngineOperations.WithLabelValues("consume", "error").Inc()
		return nil, ErrProducerNotFound
	}
	if rc == nil || !rc.router.CanConsume(req.ProducerID, req.RtpCapabilities) {
		metrics.EngineOperations.WithLabelValues("consume", "error").Inc()
		return nil, ErrCannotConsume
	}

	consumer, err := trec.transport.Consume(ctx, req.ProducerID, req.RtpCapabilities)
	if err != nil {
		metrics.EngineOperations.WithLabelValues("consume", "error").Inc()
		return nil, fmt.Errorf("failed to consume: %w", err)
	}

	rec := &consumerRecord{
		consumer:   consumer,
		producerID: req.ProducerID,
		room:       trec.room,
		clientID:   req.ClientID,
		kind:       consumer.Kind(),
	}

	a.mu.Lock()
	a.consumers[consumer.ID()] = rec
	rc.consumers[consumer.ID()] = struct{}{}
	rc.consumersTotal++
	a.mu.Unlock()
	metrics.EngineResources.WithLabelValues("consumer").Inc()

	consumer.OnClose(func(reason string) {
		a.cleanupConsumer(rec, consumer.ID(), reason)
	})

	if err := consumer.Resume(ctx); err != nil {
		logging.Warn(ctx, "consumer resume failed",
			zap.String("consumer_id", consumer.ID()),
			zap.Error(err))
	}

	metrics.EngineOperations.WithLabelValues("consume", "success").Inc()
	return &ConsumerResult{
		ID:            consumer.ID(),
		ProducerID:    req.ProducerID,
		Kind:          consumer.Kind(),
		RtpParameters: consumer.RtpParameters(),
	}, nil
}

// CloseConsumer closes a consumer explicitly. Unknown ids are a no-op.
func (a *Adapter) CloseConsumer(consumerID string) {
	a.mu.Lock()
	rec := a.consumers[consumerID]
	a.mu.Unlock()
	if rec == nil {
		return
	}
	rec.consumer.Close()
	a.cleanupConsumer(rec, consumerID, "closed")
}

func (a *Adapter) cleanupConsumer(rec *consumerRecord, id, reason string) {
	rec.cleanup.Do(func() {
		a.mu.Lock()
		delete(a.consumers, id)
		if rc := a.rooms[rec.room]; rc != nil {
			delete(rc.consumers, id)
		}
		a.mu.Unlock()
		metrics.EngineResources.WithLabelValues("consumer").Dec()

		a.emit(Event{
			Kind:     EventConsumerClosed,
			Room:     rec.room,
			ClientID: rec.clientID,
			ID:       id,
			Reason:   reason,
		})
	})
}

// CloseClient closes every engine resource tagged with the client id. Safe
// to call multiple times; the per-record cleanup handlers are idempotent.
func (a *Adapter) CloseClient(clientID types.ClientID) {
	type closer struct {
		close func()
	}
	var toClose []closer

	a.mu.Lock()
	for id, rec := range a.consumers {
		if rec.clientID == clientID {
			id, rec := id, rec
			toClose = append(toClose, closer{func() {
				rec.consumer.Close()
				a.cleanupConsumer(rec, id, "client closed")
			}})
		}
	}
	for id, rec := range a.producers {
		if rec.clientID == clientID {
			id, rec := id, rec
			toClose = append(toClose, closer{func() {
				rec.producer.Close()
				a.cleanupProducer(rec, id, "client closed")
			}})
		}
	}
	for id, rec := range a.transports {
		if rec.clientID == clientID {
			id, rec := id, rec
			toClose = append(toClose, closer{func() {
				rec.transport.Close()
				a.cleanupTransport(rec, id, "client closed")
			}})
		}
	}
	a.mu.Unlock()

	for _, c := range toClose {
		c.close()
	}
}

// CloseRoom tears down the room's router once the control plane has deleted
// the room. Remaining transports observe a router-close and clean up through
// the usual handlers.
func (a *Adapter) CloseRoom(room types.RoomName) {
	a.mu.Lock()
	rc := a.rooms[room]
	delete(a.rooms, room)
	a.mu.Unlock()
	if rc == nil {
		return
	}
	rc.router.Close()
}

// ProducerRoom reports the room a producer is registered in, for callers
// that only hold the id.
func (a *Adapter) ProducerRoom(producerID string) (types.RoomName, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec := a.producers[producerID]
	if rec == nil {
		return "", false
	}
	return rec.room, true
}

// TransportOwner reports the owning client and room of a transport.
func (a *Adapter) TransportOwner(transportID string) (types.ClientID, types.RoomName, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec := a.transports[transportID]
	if rec == nil {
		return "", "", false
	}
	return rec.clientID, rec.room, true
}

// RoomOverview summarizes one room's engine-side state.
type RoomOverview struct {
	Room           types.RoomName `json:"room"`
	Transports     int            `json:"transports"`
	Producers      int            `json:"producers"`
	Consumers      int            `json:"consumers"`
	ProducersTotal int            `json:"producersTotal"`
	ConsumersTotal int            `json:"consumersTotal"`
}

// RoomsOverview snapshots every room's counters.
func (a *Adapter) RoomsOverview() []RoomOverview {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]RoomOverview, 0, len(a.rooms))
	for name, rc := range a.rooms {
		out = append(out, RoomOverview{
			Room:           name,
			Transports:     len(rc.transports),
			Producers:      len(rc.producers),
			Consumers:      len(rc.consumers),
			ProducersTotal: rc.producersTotal,
			ConsumersTotal: rc.consumersTotal,
		})
	}
	return out
}

// Metrics snapshots the adapter-wide resource counts.
func (a *Adapter) Metrics() map[string]int {
	a.initMu.Lock()
	workers := len(a.workers)
	a.initMu.Unlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	return map[string]int{
		"workers":    workers,
		"rooms":      len(a.rooms),
		"transports": len(a.transports),
		"producers":  len(a.producers),
		"consumers":  len(a.consumers),
	}
}
